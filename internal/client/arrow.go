package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-quiver/internal/quantize"
	"github.com/23skdu/longbow-quiver/internal/tensor"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

// QuantizedSchema is one row per quantized tensor.
var QuantizedSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "layout", Type: arrow.BinaryTypes.String},
		{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "scales", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Int8)},
		{Name: "clamped", Type: arrow.FixedWidthTypes.Boolean},
	},
	nil,
)

// SourceSchema is one row per fp16 tensor to quantize. data holds
// little-endian fp16 bytes.
var SourceSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "layout", Type: arrow.BinaryTypes.String},
		{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "data", Type: arrow.BinaryTypes.Binary},
	},
	nil,
)

// NamedResult pairs a quantized tensor with its name.
type NamedResult struct {
	Name   string
	Result *quantize.Result
}

// SourceTensor is a decoded row of a SourceSchema record.
type SourceTensor struct {
	Name string
	Desc tensor.Desc
	Data []float16.Float16
}

// RecordBatchBuilder creates Arrow RecordBatches from quantized tensors.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch encodes results with QuantizedSchema. The caller releases it.
func (b *RecordBatchBuilder) BuildRecordBatch(results []NamedResult) (arrow.RecordBatch, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("no tensors to encode")
	}

	names := array.NewStringBuilder(b.mem)
	defer names.Release()
	layouts := array.NewStringBuilder(b.mem)
	defer layouts.Release()
	dims := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int32)
	defer dims.Release()
	scales := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer scales.Release()
	data := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int8)
	defer data.Release()
	clamped := array.NewBooleanBuilder(b.mem)
	defer clamped.Release()

	dimValues := dims.ValueBuilder().(*array.Int32Builder)
	scaleValues := scales.ValueBuilder().(*array.Float32Builder)
	dataValues := data.ValueBuilder().(*array.Int8Builder)

	for _, nr := range results {
		if nr.Result == nil {
			return nil, fmt.Errorf("tensor %q has no result", nr.Name)
		}
		res := nr.Result
		names.Append(nr.Name)
		layouts.Append(res.Desc.Layout().String())

		dims.Append(true)
		for _, d := range res.Desc.Shape() {
			dimValues.Append(int32(d))
		}
		scales.Append(true)
		scaleValues.AppendValues(res.Scales, nil)
		data.Append(true)
		dataValues.AppendValues(res.Data, nil)
		clamped.Append(res.Clamped)
	}

	cols := []arrow.Array{
		names.NewArray(),
		layouts.NewArray(),
		dims.NewArray(),
		scales.NewArray(),
		data.NewArray(),
		clamped.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(QuantizedSchema, cols, int64(len(results))), nil
}

// BuildSourceRecordBatch encodes fp16 tensors with SourceSchema.
func (b *RecordBatchBuilder) BuildSourceRecordBatch(tensors []SourceTensor) (arrow.RecordBatch, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("no tensors to encode")
	}

	names := array.NewStringBuilder(b.mem)
	defer names.Release()
	layouts := array.NewStringBuilder(b.mem)
	defer layouts.Release()
	dims := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int32)
	defer dims.Release()
	data := array.NewBinaryBuilder(b.mem, arrow.BinaryTypes.Binary)
	defer data.Release()

	dimValues := dims.ValueBuilder().(*array.Int32Builder)
	for _, st := range tensors {
		names.Append(st.Name)
		layouts.Append(st.Desc.Layout().String())
		dims.Append(true)
		for _, d := range st.Desc.Shape() {
			dimValues.Append(int32(d))
		}
		data.Append(weights.ToBytes(st.Data))
	}

	cols := []arrow.Array{names.NewArray(), layouts.NewArray(), dims.NewArray(), data.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(SourceSchema, cols, int64(len(tensors))), nil
}

// DecodeSourceRecord reads the rows of a SourceSchema record.
func DecodeSourceRecord(rec arrow.RecordBatch) ([]SourceTensor, error) {
	if !rec.Schema().Equal(SourceSchema) {
		return nil, fmt.Errorf("unexpected schema: %s", rec.Schema())
	}
	names, _ := rec.Column(0).(*array.String)
	layouts, _ := rec.Column(1).(*array.String)
	dims, _ := rec.Column(2).(*array.List)
	data, _ := rec.Column(3).(*array.Binary)
	dimValues, _ := dims.ListValues().(*array.Int32)

	out := make([]SourceTensor, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		layout, err := tensor.ParseLayout(layouts.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		start, end := dims.ValueOffsets(i)
		shape := make([]int, 0, end-start)
		for _, d := range dimValues.Int32Values()[start:end] {
			shape = append(shape, int(d))
		}
		desc, err := tensor.FromDims(tensor.Float16, layout, shape)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		vals, err := weights.FromBytes(data.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, SourceTensor{Name: names.Value(i), Desc: desc, Data: vals})
	}
	return out, nil
}

// DecodeQuantizedRecord reads the rows of a QuantizedSchema record.
func DecodeQuantizedRecord(rec arrow.RecordBatch) ([]NamedResult, error) {
	if !rec.Schema().Equal(QuantizedSchema) {
		return nil, fmt.Errorf("unexpected schema: %s", rec.Schema())
	}
	names, _ := rec.Column(0).(*array.String)
	layouts, _ := rec.Column(1).(*array.String)
	dims, _ := rec.Column(2).(*array.List)
	scales, _ := rec.Column(3).(*array.List)
	data, _ := rec.Column(4).(*array.List)
	clamped, _ := rec.Column(5).(*array.Boolean)

	dimValues, _ := dims.ListValues().(*array.Int32)
	scaleValues, _ := scales.ListValues().(*array.Float32)
	dataValues, _ := data.ListValues().(*array.Int8)

	out := make([]NamedResult, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		layout, err := tensor.ParseLayout(layouts.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		start, end := dims.ValueOffsets(i)
		shape := make([]int, 0, end-start)
		for _, d := range dimValues.Int32Values()[start:end] {
			shape = append(shape, int(d))
		}
		desc, err := tensor.FromDims(tensor.Int8, layout, shape)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}

		s0, s1 := scales.ValueOffsets(i)
		d0, d1 := data.ValueOffsets(i)
		res := &quantize.Result{
			Desc:    desc,
			Scales:  append([]float32(nil), scaleValues.Float32Values()[s0:s1]...),
			Data:    append([]int8(nil), dataValues.Int8Values()[d0:d1]...),
			Clamped: clamped.Value(i),
		}
		out = append(out, NamedResult{Name: names.Value(i), Result: res})
	}
	return out, nil
}
