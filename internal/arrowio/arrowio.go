// Package arrowio moves attention tensors in and out of Arrow record
// batches. A tensor travels as one record: a single FixedSizeList
// column whose list width is the trailing (feature) dimension, with the
// full shape carried in the schema metadata so either the dense 4D or
// the packed varlen 3D layout reconstructs exactly.
package arrowio

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

const (
	metaKeyName = "tensor_name"
	metaKeyDims = "tensor_dims"
)

func formatDims(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseDims(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	dims := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("bad dims metadata %q", s)
		}
		dims[i] = d
	}
	return dims, nil
}

// TensorSchema builds the one-column schema for a tensor with the given
// name, shape and trailing feature width.
func TensorSchema(name string, dims []int) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaKeyName, metaKeyDims},
		[]string{name, formatDims(dims)},
	)
	headDim := dims[len(dims)-1]
	return arrow.NewSchema([]arrow.Field{
		{Name: "values", Type: arrow.FixedSizeListOf(int32(headDim), arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// TensorRecord converts a tensor to a record batch. The caller owns the
// returned record and must Release it.
func TensorRecord(mem memory.Allocator, t *tensor.Tensor) (arrow.Record, error) {
	dims := t.Dims()
	if len(dims) < 2 {
		return nil, fmt.Errorf("tensor %s: need at least 2 dims, got %v", t.Name(), dims)
	}
	headDim := dims[len(dims)-1]
	rows := t.NumElements() / headDim

	schema := TensorSchema(t.Name(), dims)
	bldr := array.NewRecordBuilder(mem, schema)
	defer bldr.Release()

	listB := bldr.Field(0).(*array.FixedSizeListBuilder)
	valB := listB.ValueBuilder().(*array.Float32Builder)
	valB.Reserve(t.NumElements())

	data := t.Data()
	for r := 0; r < rows; r++ {
		listB.Append(true)
		valB.AppendValues(data[r*headDim:(r+1)*headDim], nil)
	}
	return bldr.NewRecord(), nil
}

// TensorFromRecord rebuilds a tensor from a record produced by
// TensorRecord (or a compatible writer).
func TensorFromRecord(rec arrow.Record) (*tensor.Tensor, error) {
	md := rec.Schema().Metadata()
	nameIdx := md.FindKey(metaKeyName)
	dimsIdx := md.FindKey(metaKeyDims)
	if nameIdx < 0 || dimsIdx < 0 {
		return nil, fmt.Errorf("record schema missing %s/%s metadata", metaKeyName, metaKeyDims)
	}
	name := md.Values()[nameIdx]
	dims, err := parseDims(md.Values()[dimsIdx])
	if err != nil {
		return nil, err
	}

	if rec.NumCols() != 1 {
		return nil, fmt.Errorf("tensor record must have exactly one column, got %d", rec.NumCols())
	}
	listCol, ok := rec.Column(0).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("tensor column must be FixedSizeList<float32>, got %s", rec.Column(0).DataType())
	}
	vals, ok := listCol.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("tensor values must be float32, got %s", listCol.ListValues().DataType())
	}

	n := 1
	for _, d := range dims {
		n *= d
	}
	headDim := dims[len(dims)-1]
	if int(rec.NumRows())*headDim != n {
		return nil, fmt.Errorf("tensor %s: %d rows of width %d do not fill shape %v",
			name, rec.NumRows(), headDim, dims)
	}

	data := make([]float32, n)
	copy(data, vals.Float32Values())
	return tensor.FromData(name, data, dims...)
}

// WriteTensor streams one tensor over the Arrow IPC format.
func WriteTensor(w io.Writer, t *tensor.Tensor) error {
	rec, err := TensorRecord(memory.NewGoAllocator(), t)
	if err != nil {
		return err
	}
	defer rec.Release()

	wtr := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := wtr.Write(rec); err != nil {
		wtr.Close()
		return fmt.Errorf("write tensor %s: %w", t.Name(), err)
	}
	return wtr.Close()
}

// ReadTensor reads one tensor from an Arrow IPC stream.
func ReadTensor(r io.Reader) (*tensor.Tensor, error) {
	rdr, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open tensor stream: %w", err)
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return nil, fmt.Errorf("read tensor stream: %w", err)
		}
		return nil, fmt.Errorf("tensor stream has no record batches")
	}
	return TensorFromRecord(rdr.Record())
}
