// Package flightserve exposes the attention kernel as an Arrow Flight
// DoExchange service. The client streams the Q, K, V tensors as record
// batches, the server runs the forward pass and streams the output and
// log normalizer back on the same call.
package flightserve

import (
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Tensor labels on the exchange stream.
const (
	msgQuery  = "q"
	msgKey    = "k"
	msgValue  = "v"
	msgOutput = "out"
	msgLSE    = "lse"
	msgScores = "scores"
)

// ExchangeParams is the attention descriptor carried in the Flight
// command. Varlen mode is implied by non-empty cu_seqlens tables.
type ExchangeParams struct {
	SMScale      float32 `json:"sm_scale"`
	Causal       bool    `json:"causal,omitempty"`
	DropoutP     float32 `json:"dropout_p,omitempty"`
	ReturnScores bool    `json:"return_scores,omitempty"`
	MaxSeqlenQ   int     `json:"max_seqlen_q,omitempty"`
	MaxSeqlenK   int     `json:"max_seqlen_k,omitempty"`
	CuSeqlensQ   []int   `json:"cu_seqlens_q,omitempty"`
	CuSeqlensK   []int   `json:"cu_seqlens_k,omitempty"`
}

// tensorMsg is the per-record app metadata naming the tensor and its
// shape. Every record on the stream shares the flat float32 schema, so
// the shape travels out of band.
type tensorMsg struct {
	Name string `json:"name"`
	Dims []int  `json:"dims"`
}

func flatSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "values", Type: arrow.PrimitiveTypes.Float32},
	}, nil)
}

// flatRecord flattens a tensor into a single float32 column. The caller
// must Release the record.
func flatRecord(mem memory.Allocator, t *tensor.Tensor) arrow.Record {
	bldr := array.NewRecordBuilder(mem, flatSchema())
	defer bldr.Release()
	valB := bldr.Field(0).(*array.Float32Builder)
	valB.AppendValues(t.Data(), nil)
	return bldr.NewRecord()
}

func tensorAppMeta(label string, t *tensor.Tensor) ([]byte, error) {
	return json.Marshal(tensorMsg{Name: label, Dims: t.Dims()})
}

// tensorFromFlat rebuilds a tensor from a flat record and its metadata
// message.
func tensorFromFlat(rec arrow.Record, msg tensorMsg) (*tensor.Tensor, error) {
	if msg.Name == "" || len(msg.Dims) == 0 {
		return nil, fmt.Errorf("exchange record missing tensor metadata")
	}
	if rec.NumCols() != 1 {
		return nil, fmt.Errorf("tensor %s: flat record must have one column, got %d", msg.Name, rec.NumCols())
	}
	col, ok := rec.Column(0).(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("tensor %s: values must be float32, got %s", msg.Name, rec.Column(0).DataType())
	}
	n := 1
	for _, d := range msg.Dims {
		if d <= 0 {
			return nil, fmt.Errorf("tensor %s: bad dim %d in %v", msg.Name, d, msg.Dims)
		}
		n *= d
	}
	if col.Len() != n {
		return nil, fmt.Errorf("tensor %s: %d values do not fill shape %v", msg.Name, col.Len(), msg.Dims)
	}
	data := make([]float32, n)
	copy(data, col.Float32Values())
	return tensor.FromData(msg.Name, data, msg.Dims...)
}
