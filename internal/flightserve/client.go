package flightserve

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Client calls a remote attention Flight service.
type Client struct {
	fc  flight.Client
	mem memory.Allocator
}

func Dial(addr string) (*Client, error) {
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial flight server %s: %w", addr, err)
	}
	return &Client{fc: fc, mem: memory.NewGoAllocator()}, nil
}

func (c *Client) Close() error {
	return c.fc.Close()
}

// ExchangeResult holds the tensors returned by the server.
type ExchangeResult struct {
	Out    *tensor.Tensor
	LSE    *tensor.Tensor
	Scores *tensor.Tensor
}

// Attention runs one forward pass on the server: Q, K, V go out as a
// record stream, the output tensors come back on the same exchange.
func (c *Client) Attention(ctx context.Context, q, k, v *tensor.Tensor, params ExchangeParams) (*ExchangeResult, error) {
	cmd, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode attention params: %w", err)
	}

	stream, err := c.fc.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("open exchange: %w", err)
	}

	wtr := flight.NewRecordWriter(stream, ipc.WithSchema(flatSchema()))
	wtr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  cmd,
	})
	for _, in := range []struct {
		label string
		t     *tensor.Tensor
	}{
		{msgQuery, q},
		{msgKey, k},
		{msgValue, v},
	} {
		appMeta, err := tensorAppMeta(in.label, in.t)
		if err != nil {
			return nil, fmt.Errorf("encode %s metadata: %w", in.label, err)
		}
		rec := flatRecord(c.mem, in.t)
		err = wtr.WriteWithAppMetadata(rec, appMeta)
		rec.Release()
		if err != nil {
			return nil, fmt.Errorf("send %s: %w", in.label, err)
		}
	}
	if err := wtr.Close(); err != nil {
		return nil, fmt.Errorf("finish upload: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send side: %w", err)
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("open result stream: %w", err)
	}
	defer rdr.Release()

	res := &ExchangeResult{}
	for rdr.Next() {
		var msg tensorMsg
		if err := json.Unmarshal(rdr.LatestAppMetadata(), &msg); err != nil {
			return nil, fmt.Errorf("parse result metadata: %w", err)
		}
		t, err := tensorFromFlat(rdr.Record(), msg)
		if err != nil {
			return nil, err
		}
		switch msg.Name {
		case msgOutput:
			res.Out = t
		case msgLSE:
			res.LSE = t
		case msgScores:
			res.Scores = t
		default:
			return nil, fmt.Errorf("unexpected tensor %q in result stream", msg.Name)
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("read result stream: %w", err)
	}
	if res.Out == nil || res.LSE == nil {
		return nil, fmt.Errorf("result stream missing output tensors")
	}
	return res, nil
}
