package flightserve

import (
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Server runs tiled attention for DoExchange calls.
type Server struct {
	flight.BaseFlightServer
	cfg config.Config
	mem memory.Allocator
	log *logger.Logger
}

func NewServer(cfg config.Config) *Server {
	return &Server{cfg: cfg, mem: memory.NewGoAllocator(), log: logger.Log.With("flight")}
}

// Serve starts a Flight server on addr and begins accepting calls in a
// background goroutine. The caller shuts it down via the returned
// handle.
func Serve(addr string, cfg config.Config) (flight.Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("flight server config: %w", err)
	}
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("flight server listen on %s: %w", addr, err)
	}
	handler := NewServer(cfg)
	srv.RegisterFlightService(handler)
	handler.log.Info("listening", "addr", srv.Addr().String())
	go func() {
		if err := srv.Serve(); err != nil {
			handler.log.Error("server stopped", "error", err.Error())
		}
	}()
	return srv, nil
}

func (s *Server) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		metrics.FlightRequestsTotal.WithLabelValues("bad_request").Inc()
		return status.Errorf(codes.InvalidArgument, "open exchange stream: %v", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || desc.Type != flight.DescriptorCMD {
		metrics.FlightRequestsTotal.WithLabelValues("bad_request").Inc()
		return status.Error(codes.InvalidArgument, "exchange requires a command descriptor")
	}
	var params ExchangeParams
	if err := json.Unmarshal(desc.Cmd, &params); err != nil {
		metrics.FlightRequestsTotal.WithLabelValues("bad_request").Inc()
		return status.Errorf(codes.InvalidArgument, "parse attention params: %v", err)
	}

	var q, k, v *tensor.Tensor
	for rdr.Next() {
		var msg tensorMsg
		if err := json.Unmarshal(rdr.LatestAppMetadata(), &msg); err != nil {
			metrics.FlightRequestsTotal.WithLabelValues("bad_request").Inc()
			return status.Errorf(codes.InvalidArgument, "parse tensor metadata: %v", err)
		}
		t, err := tensorFromFlat(rdr.Record(), msg)
		if err != nil {
			metrics.FlightRequestsTotal.WithLabelValues("bad_request").Inc()
			return status.Errorf(codes.InvalidArgument, "%v", err)
		}
		switch msg.Name {
		case msgQuery:
			q = t
		case msgKey:
			k = t
		case msgValue:
			v = t
		default:
			metrics.FlightRequestsTotal.WithLabelValues("bad_request").Inc()
			return status.Errorf(codes.InvalidArgument, "unexpected tensor %q on exchange stream", msg.Name)
		}
	}
	if err := rdr.Err(); err != nil {
		metrics.FlightRequestsTotal.WithLabelValues("error").Inc()
		return status.Errorf(codes.Internal, "read exchange stream: %v", err)
	}
	if q == nil || k == nil || v == nil {
		metrics.FlightRequestsTotal.WithLabelValues("bad_request").Inc()
		return status.Error(codes.InvalidArgument, "exchange needs q, k and v tensors")
	}

	meta, err := buildMetaData(params)
	if err != nil {
		metrics.FlightRequestsTotal.WithLabelValues("bad_request").Inc()
		return status.Errorf(codes.InvalidArgument, "%v", err)
	}

	s.log.Debug("exchange",
		"q", q.Dims(), "k", k.Dims(), "v", v.Dims(),
		"causal", params.Causal, "dropout_p", params.DropoutP)

	res, err := attention.Forward(q, k, v, meta, s.cfg)
	if err != nil {
		metrics.FlightRequestsTotal.WithLabelValues("bad_request").Inc()
		return status.Errorf(codes.InvalidArgument, "attention forward: %v", err)
	}

	wtr := flight.NewRecordWriter(stream, ipc.WithSchema(flatSchema()))
	defer wtr.Close()
	out := []struct {
		label string
		t     *tensor.Tensor
	}{
		{msgOutput, res.Out},
		{msgLSE, res.LSE},
	}
	if res.Scores != nil {
		out = append(out, struct {
			label string
			t     *tensor.Tensor
		}{msgScores, res.Scores})
	}
	for _, o := range out {
		appMeta, err := tensorAppMeta(o.label, o.t)
		if err != nil {
			metrics.FlightRequestsTotal.WithLabelValues("error").Inc()
			return status.Errorf(codes.Internal, "encode %s metadata: %v", o.label, err)
		}
		rec := flatRecord(s.mem, o.t)
		err = wtr.WriteWithAppMetadata(rec, appMeta)
		rec.Release()
		if err != nil {
			metrics.FlightRequestsTotal.WithLabelValues("error").Inc()
			return status.Errorf(codes.Internal, "write %s: %v", o.label, err)
		}
	}

	metrics.FlightRequestsTotal.WithLabelValues("ok").Inc()
	return nil
}

func buildMetaData(params ExchangeParams) (*attention.MetaData, error) {
	meta := attention.NewMetaData(params.SMScale)
	if params.Causal {
		meta.NeedCausal()
	}
	if params.DropoutP > 0 || params.ReturnScores {
		meta.NeedDropout(params.DropoutP, params.ReturnScores)
	}
	if len(params.CuSeqlensQ) > 0 || len(params.CuSeqlensK) > 0 {
		if err := meta.SetVarlenParams(params.CuSeqlensQ, params.CuSeqlensK); err != nil {
			return nil, err
		}
		return meta, nil
	}
	if params.MaxSeqlenQ <= 0 || params.MaxSeqlenK <= 0 {
		return nil, fmt.Errorf("dense attention needs positive max seqlens, got q=%d k=%d",
			params.MaxSeqlenQ, params.MaxSeqlenK)
	}
	meta.MaxSeqlenQ = params.MaxSeqlenQ
	meta.MaxSeqlenK = params.MaxSeqlenK
	return meta, nil
}
