package flight

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-naiad/internal/diffusion"
	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/studio"
)

// Service implements the Flight RPCs over a studio.
type Service struct {
	flight.BaseFlightServer
	studio *studio.Studio
	mem    memory.Allocator
}

func NewService(s *studio.Studio) *Service {
	return &Service{studio: s, mem: memory.NewGoAllocator()}
}

// DoGet runs the generation described by the ticket and streams its events.
func (s *Service) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	req, err := decodeTicket(tkt.GetTicket())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	id, results := s.studio.Generate(fs.Context(), req)
	schema := eventSchema(id)
	w := flight.NewRecordWriter(fs, ipc.WithSchema(schema), ipc.WithAllocator(s.mem))
	defer w.Close()

	for res, gerr := range results {
		rec, err := eventRecord(s.mem, schema, res, gerr)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			logger.Log.Warn("flight stream closed", "request", id, "error", err)
			return err
		}
		if gerr != nil && !errors.Is(gerr, diffusion.ErrBusy) {
			logger.Log.Error("flight generation failed", "request", id, "error", gerr)
		}
	}
	return nil
}

// DoAction supports ActionCancel.
func (s *Service) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	switch action.GetType() {
	case ActionCancel:
		s.studio.Cancel()
		return stream.Send(&flight.Result{Body: []byte("ok")})
	default:
		return status.Errorf(codes.Unimplemented, "unknown action %q", action.GetType())
	}
}

func (s *Service) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	return stream.Send(&flight.ActionType{Type: ActionCancel, Description: "stop the running generation"})
}

// Server is a started Flight endpoint.
type Server struct {
	srv flight.Server
}

// Listen binds addr and registers svc. Serve must be called to accept requests.
func Listen(addr string, svc *Service) (*Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("flight listen %s: %w", addr, err)
	}
	srv.RegisterFlightService(svc)
	return &Server{srv: srv}, nil
}

func (s *Server) Addr() net.Addr { return s.srv.Addr() }

// Serve blocks until ctx is done, then stops the server.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve() }()
	logger.Log.Info("flight server listening", "addr", s.Addr().String())

	select {
	case <-ctx.Done():
		s.srv.Shutdown()
		<-errc
		return nil
	case err := <-errc:
		return err
	}
}
