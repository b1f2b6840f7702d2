package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"

	"github.com/chazu/lem/asm"
	"github.com/chazu/lem/heap"
	"github.com/chazu/lem/manifest"
	"github.com/chazu/lem/trace"
	"github.com/chazu/lem/vm"
)

// MachineService runs programs on behalf of RPC clients.
type MachineService struct {
	cfg      *manifest.Manifest
	sessions *SessionStore
	traces   *trace.Store // may be nil
}

// NewMachineService creates a MachineService. traces may be nil.
func NewMachineService(cfg *manifest.Manifest, sessions *SessionStore, traces *trace.Store) *MachineService {
	return &MachineService{cfg: cfg, sessions: sessions, traces: traces}
}

// NewMachineServiceHandler builds an HTTP handler serving every procedure of
// svc. It returns the path prefix to mount it on.
func NewMachineServiceHandler(svc *MachineService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(CBORCodec{})}, opts...)

	handlers := map[string]http.Handler{
		RunProcedure:          connect.NewUnaryHandler(RunProcedure, svc.Run, opts...),
		OpenSessionProcedure:  connect.NewUnaryHandler(OpenSessionProcedure, svc.OpenSession, opts...),
		CloseSessionProcedure: connect.NewUnaryHandler(CloseSessionProcedure, svc.CloseSession, opts...),
		StatsProcedure:        connect.NewUnaryHandler(StatsProcedure, svc.Stats, opts...),
		AssembleProcedure:     connect.NewUnaryHandler(AssembleProcedure, svc.Assemble, opts...),
		DisassembleProcedure:  connect.NewUnaryHandler(DisassembleProcedure, svc.Disassemble, opts...),
	}
	return "/" + MachineServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Run executes a program. Machine failures are reported in the response;
// RPC errors are reserved for bad requests and cancellation.
func (s *MachineService) Run(
	ctx context.Context,
	req *connect.Request[RunRequest],
) (*connect.Response[RunResponse], error) {
	code, err := programFrom(req.Msg.Code, req.Msg.Source)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	var resp *RunResponse
	if req.Msg.SessionID == "" {
		resp, err = s.execute(ctx, s.cfg.NewPool(), req.Msg, code)
	} else {
		session, ok := s.sessions.Get(req.Msg.SessionID)
		if !ok {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", req.Msg.SessionID))
		}
		var result any
		result, err = session.worker.Do(ctx, func(pool *heap.Pool) (any, error) {
			return s.execute(ctx, pool, req.Msg, code)
		})
		if err == nil {
			resp = result.(*RunResponse)
		}
	}
	if err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(resp), nil
}

// programFrom returns the machine code of a request.
func programFrom(code []byte, source string) ([]byte, error) {
	switch {
	case len(code) > 0 && source != "":
		return nil, errors.New("only one of code and source may be set")
	case source != "":
		return asm.Assemble(source)
	case len(code) > 0:
		return code, nil
	}
	return nil, errors.New("code or source is required")
}

// execute runs code against pool, recording a trace if the service has a
// trace store.
func (s *MachineService) execute(ctx context.Context, pool *heap.Pool, req *RunRequest, code []byte) (*RunResponse, error) {
	runCtx := ctx
	if s.cfg.Machine.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Machine.Timeout.Duration)
		defer cancel()
	}

	opts := append(s.cfg.MachineOptions(), vm.WithPool(pool))
	if n := req.MaxSteps; n > 0 && (s.cfg.Machine.MaxSteps == 0 || n < s.cfg.Machine.MaxSteps) {
		opts = append(opts, vm.WithMaxSteps(n))
	}

	var rec *trace.Recorder
	if s.traces != nil {
		var err error
		if rec, err = s.traces.Begin(req.Name, code); err != nil {
			log.Errorf("trace: %v", err)
		} else {
			opts = append(opts, vm.WithTracer(rec))
		}
	}

	res, runErr := vm.New(code, opts...).Run(runCtx)

	resp := newRunResponse(res, runErr)
	if rec != nil {
		if err := rec.Finish(res, runErr); err != nil {
			log.Errorf("trace: %v", err)
		}
		resp.RunID = rec.ID()
	}
	// The caller going away is an RPC error; the run outliving the
	// configured timeout is a program failure like any other.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// rpcError maps an error to a connect error code.
func rpcError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, ErrWorkerStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// OpenSession creates a session with its own pool.
func (s *MachineService) OpenSession(
	ctx context.Context,
	req *connect.Request[OpenSessionRequest],
) (*connect.Response[OpenSessionResponse], error) {
	session := s.sessions.Create(req.Msg.Name)
	return connect.NewResponse(&OpenSessionResponse{SessionID: session.ID}), nil
}

// CloseSession destroys a session and its pool.
func (s *MachineService) CloseSession(
	ctx context.Context,
	req *connect.Request[CloseSessionRequest],
) (*connect.Response[CloseSessionResponse], error) {
	if req.Msg.SessionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id is required"))
	}
	if !s.sessions.Destroy(req.Msg.SessionID) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", req.Msg.SessionID))
	}
	return connect.NewResponse(&CloseSessionResponse{}), nil
}

// Stats reports the occupancy of a session's pool.
func (s *MachineService) Stats(
	ctx context.Context,
	req *connect.Request[StatsRequest],
) (*connect.Response[StatsResponse], error) {
	session, ok := s.sessions.Get(req.Msg.SessionID)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", req.Msg.SessionID))
	}
	st := session.Pool().Stats()
	return connect.NewResponse(&StatsResponse{Live: st.Live, Free: st.Free, NextID: uint32(st.NextID)}), nil
}

// Assemble translates source into machine code. Assembly errors come back
// as diagnostics, not as an RPC error.
func (s *MachineService) Assemble(
	ctx context.Context,
	req *connect.Request[AssembleRequest],
) (*connect.Response[AssembleResponse], error) {
	code, err := asm.Assemble(req.Msg.Source)
	if err != nil {
		errs := asm.Errors(err)
		if len(errs) == 0 {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		resp := &AssembleResponse{}
		for _, e := range errs {
			resp.Diagnostics = append(resp.Diagnostics, Diagnostic{Line: e.Pos.Line, Column: e.Pos.Column, Message: e.Msg})
		}
		return connect.NewResponse(resp), nil
	}
	return connect.NewResponse(&AssembleResponse{Code: code}), nil
}

// Disassemble returns a listing of machine code.
func (s *MachineService) Disassemble(
	ctx context.Context,
	req *connect.Request[DisassembleRequest],
) (*connect.Response[DisassembleResponse], error) {
	return connect.NewResponse(&DisassembleResponse{Listing: vm.Disassemble(req.Msg.Code)}), nil
}
