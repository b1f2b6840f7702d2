package server

import (
	"context"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/lem/heap"
	"github.com/chazu/lem/manifest"
	"github.com/chazu/lem/trace"
)

var log = commonlog.GetLogger("lem.server")

// Server exposes the machine over Connect. Handlers speak the Connect,
// gRPC and gRPC-Web protocols on the same port, using the CBOR codec.
type Server struct {
	cfg      *manifest.Manifest
	sessions *SessionStore
	service  *MachineService
	mux      *http.ServeMux

	stopSweeper func()
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	traces       *trace.Store
	interceptors []connect.Interceptor
}

// WithTraceStore records every run in store.
func WithTraceStore(store *trace.Store) ServerOption {
	return func(c *serverConfig) { c.traces = store }
}

// WithInterceptors adds connect interceptors in front of the request
// logger.
func WithInterceptors(interceptors ...connect.Interceptor) ServerOption {
	return func(c *serverConfig) { c.interceptors = append(c.interceptors, interceptors...) }
}

// New creates a Server configured by cfg. A nil cfg uses the defaults.
func New(cfg *manifest.Manifest, opts ...ServerOption) *Server {
	if cfg == nil {
		cfg = manifest.Default()
	}
	sc := &serverConfig{}
	for _, opt := range opts {
		opt(sc)
	}

	sessions := NewSessionStore(func() *heap.Pool { return cfg.NewPool() })
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		service:  NewMachineService(cfg, sessions, sc.traces),
		mux:      http.NewServeMux(),
	}

	interceptors := append(sc.interceptors, logInterceptor())
	path, handler := NewMachineServiceHandler(s.service, connect.WithInterceptors(interceptors...))
	s.mux.Handle(path, handler)

	ttl := cfg.Server.SessionTTL.Duration
	s.stopSweeper = sessions.StartSweeper(sweepInterval(ttl), ttl)

	return s
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// logInterceptor logs each call with its duration and outcome.
func logInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				log.Infof("%s: %s (%v)", req.Spec().Procedure, connect.CodeOf(err), time.Since(start))
			} else {
				log.Debugf("%s: ok (%v)", req.Spec().Procedure, time.Since(start))
			}
			return resp, err
		}
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Sessions returns the server's session store.
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = s.cfg.Server.Addr
	}
	log.Infof("lem server listening on %s", addr)
	log.Infof("  Connect (CBOR): http://%s%s", addr, RunProcedure)
	return http.ListenAndServe(addr, s.mux)
}

// Stop shuts down the sweeper and every session.
func (s *Server) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.sessions.Close()
}
