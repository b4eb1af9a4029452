package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/iotgo-core/internal/device"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/config"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotgo-core/internal/protocol"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight HTTP requests.
const gracefulShutdownTimeout = 10 * time.Second

// Authenticator verifies connection credentials. *auth.Verifier implements it.
type Authenticator interface {
	VerifyDevice(ctx context.Context, apiKey, deviceID string) error
	VerifyApp(token string) (string, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Devices    device.Repository
	Auth       Authenticator
	Bus        *protocol.Bus
	Registry   *protocol.Registry
	Pending    *protocol.PendingTable
	Dispatcher *protocol.Dispatcher
	Version    string
}

// Server is the HTTP and websocket server of the core.
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	logger     *logging.Logger
	devices    device.Repository
	auth       Authenticator
	bus        *protocol.Bus
	registry   *protocol.Registry
	pending    *protocol.PendingTable
	dispatcher *protocol.Dispatcher
	version    string

	server   *http.Server
	listener net.Listener
	router   http.Handler

	// ctx is the parent of every connection context; cancel ends them all.
	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conns  map[*wsConn]struct{}
	connWG sync.WaitGroup
}

// New creates a server. It is not listening until Start is called.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("logger is required")
	case deps.Devices == nil:
		return nil, errors.New("device repository is required")
	case deps.Auth == nil:
		return nil, errors.New("authenticator is required")
	case deps.Bus == nil || deps.Registry == nil || deps.Pending == nil || deps.Dispatcher == nil:
		return nil, errors.New("protocol components are required")
	}

	wsCfg := deps.WS
	if wsCfg.Path == "" {
		wsCfg.Path = "/api/ws"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        deps.Config,
		wsCfg:      wsCfg,
		logger:     deps.Logger.Component("api"),
		devices:    deps.Devices,
		auth:       deps.Auth,
		bus:        deps.Bus,
		registry:   deps.Registry,
		pending:    deps.Pending,
		dispatcher: deps.Dispatcher,
		version:    deps.Version,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[*wsConn]struct{}),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.ReadTimeout(),
		WriteTimeout:      s.cfg.WriteTimeout(),
		IdleTimeout:       s.cfg.IdleTimeout(),
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting requests, closes every websocket and waits for the
// connection handlers to finish their cleanup.
func (s *Server) Close() error {
	s.cancel()

	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		s.logger.Info("API server shutting down")
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("shutting down API server: %w", err)
		}
	}

	// Hijacked websocket connections are not closed by Shutdown.
	s.connMu.Lock()
	for c := range s.conns {
		c.shutdown()
	}
	s.connMu.Unlock()
	s.connWG.Wait()

	return shutdownErr
}

// HealthCheck reports whether the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}

// ConnectionCount returns the number of open websocket connections.
func (s *Server) ConnectionCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *wsConn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.connMu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.connMu.Unlock()
	if ok {
		s.connWG.Done()
	}
}
