// Package server assembles the HTTP surface: the interceptor in front of
// every route, the rate-limited login endpoint, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/carbocation/interpose"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/dobrevit/iptrack/config"
	"github.com/dobrevit/iptrack/pkg/auth"
	"github.com/dobrevit/iptrack/pkg/health"
	"github.com/dobrevit/iptrack/pkg/interceptor"
	"github.com/dobrevit/iptrack/pkg/middleware"
	"github.com/dobrevit/iptrack/pkg/ratelimit"
)

// LoginMessage is the body returned by the login endpoint.
const LoginMessage = "Login attempt processed"

// Dependencies are the components the server routes requests through.
type Dependencies struct {
	Interceptor *interceptor.Interceptor
	Limiter     *ratelimit.RateLimiter
	Auth        *auth.Authenticator
	Monitor     *health.Monitor
}

// Server represents the HTTP server
type Server struct {
	config          config.ServerConfig
	forwardedHeader string
	middleware      *interpose.Middleware
	router          *mux.Router
	chain           *middleware.Chain
	deps            Dependencies
	logger          *log.Logger

	httpServer *http.Server
	grpcServer *grpc.Server
}

// New creates a server. Upstream, when set, receives every request that no
// local route matches.
func New(cfg config.ServerConfig, forwardedHeader string, deps Dependencies, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if forwardedHeader == "" {
		forwardedHeader = middleware.DefaultForwardedHeader
	}

	s := &Server{
		config:          cfg,
		forwardedHeader: forwardedHeader,
		middleware:      interpose.New(),
		router:          mux.NewRouter(),
		chain:           middleware.NewChain(logger),
		deps:            deps,
		logger:          logger,
	}

	s.chain.Add(middleware.Middleware{
		Name:     "recovery",
		Priority: middleware.PriorityHigh,
		Handler:  middleware.Recovery(logger),
	})
	s.chain.Add(middleware.Middleware{
		Name:     "access-log",
		Priority: middleware.PriorityHigh - 1,
		Handler:  middleware.AccessLog(logger, forwardedHeader),
	})
	if deps.Interceptor != nil {
		s.chain.Add(middleware.Middleware{
			Name:     "interceptor",
			Priority: middleware.PriorityMedium,
			Handler:  deps.Interceptor.Middleware(),
		})
	}

	if err := s.registerRoutes(); err != nil {
		return nil, err
	}

	s.middleware.Use(s.chain.Build())
	s.middleware.UseHandler(s.router)
	return s, nil
}

func (s *Server) registerRoutes() error {
	login := http.Handler(http.HandlerFunc(s.handleLogin))
	if s.deps.Limiter != nil {
		login = s.deps.Limiter.Middleware(s.identify)(login)
	}
	s.router.Handle("/login", login)

	if s.deps.Monitor != nil {
		health.NewHealthHandler(s.deps.Monitor, s.logger).Register(s.router)
	}
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if s.config.Upstream != "" {
		target, err := url.Parse(s.config.Upstream)
		if err != nil {
			return fmt.Errorf("invalid upstream %q: %w", s.config.Upstream, err)
		}
		s.router.PathPrefix("/").Handler(s.newProxy(target))
		s.logger.WithField("upstream", target.String()).Info("Forwarding unmatched requests")
	}
	return nil
}

func (s *Server) newProxy(target *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.WithError(err).WithField("path", r.URL.Path).Warn("Upstream request failed")
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}

func (s *Server) identify(r *http.Request) auth.Identity {
	ip := middleware.ClientIP(r, s.forwardedHeader)
	if s.deps.Auth == nil {
		return auth.Identity{IP: ip}
	}
	return s.deps.Auth.Identify(r, ip)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": LoginMessage})
}

// Handler returns the full middleware stack.
func (s *Server) Handler() http.Handler {
	return s.middleware
}

// Start starts the HTTP listener, and the gRPC health listener when
// configured. It returns once the listeners are bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Bind)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Bind, err)
	}

	s.httpServer = &http.Server{
		Handler:      s.middleware,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.WithField("addr", ln.Addr().String()).Info("Starting HTTP server")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()

	if s.config.GRPCBind != "" && s.deps.Monitor != nil {
		gln, err := net.Listen("tcp", s.config.GRPCBind)
		if err != nil {
			s.httpServer.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.config.GRPCBind, err)
		}
		s.grpcServer = health.NewGRPCServer(s.deps.Monitor)

		go func() {
			s.logger.WithField("addr", gln.Addr().String()).Info("Starting gRPC health server")
			if err := s.grpcServer.Serve(gln); err != nil {
				s.logger.WithError(err).Error("gRPC server error")
			}
		}()
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
