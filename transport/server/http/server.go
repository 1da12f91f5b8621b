// Package http provides the server bootstrap shared by the HTTP transports:
// graceful shutdown plus optional TLS, either static certificates or ACME
// provisioning via autocert.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/viant/mcprpc"
)

// Server wraps http.Server for the transport handlers mounted on it.
type Server struct {
	server    *http.Server
	challenge *http.Server
	certFile  string
	keyFile   string
	manager   *autocert.Manager
	logger    mcprpc.Logger
}

// Option configures the server.
type Option func(*Server)

// WithTLS serves TLS with a static certificate pair.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithAutocert provisions certificates for the domains through ACME, caching
// them under cacheDir. Port 80 is claimed for HTTP-01 challenges while the
// server runs.
func WithAutocert(cacheDir string, domains ...string) Option {
	return func(s *Server) {
		s.manager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(domains...),
			Cache:      autocert.DirCache(cacheDir),
		}
	}
}

// WithReadTimeout bounds reading of request headers and bodies.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.server.ReadTimeout = d }
}

// WithWriteTimeout bounds response writes. It is off by default; event
// streams outlive any fixed deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.server.WriteTimeout = d }
}

// WithIdleTimeout bounds keep-alive connection idleness.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.server.IdleTimeout = d }
}

// WithLogger sets the error logger.
func WithLogger(logger mcprpc.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a server for the handler on addr.
func NewServer(addr string, handler http.Handler, options ...Option) *Server {
	ret := &Server{
		server: &http.Server{
			Addr:        addr,
			Handler:     handler,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 90 * time.Second,
		},
		logger: mcprpc.DefaultLogger,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// ListenAndServe blocks serving requests until Shutdown or a listener
// failure. A graceful shutdown returns nil.
func (s *Server) ListenAndServe() error {
	switch {
	case s.manager != nil:
		s.server.TLSConfig = s.manager.TLSConfig()
		s.challenge = &http.Server{Addr: ":http", Handler: s.manager.HTTPHandler(nil)}
		go func() {
			if err := s.challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Errorf("acme challenge listener: %v", err)
			}
		}()
		return s.closedAsNil(s.server.ListenAndServeTLS("", ""))
	case s.certFile != "":
		return s.closedAsNil(s.server.ListenAndServeTLS(s.certFile, s.keyFile))
	default:
		return s.closedAsNil(s.server.ListenAndServe())
	}
}

// Shutdown stops accepting connections and waits for in-flight requests up
// to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.challenge != nil {
		_ = s.challenge.Shutdown(ctx)
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) closedAsNil(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
