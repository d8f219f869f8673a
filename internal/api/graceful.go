package api

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yuguri76/fitbit/internal/errors"
)

// NewHTTPServer creates a configured HTTP server
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// NewHTTPSServerWithConfig creates an HTTPS server with the given minimum TLS version.
func NewHTTPSServerWithConfig(addr string, certFile, keyFile, minVersion string, handler http.Handler) (*http.Server, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	if minVersion == "1.2" {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	srv := NewHTTPServer(addr, handler)
	srv.TLSConfig = tlsConfig
	return srv, nil
}

// GracefulShutdown stops srv from accepting connections and waits for
// in-flight requests until ctx is done. A nil server is a no-op.
func GracefulShutdown(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return &errors.ServerError{Op: "shutdown", Addr: srv.Addr, Err: err}
	}
	return nil
}

// SetupSignalHandler sets up OS signal handling for SIGINT and SIGTERM
func SetupSignalHandler() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

// Shutdownable is a component stopped after the HTTP listener.
type Shutdownable interface {
	Shutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to Shutdownable.
type ShutdownFunc func(ctx context.Context) error

// Shutdown calls f.
func (f ShutdownFunc) Shutdown(ctx context.Context) error {
	return f(ctx)
}

// ShutdownWithComponents stops srv first, then every component in
// registration order with the same ctx. A failing step does not skip the
// following ones; all errors are joined.
func ShutdownWithComponents(ctx context.Context, srv *http.Server, components []Shutdownable) error {
	var errs []error
	if err := GracefulShutdown(ctx, srv); err != nil {
		errs = append(errs, err)
	}
	for _, comp := range components {
		if err := comp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
