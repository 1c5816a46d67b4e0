// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-envelope.
//
// go-envelope is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package server assembles the KMS from its configuration: TPM, KEK store,
// id generator, KEK source, lifecycle service and HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jeremyhahn/go-envelope/internal/config"
	"github.com/jeremyhahn/go-envelope/internal/kms"
	"github.com/jeremyhahn/go-envelope/internal/kms/idgen"
	"github.com/jeremyhahn/go-envelope/internal/kms/store"
	"github.com/jeremyhahn/go-envelope/internal/kms/tpm"
	"github.com/jeremyhahn/go-envelope/internal/rest"
	"github.com/jeremyhahn/go-envelope/pkg/adapters/logger"
	"github.com/jeremyhahn/go-envelope/pkg/metrics"
	"github.com/jeremyhahn/go-envelope/pkg/ratelimit"
)

// resourceInterval is how often process gauges are sampled.
const resourceInterval = 15 * time.Second

// Server owns every KMS component and their lifecycle.
type Server struct {
	config *config.Config
	logger logger.Logger

	service    *kms.Service
	limiter    *ratelimit.Limiter
	restServer *rest.Server
	collector  *metrics.ResourceCollector

	wg           sync.WaitGroup
	errCh        chan error
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Server.
type Option func(*options)

type options struct {
	logger logger.Logger
	output io.Writer
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithLogOutput redirects the configured logger. Defaults to stdout.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// New opens the TPM and the store and builds the service and HTTP server.
// Nothing listens until Start.
func New(cfg *config.Config, opts ...Option) (_ *Server, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{output: os.Stdout}
	for _, opt := range opts {
		opt(o)
	}
	log := o.logger
	if log == nil {
		log = setupLogger(cfg.Logging, o.output)
	}

	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}

	log.Info("Initializing KMS",
		logger.String("version", getBuildVersion()),
		logger.String("tpm_mode", string(cfg.TPM.Mode)),
		logger.String("store", string(cfg.Store.Type)),
		logger.String("kek_source", strings.ToLower(cfg.KEK.Source)))

	source, err := newKEKSource(strings.ToLower(cfg.KEK.Source), cfg.KEK.Passphrase, nil, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create KEK source: %w", err)
	}
	// The service owns the source once created; until then it is ours.
	sourceOwned := true
	defer func() {
		if err != nil && sourceOwned {
			destroySource(source)
		}
	}()

	ids, err := idgen.NewSnowflake(cfg.IDGen.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open KEK store: %w", err)
	}

	device, err := tpm.Open(cfg.TPM.Device(), log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open TPM: %w", err)
	}

	svc, err := kms.New(device, st, ids,
		kms.WithLogger(log),
		kms.WithKEKSource(source),
		kms.WithHandleRange(cfg.TPM.HandleFirst, cfg.TPM.HandleLast),
		kms.WithMaxHandleAttempts(cfg.TPM.MaxHandleAttempts))
	if err != nil {
		device.Close()
		st.Close()
		return nil, fmt.Errorf("failed to create KMS service: %w", err)
	}
	sourceOwned = false

	s := &Server{
		config:  cfg,
		logger:  log,
		service: svc,
		errCh:   make(chan error, 1),
	}

	if err := s.initializeREST(); err != nil {
		svc.Close()
		return nil, err
	}
	return s, nil
}

// newKEKSource is replaced in tests.
var newKEKSource = kms.NewSource

func destroySource(src kms.KEKSource) {
	if d, ok := src.(interface{ Destroy() }); ok {
		d.Destroy()
	}
}

func (s *Server) initializeREST() error {
	tlsConfig, err := s.config.TLS.LoadTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to load TLS config: %w", err)
	}

	s.limiter = ratelimit.New(&s.config.RateLimit)

	metricsPath := ""
	if s.config.Metrics.Enabled {
		metricsPath = s.config.Metrics.Path
	}

	s.restServer, err = rest.NewServer(&rest.Config{
		Addr:         s.config.Server.Addr(),
		Service:      s.service,
		TLSConfig:    tlsConfig,
		Logger:       s.logger,
		RateLimiter:  s.limiter,
		MetricsPath:  metricsPath,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	})
	if err != nil {
		s.limiter.Stop()
		return fmt.Errorf("failed to create REST server: %w", err)
	}
	return nil
}

// setupLogger configures the logger based on config
func setupLogger(cfg config.LoggingConfig, w io.Writer) logger.Logger {
	return logger.NewSlogAdapter(&logger.SlogConfig{
		Level:  logger.ParseLevel(cfg.Level),
		Format: strings.ToLower(cfg.Format),
		Output: w,
	})
}

// getBuildVersion retrieves the version from build information
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.version" && setting.Value != "" && setting.Value != "devel" {
			return setting.Value
		}
		if setting.Key == "vcs.revision" {
			if len(setting.Value) >= 7 {
				return setting.Value[:7]
			}
			return setting.Value
		}
	}

	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// Service returns the lifecycle service.
func (s *Server) Service() *kms.Service {
	return s.service
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.Addr(), err)
	}
	s.Serve(ln)
	return nil
}

// Serve serves on ln in the background. Errors surface through Err.
func (s *Server) Serve(ln net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.restServer.Serve(ln); err != nil {
			s.logger.Error("REST server failed", logger.Error(err))
			s.errCh <- err
		}
	}()
	if s.config.Metrics.Enabled && s.collector == nil {
		s.collector = metrics.StartResourceCollector(context.Background(), resourceInterval)
	}
	s.logger.Info("KMS started", logger.String("addr", ln.Addr().String()))
}

// Err delivers a fatal serve error.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Shutdown stops accepting requests, waits for in-flight ones, then
// closes the service, which releases the TPM and the store. Safe to call
// more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down KMS")

		var errs []error
		if err := s.restServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		s.wg.Wait()
		if s.collector != nil {
			s.collector.Stop()
		}
		s.limiter.Stop()
		if err := s.service.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close KMS service: %w", err))
		}
		s.shutdownErr = errors.Join(errs...)

		if s.shutdownErr != nil {
			s.logger.Error("KMS shutdown failed", logger.Error(s.shutdownErr))
		} else {
			s.logger.Info("KMS stopped")
		}
	})
	return s.shutdownErr
}

// Run starts the server and blocks until ctx is done or serving fails,
// then shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		s.limiter.Stop()
		return errors.Join(err, s.service.Close())
	}

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case serveErr = <-s.errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, s.Shutdown(shutdownCtx))
}

// SetupSignalHandler returns a context canceled on SIGINT or SIGTERM.
func SetupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
