package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-erezept/internal/auth"
	"github.com/sirosfoundation/go-erezept/internal/config"
	"github.com/sirosfoundation/go-erezept/internal/coordinator"
	"github.com/sirosfoundation/go-erezept/internal/keystore"
	"github.com/sirosfoundation/go-erezept/internal/logging"
	"github.com/sirosfoundation/go-erezept/internal/server"
	"github.com/sirosfoundation/go-erezept/internal/taskservice"
	"github.com/sirosfoundation/go-erezept/pkg/discovery"
	"github.com/sirosfoundation/go-erezept/pkg/security"
	"github.com/sirosfoundation/go-erezept/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lifecycle facade",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/erezept/config.yaml", "configuration file")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// app is the wired facade with the resources it must release
type app struct {
	server  *server.Server
	closers []io.Closer
}

func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// newApp wires the facade from configuration
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	backend, err := newBackendClient(&cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	identities, err := keystore.NewProvider(&cfg.Identity, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing identities: %w", err)
	}
	a := &app{closers: []io.Closer{identities}}

	issuer, err := auth.NewIssuer(&cfg.Auth, backend, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing token issuer: %w", err)
	}

	tasks, err := taskservice.New(cfg.Backend.BaseURL, backend, taskservice.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing task service: %w", err)
	}

	collaborators := coordinator.Collaborators{
		Identities: identities,
		Tokens:     issuer,
		Tasks:      tasks,
	}
	if cfg.Signing.Mock {
		signer, err := security.NewEphemeralMockSigningService("erezeptd mock prescriber")
		if err != nil {
			a.Close()
			return nil, err
		}
		collaborators.Signer = signer
		logger.Warn("mock signing enabled - activate ignores caller documents",
			"patient", cfg.Signing.PatientID)
	}

	coord, err := coordinator.New(collaborators, coordinator.Config{
		MockSigning:   cfg.Signing.Mock,
		MockPatientID: cfg.Signing.PatientID,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.server, err = server.New(&cfg.Server, coord, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newBackendClient builds the HTTPS client shared by the task service and
// the token issuer
func newBackendClient(cfg *config.BackendConfig, logger *slog.Logger) (*transport.HTTPSClient, error) {
	httpsCfg := transport.DefaultHTTPSConfig()
	httpsCfg.Timeout = cfg.Timeout
	httpsCfg.InsecureSkipVerify = cfg.TLS.InsecureSkipVerify
	if cfg.UserAgent != "" {
		httpsCfg.UserAgent = cfg.UserAgent
	}
	if cfg.TLS.CAFile != "" {
		pool, err := transport.LoadCertPool(cfg.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		httpsCfg.RootCAs = pool
	}
	if cfg.TLS.InsecureSkipVerify {
		logger.Warn("backend TLS verification disabled")
	}
	if cfg.DNSServer != "" {
		resolver := discovery.NewResolver(discovery.ResolverConfig{Nameserver: cfg.DNSServer})
		httpsCfg.DialContext = resolver.DialContext
		logger.Info("resolving backend hosts via nameserver", "nameserver", cfg.DNSServer)
	}
	return transport.NewHTTPSClient(httpsCfg), nil
}
