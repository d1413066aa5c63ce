package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"vpkgate/pkg/policy"
	"vpkgate/pkg/render"
	"vpkgate/pkg/signer"
	"vpkgate/pkg/telemetry"
	"vpkgate/pkg/vpk"
	"vpkgate/services/api"
	"vpkgate/services/ingest"
	"vpkgate/services/lifecycle"
)

const serviceName = "vpkgate"

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload and download HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(commandContext(cmd))
		},
	}
}

func serve(ctx context.Context) error {
	cfg, logger, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown tracing")
		}
	}()

	rules, err := policy.Load(cfg.RulesFile)
	if err != nil {
		return err
	}
	sig, err := signer.New(cfg.AgeSecretKey, cfg.AgePublicKey)
	if err != nil && !errors.Is(err, signer.ErrNoKey) {
		return err
	}

	rt, err := openRuntime(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	icfg := ingest.Config{
		Lifecycle:   rt.manager,
		Policy:      rules,
		MaxUpload:   cfg.MaxUploadBytes(),
		GuestTTL:    cfg.GuestTTL,
		ReadOptions: []vpk.Option{vpk.WithVerifyCRC(cfg.VerifyCRC)},
		Signer:      sig,
		Logger:      &logger,
	}
	deps := api.Deps{Lifecycle: rt.manager, Ready: rt.ready, Logger: &logger}
	if rt.mirror != nil {
		icfg.Mirror = rt.mirror
		deps.Mirror = rt.mirror
	}
	if deps.Pipeline, err = ingest.New(icfg); err != nil {
		return err
	}
	if deps.Renderer, err = render.New(); err != nil {
		return err
	}

	a, err := api.New(deps, api.Config{
		AdminUser:           cfg.AdminUser,
		AdminPass:           cfg.AdminPass,
		AllowedOrigins:      cfg.AllowedOrigins,
		UploadRatePerMinute: cfg.UploadRatePerMinute,
		MaxUploadBytes:      cfg.MaxUploadBytes(),
	})
	if err != nil {
		return err
	}
	routes, err := a.Routes()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           telemetry.Middleware(serviceName, logger)(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go runSweeper(ctx, rt.manager, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Bool("admin", cfg.AdminUser != "").Msg("starting vpkgate")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	return nil
}

// runSweeper sweeps once at startup and then on every tick until ctx ends.
func runSweeper(ctx context.Context, mgr *lifecycle.Manager, interval time.Duration) {
	if interval <= 0 {
		return
	}
	mgr.Sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Sweep(ctx)
		}
	}
}
