package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"vpkgate/internal/config"
	"vpkgate/pkg/bus"
	"vpkgate/pkg/db"
	gos3 "vpkgate/pkg/s3"
	"vpkgate/pkg/telemetry"
	"vpkgate/services/api"
	"vpkgate/services/lifecycle"
)

// runtime holds the long-lived collaborators shared by serve and sweep.
type runtime struct {
	cfg     config.Config
	log     zerolog.Logger
	pool    *pgxpool.Pool
	orm     *gorm.DB
	bus     *bus.Bus
	mirror  *gos3.Mirror
	manager *lifecycle.Manager
}

func loadConfig(ctx context.Context) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.LogPretty, os.Stderr)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

// openRuntime connects the metadata store, event bus and mirror. Without DB_DSN the
// metadata lives in memory unless requireDB is set.
func openRuntime(ctx context.Context, cfg config.Config, logger zerolog.Logger, requireDB bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	var store lifecycle.Store
	switch {
	case cfg.DBDSN != "":
		pool, err := db.Open(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		rt.pool = pool
		orm, err := db.Connect(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("connect gorm: %w", err)
		}
		rt.orm = orm
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		store = &api.PGStore{ORM: orm, Pool: pool}
	case requireDB:
		return nil, errors.New("DB_DSN is required")
	default:
		logger.Warn().Msg("DB_DSN not set, artifact metadata is kept in memory")
		store = lifecycle.NewMemory()
	}

	lcfg := lifecycle.Config{
		StorageDir:        cfg.StorageDir(),
		ScratchRoot:       cfg.ScratchDir(),
		ScratchStaleAfter: cfg.ScratchStaleAfter,
		OrphanGrace:       cfg.OrphanGrace,
		Logger:            &logger,
	}

	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		rt.bus = b
		lcfg.Publisher = b
	}

	if cfg.S3.Bucket != "" {
		client, err := gos3.NewClient(ctx, gos3.Options{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			DisableTLS:     cfg.S3.DisableTLS,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		rt.mirror = &gos3.Mirror{Client: client, Bucket: cfg.S3.Bucket, Prefix: cfg.S3.Prefix}
		lcfg.Replica = rt.mirror
	}

	mgr, err := lifecycle.New(store, lcfg)
	if err != nil {
		return nil, err
	}
	rt.manager = mgr
	ok = true
	return rt, nil
}

// ready reports whether the database and bus are reachable.
func (rt *runtime) ready(ctx context.Context) error {
	if rt.pool != nil {
		if err := db.Ping(ctx, rt.pool); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if rt.bus != nil && !rt.bus.Connected() {
		return errors.New("nats: not connected")
	}
	return nil
}

func (rt *runtime) Close() {
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.orm != nil {
		if err := db.Close(rt.orm); err != nil {
			rt.log.Error().Err(err).Msg("close gorm")
		}
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}
