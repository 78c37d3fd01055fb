package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/baseline"
	"github.com/starford/driftwatch/internal/driftservice"
	"github.com/starford/driftwatch/internal/history"
	"github.com/starford/driftwatch/internal/pathspec"
	"github.com/starford/driftwatch/internal/storage"
	"github.com/starford/driftwatch/internal/store"
	"github.com/starford/driftwatch/internal/vcs"
)

// Core is the persistent state shared by the daemon and the one-shot CLI
// commands.
type Core struct {
	Config   *Config
	DB       *store.DB
	Paths    *pathspec.Set
	Reader   *storage.FS
	Baseline *baseline.Store
	History  *history.Manager
	Service  *driftservice.Service
}

// Open compiles the watch rules, opens the state database and loads the
// current baseline. A corrupt baseline is returned as
// apperr.ErrCorruptState and the caller must not start monitoring.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Core, error) {
	paths, err := pathspec.NewSet(cfg.Watch.Paths, cfg.Watch.Sensitive)
	if err != nil {
		return nil, fmt.Errorf("compile watch paths: %w", err)
	}

	db, err := store.Open(cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("init state: %w", err)
	}

	reader := storage.NewFS(cfg.State.MaxContentBytes)
	bl := baseline.New(reader, db, logger)
	if err := bl.Load(ctx); err != nil {
		db.Close()
		if errors.Is(err, apperr.ErrCorruptState) {
			return nil, fmt.Errorf("baseline state is corrupt, re-establish it: %w", err)
		}
		return nil, fmt.Errorf("load baseline: %w", err)
	}

	var revs history.VersionStore
	if cfg.VersionControl.Enabled {
		repo, err := vcs.Open(cfg.VersionControl.Dir)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init version control: %w", err)
		}
		head, err := repo.Head()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init version control: %w", err)
		}
		logger.Info("vcs: opened", slog.String("dir", cfg.VersionControl.Dir), slog.String("head", head))
		revs = repo
	}

	hist := history.New(db, reader, paths, revs, history.Config{
		Interval:  cfg.History.Interval,
		Retention: cfg.History.Retention,
	}, logger)

	return &Core{
		Config:   cfg,
		DB:       db,
		Paths:    paths,
		Reader:   reader,
		Baseline: bl,
		History:  hist,
		Service:  driftservice.NewService(bl, hist, db, reader, paths, logger),
	}, nil
}

// Close releases the state database.
func (c *Core) Close() error {
	return c.DB.Close()
}

// NewLogger builds the JSON logger used everywhere. The MCP server passes
// os.Stderr because stdout carries the protocol.
func NewLogger(cfg *Config, out io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	})).With(slog.String("instance", cfg.App.Name))
}
