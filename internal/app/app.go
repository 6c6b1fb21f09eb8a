// Package app wires configuration, clients, cache and the HTTP server into a
// runnable service instance.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/algorhythms/algorhythms/internal/cache"
	"github.com/algorhythms/algorhythms/internal/compiler"
	"github.com/algorhythms/algorhythms/internal/config"
	"github.com/algorhythms/algorhythms/internal/ctxlog"
	"github.com/algorhythms/algorhythms/internal/gemini"
	"github.com/algorhythms/algorhythms/internal/recco"
	"github.com/algorhythms/algorhythms/internal/server"
	"github.com/algorhythms/algorhythms/internal/spotify"
	"github.com/algorhythms/algorhythms/internal/tasks"
)

// Options are the command-line overrides applied on top of the config file.
type Options struct {
	ConfigPath string
	Listen     string
	LogLevel   string
	LogFormat  string
}

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *config.Config

	store *cache.Store
	creds *spotify.ClientCredentials

	closers []func() error
	server  *server.Server
}

// New is the constructor for the main application. It loads the config file,
// applies overrides, and builds every collaborator the server needs.
func New(outW io.Writer, opts *Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}

	logger := newLogger(cfg.Log.Level, cfg.Log.Format, outW)
	logger.Debug("Logger configured successfully.")

	a := &App{outW: outW, logger: logger, cfg: cfg}

	store, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	logger.Debug("Cache opened.", "path", cfg.Cache.Path)

	spotifyClient := spotify.NewClient(cfg.Spotify.BaseURL, a.spotifyTokens())
	a.closers = append(a.closers, spotifyClient.Close)

	reccoClient := recco.NewClient(cfg.Recco.BaseURL, store, cfg.Recco.FeatureConcurrency)
	a.closers = append(a.closers, reccoClient.Close)

	geminiClient := gemini.NewClient(cfg.Gemini.BaseURL, cfg.Gemini.APIKey, cfg.Gemini.Model)
	a.closers = append(a.closers, geminiClient.Close)

	env := &tasks.Env{
		Spotify: spotifyClient,
		Recco:   reccoClient,
		Queries: geminiClient,
		Compiler: compiler.Config{
			BatchSize:            cfg.Engine.BatchSize,
			MaxConcurrentFetches: int64(cfg.Engine.MaxConcurrentFetches),
			RecBatchesPerSource:  cfg.Engine.RecBatchesPerSource,
			RecommendationLimit:  cfg.Engine.RecommendationLimit,
			PlaylistSearchLimit:  cfg.Engine.PlaylistSearchLimit,
			PlaylistTrackLimit:   cfg.Engine.PlaylistTrackLimit,
		},
	}
	// Publishing writes to the listener's account, which requires a user
	// token; client credentials alone cannot do it.
	if cfg.Spotify.UserToken != "" && cfg.Spotify.PublishName != "" {
		env.Publisher = spotifyClient
		env.PublishName = cfg.Spotify.PublishName
	}

	a.server = server.New(env, geminiClient, cfg.Engine.PlaylistLength, logger)
	logger.Debug("Application wired.", "publishEnabled", env.Publisher != nil)
	return a, nil
}

// spotifyTokens picks the token source: a user token when configured, the
// client-credentials flow otherwise.
func (a *App) spotifyTokens() spotify.TokenSource {
	if a.cfg.Spotify.UserToken != "" {
		return spotify.StaticToken(a.cfg.Spotify.UserToken)
	}
	a.creds = spotify.NewClientCredentials(
		a.cfg.Spotify.AccountsURL,
		a.cfg.Spotify.ClientID,
		a.cfg.Spotify.ClientSecret,
		a.store,
	)
	a.closers = append(a.closers, a.creds.Close)
	return a.creds
}

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Info("Starting Algorhythms server.", "listen", a.cfg.Server.Listen)
	return a.server.ListenAndServe(ctx, a.cfg.Server.Listen)
}

// Close releases every client and the cache.
func (a *App) Close() error {
	var firstErr error
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
