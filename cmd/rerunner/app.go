package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/yourorg/rerunner/internal/apiclient"
	"github.com/yourorg/rerunner/internal/artifact"
	"github.com/yourorg/rerunner/internal/config"
	"github.com/yourorg/rerunner/internal/devops"
	"github.com/yourorg/rerunner/internal/logging"
	"github.com/yourorg/rerunner/internal/runner"
	"github.com/yourorg/rerunner/internal/secret"
	"github.com/yourorg/rerunner/internal/server"
	"github.com/yourorg/rerunner/internal/store"
)

// app is the wired object graph shared by all commands.
type app struct {
	cfg     *config.Config
	store   *store.SQLiteStore
	codec   *secret.Codec
	api     *apiclient.Client
	devops  *devops.Client
	fetcher *artifact.Fetcher
	runner  *runner.Orchestrator
}

func newApp(cfgPath string, debug bool) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	level := logging.ParseLevel(cfg.Log.Level)
	if debug {
		level = slog.LevelDebug
	}
	logging.Init(level, cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := secret.New(cfg.Secret.Key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	api := apiclient.New(apiclient.Config{
		CacheTTL:           cfg.Client.CacheTTL,
		CacheCapacity:      cfg.Client.CacheCapacity,
		MaxConcurrent:      cfg.Client.MaxConcurrent,
		RateLimit:          cfg.Client.RateLimit,
		RateWindow:         cfg.Client.RateWindow,
		Retries:            cfg.Client.Retries,
		RetryBaseDelay:     cfg.Client.RetryBaseDelay,
		Timeout:            cfg.Client.Timeout,
		InsecureSkipVerify: cfg.Provider.InsecureSkipVerify,
	}, apiclient.WithLogger(logging.New("apiclient")))
	dc := devops.New(api, cfg.Provider.BaseURL, cfg.Provider.Organization, logging.New("devops"))

	return &app{
		cfg:     cfg,
		store:   st,
		codec:   codec,
		api:     api,
		devops:  dc,
		fetcher: artifact.NewFetcher(dc, cfg.Runner.StagingDir, cfg.Provider.ReportEntry, logging.New("artifact")),
		runner: runner.New(&runner.ExecInvoker{
			Command: cfg.Runner.Command,
			Dir:     cfg.Runner.RepoPath,
		}, cfg.Runner.BatchWorkers, logging.New("runner")),
	}, nil
}

func (a *app) server() (*server.Server, error) {
	return server.New(a.cfg, server.Deps{
		Builds:  a.devops,
		Reports: a.fetcher,
		Runner:  a.runner,
		Secrets: a.codec,
		Store:   a.store,
		Logger:  logging.New("server"),
	})
}

// session resolves a provider session from a stored user id, an encrypted
// token, or RERUNNER_PAT holding the plain secret, in that order.
func (a *app) session(userID, token string) (devops.Session, error) {
	if userID != "" {
		cred, err := a.store.GetCredential(userID)
		if err != nil {
			return devops.Session{}, err
		}
		plain, err := a.codec.Decrypt(cred.Token)
		if err != nil {
			return devops.Session{}, err
		}
		return devops.Session{Caller: userID, Secret: plain}, nil
	}
	if token != "" {
		plain, err := a.codec.Decrypt(token)
		if err != nil {
			return devops.Session{}, err
		}
		return devops.Session{Caller: "cli", Secret: plain}, nil
	}
	if plain := os.Getenv("RERUNNER_PAT"); plain != "" {
		return devops.Session{Caller: "cli", Secret: plain}, nil
	}
	return devops.Session{}, errors.New("no credential: pass --user, --token or set RERUNNER_PAT")
}

func (a *app) Close() error {
	return a.store.Close()
}
