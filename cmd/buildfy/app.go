package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nstogner/buildfy/pkg/config"
	"github.com/nstogner/buildfy/pkg/editbridge"
	"github.com/nstogner/buildfy/pkg/metrics"
	"github.com/nstogner/buildfy/pkg/model"
	"github.com/nstogner/buildfy/pkg/model/gemini"
	"github.com/nstogner/buildfy/pkg/model/gollm"
	"github.com/nstogner/buildfy/pkg/run"
	"github.com/nstogner/buildfy/pkg/sandbox"
	"github.com/nstogner/buildfy/pkg/sandbox/docker"
	"github.com/nstogner/buildfy/pkg/sandbox/e2b"
	"github.com/nstogner/buildfy/pkg/sandbox/lifecycle"
	"github.com/nstogner/buildfy/pkg/store/sqlite"
	"github.com/nstogner/buildfy/pkg/tools"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg       config.Config
	store     *sqlite.Store
	registry  *prometheus.Registry
	sandboxes *lifecycle.Manager
	coord     *run.Coordinator
	// docker is set when the docker backend is used; it runs the reaper.
	docker *docker.Provider
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	a := &app{cfg: cfg, store: st, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	provider, scheme, err := a.sandboxProvider()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sandboxes = lifecycle.New(provider, lifecycle.Options{
		Template:     cfg.SandboxTemplate,
		Port:         cfg.SandboxPort,
		Scheme:       scheme,
		BatchCap:     cfg.HealthCheckBatch,
		CheckTimeout: cfg.HealthCheckTimeout,
		Setup:        editbridge.SetupFiles(),
		Metrics:      m,
	})

	llm, err := modelProvider(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	policy, err := tools.LoadRegoPolicy(ctx, cfg.CommandPolicyFile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading command policy: %w", err)
	}

	a.coord = run.New(st, a.sandboxes, llm, run.Options{
		CodeModel:     cfg.CodeModel,
		SummaryModel:  cfg.SummaryModel,
		Template:      cfg.SandboxTemplate,
		MaxIterations: cfg.MaxIterations,
		Policy:        policy,
		Metrics:       m,
	})
	return a, nil
}

func (a *app) sandboxProvider() (sandbox.Provider, string, error) {
	switch a.cfg.SandboxBackend {
	case config.SandboxE2B:
		p, err := e2b.New(e2b.Options{
			APIKey:    a.cfg.E2BAPIKey,
			Domain:    a.cfg.E2BDomain,
			KeepAlive: a.cfg.SandboxKeepAlive,
		})
		if err != nil {
			return nil, "", fmt.Errorf("initializing e2b sandboxes: %w", err)
		}
		return p, "https", nil
	case config.SandboxDocker:
		p, err := docker.New(docker.Options{
			Port:      a.cfg.SandboxPort,
			KeepAlive: a.cfg.SandboxKeepAlive,
		})
		if err != nil {
			return nil, "", fmt.Errorf("initializing docker sandboxes: %w", err)
		}
		a.docker = p
		return p, "http", nil
	}
	return nil, "", fmt.Errorf("unknown sandbox backend %q", a.cfg.SandboxBackend)
}

func modelProvider(ctx context.Context, cfg config.Config) (model.Provider, error) {
	key := cfg.ModelAPIKey()
	if key == "" {
		return nil, errors.New("API key for the model backend is not set")
	}
	switch cfg.ModelBackend {
	case config.ModelGemini:
		p, err := gemini.New(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("initializing Gemini provider: %w", err)
		}
		return p, nil
	case config.ModelOpenAI:
		return gollm.New(cfg.ModelBackend, key), nil
	}
	return nil, fmt.Errorf("unknown model backend %q", cfg.ModelBackend)
}

// startReaper removes idle docker sandboxes that no fragment references.
func (a *app) startReaper(ctx context.Context) {
	if a.docker == nil {
		return
	}
	go func() {
		if err := a.docker.Run(ctx, a.store); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Sandbox reaper stopped", "error", err)
		}
	}()
}

func (a *app) Close() {
	if a.docker != nil {
		a.docker.Close()
	}
	a.store.Close()
}
