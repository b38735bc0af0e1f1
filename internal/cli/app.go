package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/toolrun/internal/action"
	"github.com/roach88/toolrun/internal/audit"
	"github.com/roach88/toolrun/internal/capability"
	"github.com/roach88/toolrun/internal/config"
	"github.com/roach88/toolrun/internal/integration"
	"github.com/roach88/toolrun/internal/metrics"
	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/service"
	"github.com/roach88/toolrun/internal/statecache"
	"github.com/roach88/toolrun/internal/store"
	"github.com/roach88/toolrun/internal/timeline"
	"github.com/roach88/toolrun/internal/workflow"
)

// stateBackend holds cached integration payloads.
type stateBackend interface {
	timeline.StateReader
	PutState(ctx context.Context, orgID, toolID, integrationID string, payload any) error
}

// app is the wired engine behind one command invocation.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *store.Store
	state   stateBackend
	caps    *capability.Registry
	audit   *audit.Logger
	svc     *service.Service
	metrics *metrics.Metrics

	closers []func() error
}

type appOptions struct {
	specs        service.SpecProvider
	serveMetrics bool
}

// openApp loads configuration and wires store, runtimes, audit logger,
// executor, workflow engine and timeline into a Service.
func (o *RootOptions) openApp(cmd *cobra.Command, ao appOptions) (*app, error) {
	ctx := cmd.Context()
	if o.viper == nil {
		o.viper = config.New()
	}
	cfg, err := config.Load(o.viper, o.ConfigFile)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: cfg.Logger(cmd.ErrOrStderr(), o.Verbose)}

	a.caps, err = capability.Default(cfg.Capabilities.File)
	if err != nil {
		return nil, fmt.Errorf("load capabilities: %w", err)
	}

	a.log.Debug("opening database", "event", "db_open", "path", cfg.DB)
	a.store, err = store.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	a.state = a.store
	if cfg.Redis.URL != "" {
		cache, err := statecache.Dial(ctx, cfg.Redis.URL, cfg.Redis.Prefix, cfg.Redis.TTL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, cache.Close)
		a.state = cache
	}

	runtime, err := o.runtime(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	a.metrics = metrics.MustNewMetrics(reg)
	if ao.serveMetrics && cfg.Metrics.Addr != "" {
		if err := a.serveMetrics(cfg.Metrics.Addr, reg); err != nil {
			a.Close()
			return nil, err
		}
	}

	var ids run.IDGenerator = run.UUIDv7Generator{}
	if o.IDGenerator != nil {
		ids = o.IDGenerator
	}
	var clock run.Clock = run.SystemClock{}
	if o.Clock != nil {
		clock = o.Clock
	}

	a.audit = audit.New(a.store, a.store,
		audit.WithLogger(a.log),
		audit.WithMetrics(a.metrics),
		audit.WithClock(clock),
		audit.WithConnectionCacheSize(cfg.Audit.ConnectionCacheSize),
	)
	exec := action.New(a.caps, runtime, a.store,
		action.WithAuditLogger(a.audit),
		action.WithClock(clock),
		action.WithIDGenerator(ids),
		action.WithTimeout(cfg.Action.Timeout),
		action.WithLogger(a.log),
		action.WithMetrics(a.metrics),
	)
	eng := workflow.New(exec, a.store,
		workflow.WithClock(clock),
		workflow.WithIDGenerator(ids),
		workflow.WithLogger(a.log),
		workflow.WithMetrics(a.metrics),
	)

	specs := ao.specs
	if specs == nil {
		specs = service.StaticSpecs{}
	}
	a.svc = service.New(service.Deps{
		Actions:   exec,
		Workflows: eng,
		Runs:      a.store,
		Specs:     specs,
		Timeline:  timeline.New(a.store, a.state, timeline.WithLogger(a.log)),
	},
		service.WithClock(clock),
		service.WithLogger(a.log),
	)
	return a, nil
}

// runtime binds configured HTTP runtimes; a script file, when given, serves
// every integration instead.
func (o *RootOptions) runtime(cfg *config.Config) (integration.Runtime, error) {
	if o.ScriptFile != "" {
		data, err := os.ReadFile(o.ScriptFile)
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		var scripts map[string][]integration.Outcome
		if err := yaml.Unmarshal(data, &scripts); err != nil {
			return nil, fmt.Errorf("parse script %s: %w", o.ScriptFile, err)
		}
		return integration.NewScriptedRuntime(scripts), nil
	}
	runtimes := make(map[string]integration.Runtime, len(cfg.Integrations))
	for id, ic := range cfg.Integrations {
		runtimes[id] = integration.NewHTTPRuntime(ic.BaseURL, ic.Token())
	}
	return integration.NewRegistry(runtimes), nil
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	srv := &http.Server{Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", "event", "metrics_failed", "error", err)
		}
	}()
	a.log.Info("serving metrics", "event", "metrics_listening", "addr", ln.Addr().String())
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	return nil
}

// Close drains background runs and audit writes, then releases resources
// in reverse order of acquisition.
func (a *app) Close() {
	if a.svc != nil {
		a.svc.Wait()
	}
	if a.audit != nil {
		a.audit.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("close", "event", "close_failed", "error", err)
		}
	}
	a.closers = nil
}
