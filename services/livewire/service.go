// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package livewire embeds live probes into a running Go program.
//
// A Service owns one probe file. Each reload installs the file's
// dependencies, then reconciles the installed probes against its probe
// table. Host code marks hookable sites with Here:
//
//	svc, err := livewire.New(ctx, livewire.Options{ConfigPath: "livewire.yaml"})
//	if err != nil {
//	    return err
//	}
//	defer svc.Shutdown(context.Background())
//	if err := svc.Start(ctx); err != nil {
//	    slog.Warn("running without probes", slog.String("error", err.Error()))
//	}
//
//	func handle(ctx context.Context, req *Request) {
//	    attempts := 0
//	    _ = svc.Here(ctx, capture.NewScope(0).Bind("req", &req).Bind("attempts", &attempts))
//	}
package livewire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/livewire/services/livewire/capture"
	"github.com/AleutianAI/livewire/services/livewire/config"
	"github.com/AleutianAI/livewire/services/livewire/deps"
	"github.com/AleutianAI/livewire/services/livewire/hook"
	"github.com/AleutianAI/livewire/services/livewire/probe"
	"github.com/AleutianAI/livewire/services/livewire/sink"
	"github.com/AleutianAI/livewire/services/livewire/telemetry"
	"github.com/AleutianAI/livewire/services/livewire/watch"
)

// ServiceVersion is the Livewire service version.
const ServiceVersion = "0.1.0"

// EnvPrefix overrides the dependency installation prefix.
const EnvPrefix = "LIVEWIRE_PREFIX"

// CapturePackage is the import name of the snapshot actions.
const CapturePackage = "capture"

// Options configures a Service. The zero value is usable.
type Options struct {
	// ConfigPath is the probe file. Empty means config.DefaultPath(); when
	// that finds nothing the service runs with an empty configuration.
	ConfigPath string

	// Prefix is the dependency installation root. Default: DefaultPrefix().
	Prefix string

	// Root resolves relative probe locations. Default: working directory.
	Root string

	// Bounds limits every capture. Zero means capture.DefaultBounds().
	Bounds capture.Bounds

	// MetadataBackend selects the store OpenStore creates when Store is
	// nil: "file", "badger" or "sqlite".
	MetadataBackend string

	// Store records satisfied dependencies. It is closed by Shutdown.
	Store deps.Store

	// Installer satisfies dependency deltas. Default: go install into Prefix.
	Installer deps.Installer

	// Sinks receive every snapshot. They are closed by Shutdown.
	Sinks []sink.Sink

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *telemetry.Metrics

	// Output receives print statements. Default: stdout.
	Output io.Writer

	// Debounce is the watcher quiet period. Default: watch.DefaultDebounce.
	Debounce time.Duration

	// Resolver parses code units. Default: hook.DefaultResolver.
	Resolver hook.Resolver
}

// DefaultPrefix returns $LIVEWIRE_PREFIX, or a livewire directory in the
// user cache directory.
func DefaultPrefix() string {
	if p := os.Getenv(EnvPrefix); p != "" {
		return p
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".livewire"
	}
	return filepath.Join(dir, "livewire")
}

// Service wires the dependency reconciler, the probe registry, the hook
// table, the capture engine and the snapshot sinks.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Apply rounds are serialized.
type Service struct {
	path    string
	prefix  string
	logger  *slog.Logger
	metrics *telemetry.Metrics

	engine      *capture.Engine
	table       *hook.Table
	interpreter *probe.Interpreter
	registry    *probe.Registry
	reconciler  *deps.Reconciler
	sinks       *sink.Fanout
	broadcaster *sink.Broadcaster
	watcher     *watch.Watcher

	applyMu sync.Mutex
	current *config.Config
	closed  bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a Service. It opens the dependency store but installs
// nothing and hooks nothing until Start, Reload or Apply.
func New(ctx context.Context, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	path := opts.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix()
	}
	bounds := opts.Bounds
	if bounds == (capture.Bounds{}) {
		bounds = capture.DefaultBounds()
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = deps.OpenStore(ctx, opts.MetadataBackend, prefix)
		if err != nil {
			return nil, fmt.Errorf("open dependency metadata: %w", err)
		}
	}
	installer := opts.Installer
	if installer == nil {
		installer = &deps.GoInstaller{Prefix: prefix}
	}
	reconciler, err := deps.NewReconciler(ctx, installer, store,
		deps.WithLogger(logger),
		deps.WithMetrics(opts.Metrics),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Service{
		path:        path,
		prefix:      prefix,
		logger:      logger,
		metrics:     opts.Metrics,
		engine:      capture.New(bounds, capture.WithLogger(logger)),
		reconciler:  reconciler,
		broadcaster: sink.NewBroadcaster(sink.DefaultBacklog, sink.WithLogger(logger), sink.WithMetrics(opts.Metrics)),
		current:     config.Empty(),
	}

	s.sinks = sink.NewFanout(nil, sink.WithLogger(logger), sink.WithMetrics(opts.Metrics))
	for _, sk := range opts.Sinks {
		s.sinks.Add(sk)
	}
	s.sinks.Add(s.broadcaster)

	tableOpts := []hook.Option{hook.WithLogger(logger)}
	if opts.Resolver != nil {
		tableOpts = append(tableOpts, hook.WithResolver(opts.Resolver))
	}
	s.table = hook.NewTable(tableOpts...)

	s.interpreter = probe.NewInterpreter(probe.WithOutput(opts.Output))
	s.interpreter.RegisterPackage(CapturePackage, map[string]probe.Action{
		"snapshot": s.snapshotAction,
	})

	regOpts := []probe.RegistryOption{probe.WithLogger(logger), probe.WithMetrics(opts.Metrics)}
	if opts.Root != "" {
		regOpts = append(regOpts, probe.WithRoot(opts.Root))
	}
	s.registry = probe.NewRegistry(s.table, s.table, s.interpreter, regOpts...)

	if path != "" {
		s.watcher = watch.New(path, s.Reload, watch.WithDebounce(opts.Debounce), watch.WithLogger(logger))
	}
	return s, nil
}

// ConfigPath returns the probe file, or "" when there is none.
func (s *Service) ConfigPath() string {
	return s.path
}

// Prefix returns the dependency installation root.
func (s *Service) Prefix() string {
	return s.prefix
}

// Engine returns the capture engine, for capture.Watch.
func (s *Service) Engine() *capture.Engine {
	return s.engine
}

// Interpreter returns the probe interpreter so hosts can register action
// packages.
func (s *Service) Interpreter() *probe.Interpreter {
	return s.interpreter
}

// Broadcaster returns the websocket snapshot stream.
func (s *Service) Broadcaster() *sink.Broadcaster {
	return s.broadcaster
}

// Start reconciles once and then reloads whenever the probe file changes.
//
// # Description
//
// The first reconciliation runs on the calling goroutine. Its error is
// logged and returned, but the watch still starts, so fixing the file
// recovers without a restart. The host decides whether to continue
// uninstrumented. Without a probe file Start applies an empty
// configuration and does not watch.
func (s *Service) Start(ctx context.Context) error {
	if s.watcher == nil {
		s.logger.Info("no probe file found, running without probes")
		return s.Reload(ctx)
	}
	if err := s.watcher.Start(ctx); err != nil {
		s.logger.Error("initial probe configuration failed",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Reload reads the probe file and applies it. Watcher notifications and
// manual triggers both end up here.
func (s *Service) Reload(ctx context.Context) error {
	if s.path == "" {
		return s.Apply(ctx, config.Empty())
	}
	cfg, err := config.Load(s.path)
	if err != nil {
		return err
	}
	return s.Apply(ctx, cfg)
}

// Apply installs cfg's dependencies and reconciles its probes.
//
// # Description
//
// A configuration error or a dependency failure aborts the round before
// any hook changes, leaving the previous probes active.
func (s *Service) Apply(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Empty()
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.closed {
		return ErrShutdown
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := s.reconciler.Install(ctx, cfg.Dependencies); err != nil {
		return fmt.Errorf("install dependencies: %w", err)
	}
	if err := s.registry.Reconcile(ctx, cfg); err != nil {
		return err
	}
	s.current = cfg
	return nil
}

// Config returns the last applied configuration.
func (s *Service) Config() *config.Config {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	return s.current
}

// Here runs the probes installed at the caller's line against ec. It
// returns the probes' execution errors, each a *probe.ExecutionError.
func (s *Service) Here(ctx context.Context, ec capture.ExecutionContext) error {
	return s.table.HereSkip(ctx, 1, ec)
}

// Status reports every desired probe.
func (s *Service) Status() []probe.ProbeStatus {
	return s.registry.Status()
}

// Satisfied returns the installed requirements.
func (s *Service) Satisfied() []string {
	return s.reconciler.Satisfied()
}

// Shutdown stops watching, ejects every probe, and closes the sinks and
// the dependency store. It is safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Stop()
		}

		s.applyMu.Lock()
		s.closed = true
		s.applyMu.Unlock()

		s.registry.Shutdown(ctx)
		s.shutdownErr = errors.Join(
			s.sinks.Close(),
			s.reconciler.Close(),
		)
		s.logger.Info("livewire shut down")
	})
	return s.shutdownErr
}

// snapshotAction captures the execution context. Name arguments are
// added as watches for this capture only.
func (s *Service) snapshotAction(ctx context.Context, inv *probe.Invocation, args []probe.Arg) error {
	session := s.engine.NewSession(inv.Context)
	refs, _ := inv.Context.(capture.Referencer)
	for i, a := range args {
		if a.Name == "" {
			return fmt.Errorf("%w: argument %d", ErrBadSnapshotArg, i+1)
		}
		if refs != nil {
			if v, ok := refs.Ref(a.Name); ok {
				session.AddWatchValue(a.Name, v)
				continue
			}
		}
		session.AddWatch(a.Name, a.Value)
	}

	snap := session.Capture(capture.WithProbe(inv.Probe.ID()))
	if s.metrics != nil {
		reasons := make(map[string]int)
		for r, n := range snap.Reasons() {
			reasons[string(r)] = n
		}
		s.metrics.RecordSnapshot(ctx, len(snap.Objects), reasons)
	}
	return s.sinks.Emit(ctx, snap)
}
