// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/livewire/services/livewire/capture"
	"github.com/AleutianAI/livewire/services/livewire/config"
	"github.com/AleutianAI/livewire/services/livewire/telemetry"
)

const tracerName = "livewire.probe"

// State is the lifecycle state of a desired probe.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateFailed  State = "failed"
)

// ProbeStatus describes one desired probe.
type ProbeStatus struct {
	ID        string `json:"id"`
	Location  string `json:"location"`
	Statement string `json:"statement"`
	State     State  `json:"state"`
	Error     string `json:"error,omitempty"`
}

type entry struct {
	probe      *Probe
	state      State
	err        error
	handle     HookHandle
	cancelLoad func()
	removed    bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the instruments the registry records to.
func WithMetrics(m *telemetry.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithRoot sets the directory relative probe locations resolve against.
func WithRoot(root string) RegistryOption {
	return func(r *Registry) {
		r.root = root
	}
}

// Registry keeps the installed hooks in line with the configured probes.
//
// # Thread Safety
//
// Reconcile rounds are serialized. Accessors may be called at any time.
// Hooks may fire concurrently with a round; a hook that fires after its
// probe was removed still runs to completion.
type Registry struct {
	installer HookInstaller
	loader    UnitLoader
	evaluator Evaluator
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	root      string

	roundMu sync.Mutex

	stateMu sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(installer HookInstaller, loader UnitLoader, evaluator Evaluator, opts ...RegistryOption) *Registry {
	r := &Registry{
		installer: installer,
		loader:    loader,
		evaluator: evaluator,
		logger:    slog.Default(),
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.root == "" {
		if wd, err := os.Getwd(); err == nil {
			r.root = wd
		}
	}
	return r
}

// Reconcile makes the installed probes match cfg. Probes present in both
// the current and the new configuration are left alone. A malformed
// configuration returns ErrInvalidConfig and changes nothing.
func (r *Registry) Reconcile(ctx context.Context, cfg *config.Config) (err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Registry.Reconcile")
	defer span.End()
	start := time.Now()
	defer func() {
		r.metrics.RecordReconcile(ctx, time.Since(start), err)
		telemetry.RecordError(span, err)
	}()

	r.roundMu.Lock()
	defer r.roundMu.Unlock()

	desired, err := r.build(cfg)
	if err != nil {
		return err
	}

	r.stateMu.Lock()
	if r.closed {
		r.stateMu.Unlock()
		return ErrRegistryClosed
	}
	var added, removed []*entry
	for id, e := range r.entries {
		if _, ok := desired[id]; !ok {
			e.removed = true
			removed = append(removed, e)
			delete(r.entries, id)
		}
	}
	for id, p := range desired {
		if _, ok := r.entries[id]; ok {
			continue
		}
		e := &entry{probe: p, state: StatePending}
		r.entries[id] = e
		added = append(added, e)
	}
	r.stateMu.Unlock()

	sortEntries(added)
	sortEntries(removed)
	span.SetAttributes(
		attribute.Int("probes.desired", len(desired)),
		attribute.Int("probes.added", len(added)),
		attribute.Int("probes.removed", len(removed)),
	)

	for _, e := range removed {
		r.retire(ctx, e)
	}
	for _, e := range added {
		r.activate(ctx, e)
	}

	r.logger.Debug("reconcile round complete",
		slog.Int("desired", len(desired)),
		slog.Int("added", len(added)),
		slog.Int("removed", len(removed)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (r *Registry) build(cfg *config.Config) (map[string]*Probe, error) {
	if cfg == nil {
		cfg = config.Empty()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	out := make(map[string]*Probe, len(cfg.Probes))
	for _, key := range cfg.Locations() {
		spec := cfg.Probes[key]
		loc, err := ParseLocation(key, r.root)
		if err != nil {
			return nil, err
		}
		if spec.Statement == "" {
			return nil, fmt.Errorf("%w: probe %s has no statement", ErrInvalidConfig, key)
		}
		imports := make([]string, 0, len(cfg.Imports)+len(spec.Imports))
		imports = append(imports, cfg.Imports...)
		imports = append(imports, spec.Imports...)
		p := NewProbe(loc, spec.Statement, imports)
		out[p.ID()] = p
	}
	return out, nil
}

func sortEntries(es []*entry) {
	sort.Slice(es, func(i, j int) bool {
		a, b := es[i].probe.Location, es[j].probe.Location
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return es[i].probe.ID() < es[j].probe.ID()
	})
}

// activate installs e now when its unit is loaded, or defers the install to
// the unit's load. It must not hold stateMu: OnLoad may call back inline.
func (r *Registry) activate(ctx context.Context, e *entry) {
	path := e.probe.Location.Path
	if unit, ok := r.loader.Lookup(path); ok {
		r.install(ctx, e, unit)
		return
	}

	cancel, err := r.loader.OnLoad(path, func(u Unit) {
		r.install(context.WithoutCancel(ctx), e, u)
	})
	if err != nil {
		r.fail(e, err)
		return
	}

	r.stateMu.Lock()
	if e.state == StatePending && !e.removed {
		e.cancelLoad = cancel
		cancel = nil
	}
	r.stateMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Registry) install(ctx context.Context, e *entry, unit Unit) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if e.removed || e.state != StatePending {
		return
	}

	h, err := r.installer.Install(unit, e.probe.Location, r.fire, e.probe)
	if err != nil {
		r.failLocked(e, err)
		return
	}
	e.handle = h
	e.state = StateActive
	e.cancelLoad = nil
	r.metrics.RecordInstall(ctx)
	r.logger.Info("probe installed",
		slog.String("probe_id", e.probe.ID()),
		slog.String("location", e.probe.Location.String()),
	)
}

func (r *Registry) fail(e *entry, err error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if e.removed {
		return
	}
	r.failLocked(e, err)
}

func (r *Registry) failLocked(e *entry, err error) {
	e.state = StateFailed
	e.err = err
	e.cancelLoad = nil

	msg := "probe install failed"
	if errors.Is(err, ErrUnitNotFound) || errors.Is(err, ErrLocationNotFound) {
		msg = "probe location not resolvable"
	}
	r.logger.Warn(msg,
		slog.String("probe_id", e.probe.ID()),
		slog.String("location", e.probe.Location.String()),
		slog.String("error", err.Error()),
	)
}

// retire drops e. e.removed is already set, so no install can race in.
func (r *Registry) retire(ctx context.Context, e *entry) {
	r.stateMu.Lock()
	cancel, h := e.cancelLoad, e.handle
	wasActive := e.state == StateActive
	e.cancelLoad, e.handle = nil, nil
	r.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if f, ok := r.evaluator.(Forgetter); ok {
		f.Forget(e.probe.Source())
	}
	if wasActive && h != nil {
		r.installer.Eject(h)
		r.metrics.RecordEject(ctx)
		r.logger.Info("probe ejected",
			slog.String("probe_id", e.probe.ID()),
			slog.String("location", e.probe.Location.String()),
		)
	}
}

// fire runs a probe statement. It is the HookFunc of every installed hook.
func (r *Registry) fire(ctx context.Context, ec capture.ExecutionContext, arg any) error {
	p, ok := arg.(*Probe)
	if !ok {
		return fmt.Errorf("hook argument %T is not a probe", arg)
	}
	err := r.evaluator.Eval(ctx, &Invocation{Probe: p, Context: ec})
	r.metrics.RecordFire(ctx, err)
	if err == nil {
		return nil
	}
	r.logger.Error("probe execution failed",
		slog.String("probe_id", p.ID()),
		slog.String("location", p.Location.String()),
		slog.String("error", err.Error()),
	)
	return &ExecutionError{ProbeID: p.ID(), Location: p.Location, Err: err}
}

// Desired returns every configured probe, ordered by location.
func (r *Registry) Desired() []*Probe {
	return r.probes(func(*entry) bool { return true })
}

// Active returns the probes with an installed hook, ordered by location.
func (r *Registry) Active() []*Probe {
	return r.probes(func(e *entry) bool { return e.state == StateActive })
}

func (r *Registry) probes(keep func(*entry) bool) []*Probe {
	es := r.snapshot()
	out := make([]*Probe, 0, len(es))
	for _, e := range es {
		if keep(e) {
			out = append(out, e.probe)
		}
	}
	return out
}

// Status reports every desired probe, ordered by location.
func (r *Registry) Status() []ProbeStatus {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	sortEntries(es)

	out := make([]ProbeStatus, 0, len(es))
	for _, e := range es {
		st := ProbeStatus{
			ID:        e.probe.ID(),
			Location:  e.probe.Location.String(),
			Statement: e.probe.Statement,
			State:     e.state,
		}
		if e.err != nil {
			st.Error = e.err.Error()
		}
		out = append(out, st)
	}
	return out
}

// snapshot copies the entry set. Entries are read under stateMu by callers
// that look at their state.
func (r *Registry) snapshot() []*entry {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		cp := *e
		es = append(es, &cp)
	}
	sortEntries(es)
	return es
}

// Shutdown ejects every hook and cancels pending loads. Later Reconcile
// calls return ErrRegistryClosed.
func (r *Registry) Shutdown(ctx context.Context) {
	r.roundMu.Lock()
	defer r.roundMu.Unlock()

	r.stateMu.Lock()
	r.closed = true
	es := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		e.removed = true
		es = append(es, e)
		delete(r.entries, id)
	}
	r.stateMu.Unlock()

	sortEntries(es)
	for _, e := range es {
		r.retire(ctx, e)
	}
	r.logger.Info("probe registry shut down", slog.Int("retired", len(es)))
}
