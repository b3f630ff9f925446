// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package capture produces bounded snapshots of live program state.
//
// # Traversal
//
// A capture walks the object graph reachable from the locals of an
// ExecutionContext and from named watches, using a LIFO work list. Locals
// start at level Bounds.MaxDepth and watches at level 0. Each expansion
// pushes children one level lower. A container or struct popped below
// level 0 is recorded as a stub carrying the "depth" reason.
//
// Values are deduplicated by identity token, so aliased values appear once
// in Snapshot.Objects. Pointers and interfaces are transparent: a local of
// type *T is recorded as the T it points to.
//
// # Cost
//
// A capture records at most Bounds.MaxObjects objects, stubs included. When
// the budget runs out the remaining work is dropped and the snapshot is
// marked truncated. Nothing in this package panics on hostile values; a node
// that cannot be read is recorded as "<unreadable>".
//
// # Thread Safety
//
// Engine is safe for concurrent use. A Session belongs to one goroutine.
package capture

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxIndirections bounds pointer and interface chains followed while
// resolving a value's identity.
const maxIndirections = 32

var timeType = reflect.TypeOf(time.Time{})

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the timestamp source. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine captures snapshots and holds engine-wide watches.
type Engine struct {
	bounds Bounds
	logger *slog.Logger
	now    func() time.Time

	watchMu sync.Mutex
	watches map[string]watchRef
}

// New creates an Engine. Unset bounds take their defaults.
func New(bounds Bounds, opts ...Option) *Engine {
	e := &Engine{
		bounds:  bounds.Normalize(),
		logger:  slog.Default(),
		now:     time.Now,
		watches: make(map[string]watchRef),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bounds returns the engine's default bounds.
func (e *Engine) Bounds() Bounds {
	return e.bounds
}

// Capture snapshots ec plus the engine's live watches.
func (e *Engine) Capture(ec ExecutionContext, opts ...CaptureOption) *Snapshot {
	return e.NewSession(ec).Capture(opts...)
}

// CaptureOption configures a single capture.
type CaptureOption func(*captureOptions)

type captureOptions struct {
	probe  string
	bounds Bounds
}

// WithProbe records the ID of the probe that requested the capture.
func WithProbe(id string) CaptureOption {
	return func(o *captureOptions) { o.probe = id }
}

// WithBounds overrides the engine bounds for one capture.
func WithBounds(b Bounds) CaptureOption {
	return func(o *captureOptions) { o.bounds = b.Normalize() }
}

// Session is one pending capture. Watches added to a session are strong
// and apply to that capture only.
type Session struct {
	engine  *Engine
	ec      ExecutionContext
	watches []namedValue
}

// NewSession starts a capture of ec. ec may be nil to capture watches only.
func (e *Engine) NewSession(ec ExecutionContext) *Session {
	return &Session{engine: e, ec: ec}
}

// AddWatch adds a watch for this capture. It overrides an engine watch
// with the same name.
func (s *Session) AddWatch(name string, value any) *Session {
	s.watches = append(s.watches, namedValue{name: name, value: reflect.ValueOf(value)})
	return s
}

// AddWatchValue is AddWatch for a reflected value. Passing the storage a
// local refers to gives the watch the local's identity token.
func (s *Session) AddWatchValue(name string, v reflect.Value) *Session {
	s.watches = append(s.watches, namedValue{name: name, value: v})
	return s
}

// Capture runs the traversal and returns the snapshot.
func (s *Session) Capture(opts ...CaptureOption) *Snapshot {
	o := captureOptions{bounds: s.engine.bounds}
	for _, opt := range opts {
		opt(&o)
	}
	b := o.bounds

	snap := &Snapshot{
		Type:      "snapshot",
		ID:        uuid.NewString(),
		Probe:     o.probe,
		Timestamp: s.engine.now().UTC(),
		Locals:    make(map[string]ObjectID),
		Watches:   make(map[string]ObjectID),
		TID:       threadID(),
		GoID:      goroutineID(),
		PID:       os.Getpid(),
	}

	c := newCollector(b)
	if s.ec != nil {
		for _, name := range s.ec.Names() {
			snap.Locals[name] = c.seed(rootValue(s.ec, name), b.MaxDepth)
		}
	}
	for _, w := range s.engine.liveWatches() {
		snap.Watches[w.name] = c.seed(w.value, 0)
	}
	for _, w := range s.watches {
		snap.Watches[w.name] = c.seed(w.value, 0)
	}

	if c.run() {
		snap.Truncated = true
		snap.TruncatedReason = ReasonMaxObjects
	}
	snap.Objects = c.objects
	snap.Stack = stackOf(s.ec, b.MaxObjects)

	s.engine.logger.Debug("snapshot captured",
		slog.String("snapshot_id", snap.ID),
		slog.String("probe_id", snap.Probe),
		slog.Int("objects", len(snap.Objects)),
		slog.Bool("truncated", snap.Truncated))
	return snap
}

// rootValue prefers addressable storage so locals get stable tokens.
func rootValue(ec ExecutionContext, name string) reflect.Value {
	if r, ok := ec.(Referencer); ok {
		if v, ok := r.Ref(name); ok {
			return v
		}
	}
	val, _ := ec.Get(name)
	return reflect.ValueOf(val)
}

func stackOf(ec ExecutionContext, limit int) (frames []Frame) {
	if ec == nil {
		return []Frame{}
	}
	defer func() {
		if recover() != nil {
			frames = []Frame{}
		}
	}()
	frames = ec.Stack()
	if len(frames) > limit {
		frames = frames[:limit]
	}
	if frames == nil {
		frames = []Frame{}
	}
	return frames
}

// =============================================================================
// Traversal
// =============================================================================

type work struct {
	v     reflect.Value
	level int
	id    ObjectID
}

type collector struct {
	bounds  Bounds
	objects map[ObjectID]*Object
	seeded  map[ObjectID]bool
	stack   []work
	next    int
}

func newCollector(b Bounds) *collector {
	return &collector{
		bounds:  b,
		objects: make(map[ObjectID]*Object),
		seeded:  make(map[ObjectID]bool),
	}
}

// seed queues a root. A root already queued keeps its first level, so a
// watch on a local does not shorten the local's depth.
func (c *collector) seed(v reflect.Value, level int) ObjectID {
	rv, id := c.resolve(v)
	if c.seeded[id] {
		return id
	}
	c.seeded[id] = true
	c.stack = append(c.stack, work{v: rv, level: level, id: id})
	return id
}

// run drains the work list. It reports whether uncaptured work was
// dropped because the object budget ran out.
func (c *collector) run() bool {
	for len(c.stack) > 0 {
		if len(c.objects) >= c.bounds.MaxObjects {
			return c.dropPending()
		}
		w := c.stack[len(c.stack)-1]
		c.stack = c.stack[:len(c.stack)-1]
		if _, done := c.objects[w.id]; done {
			continue
		}

		obj, children := c.visit(w)
		c.objects[w.id] = obj
		for _, ch := range children {
			if _, done := c.objects[ch.id]; !done {
				c.stack = append(c.stack, ch)
			}
		}
	}
	return false
}

func (c *collector) dropPending() bool {
	dangling := false
	for _, w := range c.stack {
		if _, done := c.objects[w.id]; !done {
			dangling = true
			break
		}
	}
	c.stack = nil
	return dangling
}

// resolve follows pointers and interfaces to the final target and returns
// it with its identity token.
func (c *collector) resolve(v reflect.Value) (reflect.Value, ObjectID) {
	for hops := 0; hops < maxIndirections && v.IsValid(); hops++ {
		k := v.Kind()
		if (k != reflect.Pointer && k != reflect.Interface) || v.IsNil() {
			break
		}
		v = v.Elem()
	}
	return v, c.identify(v)
}

func (c *collector) identify(v reflect.Value) (id ObjectID) {
	defer func() {
		if recover() != nil {
			id = c.generated()
		}
	}()
	if !v.IsValid() {
		return c.generated()
	}
	switch v.Kind() {
	case reflect.Map, reflect.Chan, reflect.Func, reflect.Pointer, reflect.UnsafePointer:
		if v.IsNil() {
			return c.generated()
		}
		return ObjectID(fmt.Sprintf("%x:%s", v.Pointer(), v.Type()))
	case reflect.Slice:
		if v.IsNil() || v.Len() == 0 {
			return c.generated()
		}
		// Subslices share a base address; the length keeps them apart.
		return ObjectID(fmt.Sprintf("%x:%s#%d", v.Pointer(), v.Type(), v.Len()))
	case reflect.Interface:
		return c.generated()
	}
	if v.CanAddr() && v.Type().Size() > 0 {
		return ObjectID(fmt.Sprintf("%x:%s", v.UnsafeAddr(), v.Type()))
	}
	return c.generated()
}

func (c *collector) generated() ObjectID {
	c.next++
	return ObjectID("v" + strconv.Itoa(c.next))
}

func (c *collector) visit(w work) (obj *Object, children []work) {
	defer func() {
		if recover() != nil {
			obj = &Object{ID: w.id, Kind: KindPrimitive, Type: typeName(w.v), Value: "<unreadable>"}
			children = nil
		}
	}()

	v := w.v
	if !v.IsValid() {
		return &Object{ID: w.id, Kind: KindPrimitive, Type: "nil", IsNull: true}, nil
	}

	obj = &Object{ID: w.id, Type: v.Type().String()}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice,
		reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if v.IsNil() {
			obj.Kind = KindPrimitive
			obj.IsNull = true
			return obj, nil
		}
	}

	switch v.Kind() {
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			c.bytesValue(obj, v)
			return obj, nil
		}
		return obj, c.sequence(obj, v, w.level)
	case reflect.Array:
		return obj, c.sequence(obj, v, w.level)
	case reflect.Map:
		return obj, c.mapping(obj, v, w.level)
	case reflect.Struct:
		if v.Type() == timeType && v.CanInterface() {
			obj.Kind = KindPrimitive
			c.setValue(obj, v.Interface().(time.Time).Format(time.RFC3339Nano))
			return obj, nil
		}
		return obj, c.generic(obj, v, w.level)
	}

	obj.Kind = KindPrimitive
	c.setValue(obj, represent(v))
	return obj, nil
}

func (c *collector) sequence(obj *Object, v reflect.Value, level int) []work {
	obj.Kind = KindSequence
	n := v.Len()
	obj.Size = n
	limit := min(n, c.bounds.MaxContainerSize)
	if level < 0 {
		c.markBelowDepth(obj, n, limit, ReasonCollectionSize)
		return nil
	}

	obj.Elements = make([]ObjectID, 0, limit)
	children := make([]work, 0, limit)
	for i := 0; i < limit; i++ {
		cv, cid := c.resolve(v.Index(i))
		obj.Elements = append(obj.Elements, cid)
		children = append(children, work{v: cv, level: level - 1, id: cid})
	}
	if n > limit {
		obj.NotCapturedReason = append(obj.NotCapturedReason, ReasonCollectionSize)
	}
	return children
}

// mapping records up to MaxContainerSize entries in map iteration order,
// which Go leaves unspecified.
func (c *collector) mapping(obj *Object, v reflect.Value, level int) []work {
	obj.Kind = KindMapping
	n := v.Len()
	obj.Size = n
	limit := min(n, c.bounds.MaxContainerSize)
	if level < 0 {
		c.markBelowDepth(obj, n, limit, ReasonCollectionSize)
		return nil
	}

	obj.Entries = make([]Entry, 0, limit)
	children := make([]work, 0, 2*limit)
	iter := v.MapRange()
	for i := 0; i < limit && iter.Next(); i++ {
		kv, kid := c.resolve(iter.Key())
		vv, vid := c.resolve(iter.Value())
		obj.Entries = append(obj.Entries, Entry{Key: kid, Value: vid})
		children = append(children,
			work{v: kv, level: level - 1, id: kid},
			work{v: vv, level: level - 1, id: vid})
	}
	if n > limit {
		obj.NotCapturedReason = append(obj.NotCapturedReason, ReasonCollectionSize)
	}
	return children
}

func (c *collector) generic(obj *Object, v reflect.Value, level int) []work {
	obj.Kind = KindGeneric
	t := v.Type()
	n := t.NumField()
	obj.Size = n
	limit := min(n, c.bounds.MaxFields)
	if level < 0 {
		c.markBelowDepth(obj, n, limit, ReasonFieldCount)
		return nil
	}

	obj.Fields = make(FieldList, 0, limit)
	children := make([]work, 0, limit)
	for i := 0; i < limit; i++ {
		fv, fid := c.resolve(v.Field(i))
		obj.Fields = append(obj.Fields, Field{Name: t.Field(i).Name, ID: fid})
		children = append(children, work{v: fv, level: level - 1, id: fid})
	}
	if n > limit {
		obj.NotCapturedReason = append(obj.NotCapturedReason, ReasonFieldCount)
	}
	return children
}

// markBelowDepth records a stub. Empty values have nothing left out and
// carry no reason.
func (c *collector) markBelowDepth(obj *Object, n, limit int, width Reason) {
	if n > 0 {
		obj.NotCapturedReason = append(obj.NotCapturedReason, ReasonDepth)
	}
	if n > limit {
		obj.NotCapturedReason = append(obj.NotCapturedReason, width)
	}
}

func (c *collector) bytesValue(obj *Object, v reflect.Value) {
	obj.Kind = KindPrimitive
	b := v.Bytes()
	full := hex.EncodedLen(len(b))
	if full <= c.bounds.MaxLength {
		obj.Value = hex.EncodeToString(b)
		return
	}
	// Encode only the prefix that survives truncation.
	prefix := hex.EncodeToString(b[:(c.bounds.MaxLength+1)/2])
	obj.Value = prefix[:c.bounds.MaxLength]
	obj.Truncated = true
	obj.Size = full
}

func (c *collector) setValue(obj *Object, repr string) {
	n := utf8.RuneCountInString(repr)
	if n <= c.bounds.MaxLength {
		obj.Value = repr
		return
	}
	cut, count := 0, 0
	for i := range repr {
		if count == c.bounds.MaxLength {
			cut = i
			break
		}
		count++
	}
	obj.Value = repr[:cut]
	obj.Truncated = true
	obj.Size = n
}

func represent(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32)
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reflect.Complex64:
		return strconv.FormatComplex(v.Complex(), 'g', -1, 64)
	case reflect.Complex128:
		return strconv.FormatComplex(v.Complex(), 'g', -1, 128)
	case reflect.String:
		return v.String()
	case reflect.Func:
		if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
			return fn.Name()
		}
		return "func"
	case reflect.Chan:
		return fmt.Sprintf("%d/%d", v.Len(), v.Cap())
	case reflect.Pointer, reflect.UnsafePointer:
		return fmt.Sprintf("0x%x", v.Pointer())
	}
	return "<" + v.Type().String() + ">"
}

func typeName(v reflect.Value) (name string) {
	defer func() {
		if recover() != nil {
			name = "unknown"
		}
	}()
	if !v.IsValid() {
		return "nil"
	}
	return v.Type().String()
}

// goroutineID parses the id from the "goroutine N [status]:" header.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
