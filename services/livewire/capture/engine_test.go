// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capture

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type account struct {
	Name  string
	Count int
}

type node struct {
	Next *node
	Val  int
}

func chain(n int) *node {
	var head *node
	for i := n; i > 0; i-- {
		head = &node{Next: head, Val: i}
	}
	return head
}

func follow(t *testing.T, snap *Snapshot, id ObjectID, field string) *Object {
	t.Helper()
	obj, ok := snap.Lookup(id)
	require.True(t, ok, "object %s missing", id)
	next, ok := obj.Fields.Get(field)
	require.True(t, ok, "field %s missing on %s", field, id)
	child, ok := snap.Lookup(next)
	require.True(t, ok, "object %s missing", next)
	return child
}

func TestCapture_Dedup(t *testing.T) {
	shared := &account{Name: "alice", Count: 3}
	a, b := shared, shared

	scope := NewScope(0).Bind("a", &a).Bind("b", &b)
	snap := New(DefaultBounds()).Capture(scope)

	assert.Equal(t, snap.Locals["a"], snap.Locals["b"], "aliases share a token")
	assert.Len(t, snap.Objects, 3, "struct plus two fields")
	assert.False(t, snap.Truncated)
	assert.Empty(t, snap.Dangling())

	obj, ok := snap.Local("a")
	require.True(t, ok)
	assert.Equal(t, KindGeneric, obj.Kind)
	assert.Equal(t, "capture.account", obj.Type)
	nameObj := follow(t, snap, obj.ID, "Name")
	assert.Equal(t, "alice", nameObj.Value)
}

func TestCapture_Cycle(t *testing.T) {
	n := &node{Val: 1}
	n.Next = n

	snap := New(DefaultBounds()).Capture(NewScope(0).Bind("n", &n))

	assert.Len(t, snap.Objects, 2, "node and its Val")
	obj, _ := snap.Local("n")
	next, _ := obj.Fields.Get("Next")
	assert.Equal(t, obj.ID, next)
}

func TestCapture_DepthTruncation(t *testing.T) {
	head := chain(6)
	snap := New(DefaultBounds()).Capture(NewScope(0).Bind("head", &head))

	n1, _ := snap.Local("head")
	n2 := follow(t, snap, n1.ID, "Next")
	n3 := follow(t, snap, n2.ID, "Next")
	n4 := follow(t, snap, n3.ID, "Next")

	for _, expanded := range []*Object{n1, n2, n3} {
		assert.False(t, expanded.HasReason(ReasonDepth))
		assert.Len(t, expanded.Fields, 2)
	}
	assert.True(t, n4.HasReason(ReasonDepth))
	assert.Empty(t, n4.Fields, "stub contributes no children")
	assert.Equal(t, 2, n4.Size)

	assert.False(t, snap.Truncated)
	assert.Empty(t, snap.Dangling())
}

func TestCapture_ZeroDepthStubsChildren(t *testing.T) {
	head := chain(3)
	snap := New(Bounds{MaxDepth: 0}).Capture(NewScope(0).Bind("head", &head))

	n1, _ := snap.Local("head")
	assert.False(t, n1.HasReason(ReasonDepth))
	n2 := follow(t, snap, n1.ID, "Next")
	assert.True(t, n2.HasReason(ReasonDepth))
}

func TestCapture_WidthTruncation(t *testing.T) {
	items := make([]int, 150)
	for i := range items {
		items[i] = i
	}
	snap := New(DefaultBounds()).Capture(NewScope(0).Bind("items", &items))

	obj, ok := snap.Local("items")
	require.True(t, ok)
	assert.Equal(t, KindSequence, obj.Kind)
	assert.Equal(t, 150, obj.Size)
	assert.Len(t, obj.Elements, DefaultMaxContainerSize)
	assert.Equal(t, []Reason{ReasonCollectionSize}, obj.NotCapturedReason)

	first, ok := snap.Lookup(obj.Elements[0])
	require.True(t, ok)
	assert.Equal(t, "0", first.Value)
}

func TestCapture_MapEntries(t *testing.T) {
	m := map[string]int{"a": 1, "b": 2, "c": 3}
	snap := New(Bounds{MaxContainerSize: 2}).Capture(NewScope(0).Bind("m", &m))

	obj, _ := snap.Local("m")
	assert.Equal(t, KindMapping, obj.Kind)
	assert.Equal(t, 3, obj.Size)
	assert.Len(t, obj.Entries, 2)
	assert.True(t, obj.HasReason(ReasonCollectionSize))
	for _, e := range obj.Entries {
		k, ok := snap.Lookup(e.Key)
		require.True(t, ok)
		assert.Contains(t, []string{"a", "b", "c"}, k.Value)
	}
}

func TestCapture_FieldCount(t *testing.T) {
	type wide struct {
		A, B, C, D, E int
	}
	w := wide{1, 2, 3, 4, 5}
	snap := New(Bounds{MaxFields: 3}).Capture(NewScope(0).Bind("w", &w))

	obj, _ := snap.Local("w")
	assert.Equal(t, 5, obj.Size)
	require.Len(t, obj.Fields, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{obj.Fields[0].Name, obj.Fields[1].Name, obj.Fields[2].Name})
	assert.True(t, obj.HasReason(ReasonFieldCount))
}

func TestCapture_DeepAndWide(t *testing.T) {
	type holder struct{ Items []int }
	h := &holder{Items: make([]int, 10)}
	outer := []*holder{h}

	snap := New(Bounds{MaxDepth: 0, MaxContainerSize: 4}).Capture(NewScope(0).Bind("outer", &outer))

	o, _ := snap.Local("outer")
	inner, ok := snap.Lookup(o.Elements[0])
	require.True(t, ok)
	assert.Equal(t, []Reason{ReasonDepth}, inner.NotCapturedReason)

	snap = New(Bounds{MaxDepth: 0, MaxContainerSize: 4}).NewSession(nil).AddWatch("items", h.Items).Capture()
	obj, ok := snap.Lookup(snap.Watches["items"])
	require.True(t, ok)
	assert.Len(t, obj.Elements, 4)
	elem, ok := snap.Lookup(obj.Elements[0])
	require.True(t, ok)
	assert.Equal(t, KindPrimitive, elem.Kind)

	nested := [][]int{make([]int, 10)}
	snap = New(Bounds{MaxDepth: 0, MaxContainerSize: 4}).Capture(NewScope(0).Bind("nested", &nested))
	top, _ := snap.Local("nested")
	stub, ok := snap.Lookup(top.Elements[0])
	require.True(t, ok)
	assert.Equal(t, []Reason{ReasonDepth, ReasonCollectionSize}, stub.NotCapturedReason)
	assert.Equal(t, 10, stub.Size)
	assert.Empty(t, stub.Elements)
}

func TestCapture_ObjectBudget(t *testing.T) {
	grid := make([][]string, 50)
	for i := range grid {
		grid[i] = make([]string, 50)
		for j := range grid[i] {
			grid[i][j] = strings.Repeat("x", i+j+1)
		}
	}

	snap := New(Bounds{MaxObjects: 25}).Capture(NewScope(0).Bind("grid", &grid))

	assert.LessOrEqual(t, len(snap.Objects), 25)
	assert.True(t, snap.Truncated)
	assert.Equal(t, ReasonMaxObjects, snap.TruncatedReason)
}

func TestCapture_NoDanglingWithinBudget(t *testing.T) {
	m := map[string][]*account{
		"team": {{Name: "a"}, {Name: "b"}},
	}
	head := chain(5)
	scope := NewScope(0).Bind("m", &m).Bind("head", &head)

	snap := New(DefaultBounds()).Capture(scope)
	assert.False(t, snap.Truncated)
	assert.Empty(t, snap.Dangling())
}

func TestCapture_StringTruncation(t *testing.T) {
	s := strings.Repeat("é", 300)
	snap := New(DefaultBounds()).Capture(NewScope(0).Bind("s", &s))

	obj, _ := snap.Local("s")
	assert.True(t, obj.Truncated)
	assert.Equal(t, 300, obj.Size)
	assert.Equal(t, strings.Repeat("é", DefaultMaxLength), obj.Value)
}

func TestCapture_Primitives(t *testing.T) {
	var nilPtr *account
	var nilMap map[string]int
	b := []byte{0xde, 0xad, 0xbe, 0xef}
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	f := 1.5
	ok := true

	scope := NewScope(0).
		Bind("nilPtr", &nilPtr).
		Bind("nilMap", &nilMap).
		Bind("bytes", &b).
		Bind("ts", &ts).
		Bind("f", &f).
		Bind("ok", &ok).
		Bind("copy", 42)
	snap := New(DefaultBounds()).Capture(scope)

	get := func(name string) *Object {
		obj, found := snap.Local(name)
		require.True(t, found, name)
		return obj
	}
	assert.True(t, get("nilPtr").IsNull)
	assert.True(t, get("nilMap").IsNull)
	assert.Equal(t, "deadbeef", get("bytes").Value)
	assert.Equal(t, "2025-01-02T03:04:05Z", get("ts").Value)
	assert.Equal(t, "1.5", get("f").Value)
	assert.Equal(t, "true", get("ok").Value)
	assert.Equal(t, "42", get("copy").Value)
	assert.True(t, strings.HasPrefix(string(snap.Locals["nilPtr"]), "v"), "nil values get generated tokens")
}

func TestCapture_InterfaceLoopDoesNotHang(t *testing.T) {
	var x any
	x = &x

	snap := New(DefaultBounds()).Capture(NewScope(0).Bind("x", &x))
	_, ok := snap.Local("x")
	assert.True(t, ok)
}

func TestCapture_UnexportedFields(t *testing.T) {
	type secret struct {
		token string
		ids   []int
		inner *account
	}
	s := secret{token: "t", ids: []int{1, 2}, inner: &account{Name: "n"}}

	snap := New(DefaultBounds()).Capture(NewScope(0).Bind("s", &s))
	obj, _ := snap.Local("s")
	tok := follow(t, snap, obj.ID, "token")
	assert.Equal(t, "t", tok.Value)
	ids := follow(t, snap, obj.ID, "ids")
	assert.Len(t, ids.Elements, 2)
}

func TestCapture_Metadata(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e := New(DefaultBounds(), WithClock(func() time.Time { return fixed }))
	snap := e.Capture(NewScope(0), WithProbe("abc123"))

	assert.Equal(t, "snapshot", snap.Type)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "abc123", snap.Probe)
	assert.Equal(t, fixed, snap.Timestamp)
	assert.Equal(t, os.Getpid(), snap.PID)
	assert.Positive(t, snap.GoID)
	require.NotEmpty(t, snap.Stack)
	assert.Contains(t, snap.Stack[0].Function, "TestCapture_Metadata")
}

func TestCapture_StackCappedByObjectBudget(t *testing.T) {
	snap := New(Bounds{MaxObjects: 1}).Capture(NewScope(0))
	assert.Len(t, snap.Stack, 1)
}

func TestSnapshot_JSON(t *testing.T) {
	a := account{Name: "z", Count: 1}
	snap := New(DefaultBounds()).Capture(NewScope(0).Bind("a", &a))

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	obj := snap.Objects[snap.Locals["a"]]
	fields, err := json.Marshal(obj.Fields)
	require.NoError(t, err)
	assert.True(t, strings.Index(string(fields), `"Name"`) < strings.Index(string(fields), `"Count"`))

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, snap.Locals, decoded.Locals)
	assert.Equal(t, obj.Fields, decoded.Objects[snap.Locals["a"]].Fields)
}
