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
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ObjectID is an identity token. Tokens are "<hex address>:<type>" for
// values with stable storage and "v<n>" for copied values.
type ObjectID string

// Kind classifies a captured object.
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindSequence  Kind = "sequence"
	KindMapping   Kind = "mapping"
	KindGeneric   Kind = "generic"
)

// Reason explains why part of an object was not captured.
type Reason string

const (
	// ReasonDepth marks a container or struct below the depth budget.
	ReasonDepth Reason = "depth"

	// ReasonCollectionSize marks a container with more than MaxContainerSize items.
	ReasonCollectionSize Reason = "collectionSize"

	// ReasonFieldCount marks a struct with more than MaxFields fields.
	ReasonFieldCount Reason = "fieldCount"

	// ReasonMaxObjects is the snapshot-level reason when the object budget ran out.
	ReasonMaxObjects Reason = "maxObjects"
)

// Object is one captured value.
type Object struct {
	ID                ObjectID   `json:"id"`
	Kind              Kind       `json:"kind"`
	Type              string     `json:"type"`
	Value             string     `json:"value,omitempty"`
	IsNull            bool       `json:"isNull,omitempty"`
	Truncated         bool       `json:"truncated,omitempty"`
	Size              int        `json:"size,omitempty"`
	Elements          []ObjectID `json:"elements,omitempty"`
	Entries           []Entry    `json:"entries,omitempty"`
	Fields            FieldList  `json:"fields,omitempty"`
	NotCapturedReason []Reason   `json:"notCapturedReason,omitempty"`
}

// HasReason reports whether r is among the object's truncation reasons.
func (o *Object) HasReason(r Reason) bool {
	for _, have := range o.NotCapturedReason {
		if have == r {
			return true
		}
	}
	return false
}

// Children returns every token the object refers to.
func (o *Object) Children() []ObjectID {
	out := make([]ObjectID, 0, len(o.Elements)+2*len(o.Entries)+len(o.Fields))
	out = append(out, o.Elements...)
	for _, e := range o.Entries {
		out = append(out, e.Key, e.Value)
	}
	for _, f := range o.Fields {
		out = append(out, f.ID)
	}
	return out
}

// Entry is one key/value pair of a mapping.
type Entry struct {
	Key   ObjectID `json:"key"`
	Value ObjectID `json:"value"`
}

// Field is one struct field of a generic object.
type Field struct {
	Name string
	ID   ObjectID
}

// FieldList keeps struct fields in declaration order. It encodes as a JSON
// object whose keys appear in that order.
type FieldList []Field

// Get returns the token for a field name.
func (fl FieldList) Get(name string) (ObjectID, bool) {
	for _, f := range fl {
		if f.Name == name {
			return f.ID, true
		}
	}
	return "", false
}

// MarshalJSON writes the fields as an ordered JSON object.
func (fl FieldList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fl {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		id, err := json.Marshal(string(f.ID))
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(id)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an ordered JSON object.
func (fl *FieldList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*fl = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("fields: expected object, got %v", tok)
	}
	var out FieldList
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("fields: expected key, got %v", keyTok)
		}
		var id string
		if err := dec.Decode(&id); err != nil {
			return fmt.Errorf("fields: %s: %w", name, err)
		}
		out = append(out, Field{Name: name, ID: ObjectID(id)})
	}
	*fl = out
	return nil
}

// Frame is one call stack entry.
type Frame struct {
	FileName   string `json:"fileName"`
	Function   string `json:"function"`
	LineNumber int    `json:"lineNumber"`
}

// Snapshot is a bounded, deduplicated capture of live state.
//
// Every token in Locals, Watches, and object children has an entry in
// Objects unless Truncated is set.
type Snapshot struct {
	Type            string               `json:"type"`
	ID              string               `json:"id"`
	Probe           string               `json:"probe,omitempty"`
	Timestamp       time.Time            `json:"timestamp"`
	Locals          map[string]ObjectID  `json:"locals"`
	Watches         map[string]ObjectID  `json:"watches"`
	Objects         map[ObjectID]*Object `json:"objects"`
	Stack           []Frame              `json:"stack"`
	TID             int                  `json:"tid"`
	GoID            int64                `json:"goid"`
	PID             int                  `json:"pid"`
	Truncated       bool                 `json:"truncated"`
	TruncatedReason Reason               `json:"truncatedReason,omitempty"`
}

// Lookup returns the object a token refers to.
func (s *Snapshot) Lookup(id ObjectID) (*Object, bool) {
	o, ok := s.Objects[id]
	return o, ok
}

// Local returns the object bound to a local variable name.
func (s *Snapshot) Local(name string) (*Object, bool) {
	id, ok := s.Locals[name]
	if !ok {
		return nil, false
	}
	return s.Lookup(id)
}

// Dangling returns tokens referenced by the snapshot with no object entry.
func (s *Snapshot) Dangling() []ObjectID {
	var out []ObjectID
	check := func(id ObjectID) {
		if _, ok := s.Objects[id]; !ok {
			out = append(out, id)
		}
	}
	for _, id := range s.Locals {
		check(id)
	}
	for _, id := range s.Watches {
		check(id)
	}
	for _, o := range s.Objects {
		for _, id := range o.Children() {
			check(id)
		}
	}
	return out
}

// Reasons counts truncation reasons across all objects, plus the
// snapshot-level budget reason.
func (s *Snapshot) Reasons() map[Reason]int {
	out := make(map[Reason]int)
	for _, o := range s.Objects {
		for _, r := range o.NotCapturedReason {
			out[r]++
		}
	}
	if s.Truncated {
		out[s.TruncatedReason]++
	}
	return out
}
