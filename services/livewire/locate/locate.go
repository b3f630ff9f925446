// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package locate maps source lines to the functions that contain them.
//
// A Go source file is parsed with tree-sitter into function, method, and
// function literal spans. A line can carry a probe only when it lies inside
// a function body.
package locate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MaxFileSize is the largest source file Parse accepts (10MB).
	MaxFileSize = 10 * 1024 * 1024

	// WarnFileSize is the size above which a warning is logged (1MB).
	WarnFileSize = 1 * 1024 * 1024
)

var (
	// ErrFileTooLarge is returned for content above MaxFileSize.
	ErrFileTooLarge = errors.New("file exceeds maximum size limit")

	// ErrInvalidContent is returned for content that is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid content")
)

var tracer = otel.Tracer("livewire.locate")

// Kind is the syntactic form of a function.
type Kind string

const (
	KindFunction Kind = "function"
	KindMethod   Kind = "method"
	KindLiteral  Kind = "literal"
)

// Function is the line span of one function.
type Function struct {
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	BodyStart int    `json:"bodyStart"`
	BodyEnd   int    `json:"bodyEnd"`
}

// covers reports whether line lies in the function body.
func (f Function) covers(line int) bool {
	return line >= f.BodyStart && line <= f.BodyEnd
}

// File is a parsed source file.
type File struct {
	path      string
	functions []Function
	syntaxErr bool
}

// Path returns the absolute path of the file.
func (f *File) Path() string {
	return f.path
}

// Contains reports whether a probe can attach to line.
func (f *File) Contains(line int) bool {
	for _, fn := range f.functions {
		if fn.covers(line) {
			return true
		}
	}
	return false
}

// FunctionsAt returns the functions whose body contains line, innermost first.
func (f *File) FunctionsAt(line int) []Function {
	var out []Function
	for _, fn := range f.functions {
		if fn.covers(line) {
			out = append(out, fn)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BodyEnd-out[i].BodyStart < out[j].BodyEnd-out[j].BodyStart
	})
	return out
}

// Functions returns every function in source order.
func (f *File) Functions() []Function {
	out := make([]Function, len(f.functions))
	copy(out, f.functions)
	return out
}

// HasSyntaxErrors reports whether tree-sitter recovered from errors.
func (f *File) HasSyntaxErrors() bool {
	return f.syntaxErr
}

// ParseFile reads and parses a source file. The path is made absolute.
func ParseFile(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, abs, info.Size())
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	return Parse(context.Background(), content, abs)
}

// Parse extracts function spans from Go source.
func Parse(ctx context.Context, content []byte, path string) (*File, error) {
	ctx, span := tracer.Start(ctx, "locate.Parse",
		trace.WithAttributes(
			attribute.String("locate.file", path),
			attribute.Int("locate.content_size", len(content)),
		),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled before start: %w", err)
	}
	if len(content) > MaxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), MaxFileSize)
	}
	if len(content) > WarnFileSize {
		slog.Warn("parsing large file",
			slog.String("file", path),
			slog.Int("size_bytes", len(content)))
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	file := &File{path: path}
	root := tree.RootNode()
	if root == nil {
		return file, nil
	}
	file.syntaxErr = root.HasError()
	file.functions = collect(root, content)

	span.SetAttributes(attribute.Int("locate.function_count", len(file.functions)))
	return file, nil
}

// collect walks the tree in source order.
func collect(root *sitter.Node, content []byte) []Function {
	var out []Function
	type frame struct {
		node  *sitter.Node
		outer string
	}
	stack := []frame{{node: root}}
	literals := make(map[string]int)

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := top.node
		outer := top.outer

		switch n.Type() {
		case "function_declaration", "method_declaration", "func_literal":
			if fn, ok := spanOf(n, content, outer, literals); ok {
				out = append(out, fn)
				outer = fn.Name
			}
		}

		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: n.Child(i), outer: outer})
		}
	}
	return out
}

func spanOf(n *sitter.Node, content []byte, outer string, literals map[string]int) (Function, bool) {
	body := n.ChildByFieldName("body")
	if body == nil {
		return Function{}, false
	}
	fn := Function{
		StartLine: int(n.StartPoint().Row + 1),
		EndLine:   int(n.EndPoint().Row + 1),
		BodyStart: int(body.StartPoint().Row + 1),
		BodyEnd:   int(body.EndPoint().Row + 1),
	}

	switch n.Type() {
	case "function_declaration":
		fn.Kind = KindFunction
		fn.Name = text(n.ChildByFieldName("name"), content)
	case "method_declaration":
		fn.Kind = KindMethod
		fn.Name = receiverType(n.ChildByFieldName("receiver"), content) + "." + text(n.ChildByFieldName("name"), content)
	default:
		fn.Kind = KindLiteral
		if outer == "" {
			outer = "glob"
		}
		literals[outer]++
		fn.Name = fmt.Sprintf("%s.func%d", outer, literals[outer])
	}
	return fn, true
}

// receiverType renders "(s *Server)" as "(*Server)" and "(Server)" as "Server".
func receiverType(recv *sitter.Node, content []byte) string {
	raw := strings.Trim(text(recv, content), "()")
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	typ := fields[len(fields)-1]
	if strings.HasPrefix(typ, "*") {
		return "(" + typ + ")"
	}
	return typ
}

func text(n *sitter.Node, content []byte) string {
	if n == nil {
		return ""
	}
	return string(content[n.StartByte():n.EndByte()])
}
