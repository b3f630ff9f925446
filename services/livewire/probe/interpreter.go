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
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/scanner"
)

// Arg is one evaluated action argument. Name is set when the argument was
// an identifier; Value then holds the bound value.
type Arg struct {
	Name  string
	Value any
}

// Action implements one statement verb.
type Action func(ctx context.Context, inv *Invocation, args []Arg) error

// InterpreterOption configures an Interpreter.
type InterpreterOption func(*Interpreter)

// WithOutput sets where print writes. Defaults to stdout.
func WithOutput(w io.Writer) InterpreterOption {
	return func(in *Interpreter) {
		if w != nil {
			in.out = w
		}
	}
}

// Interpreter evaluates probe statements.
//
// A statement is a sequence of lines. Each line is one of
//
//	import <package>
//	set <name> = <expr>
//	<action> <expr>...
//	<package>.<action> <expr>...
//
// where an expression is a Go literal (string, number, rune, true, false,
// nil) or a name bound in the execution context. Action arguments may be
// separated by commas and wrapped in parentheses, as in print(x, y). print and fail are always
// available; other actions come from imported packages. Lines starting with
// // are comments.
type Interpreter struct {
	outMu sync.Mutex
	out   io.Writer

	mu       sync.RWMutex
	packages map[string]map[string]Action

	programs sync.Map // source -> *program, until Forget
}

// NewInterpreter creates an interpreter with only the built-in actions.
func NewInterpreter(opts ...InterpreterOption) *Interpreter {
	in := &Interpreter{
		out:      os.Stdout,
		packages: make(map[string]map[string]Action),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// RegisterPackage makes actions importable as name. Registering a name
// again replaces its actions.
func (in *Interpreter) RegisterPackage(name string, actions map[string]Action) {
	cp := make(map[string]Action, len(actions))
	for k, v := range actions {
		cp[k] = v
	}
	in.mu.Lock()
	in.packages[name] = cp
	in.mu.Unlock()
}

// Packages returns the registered package names, sorted.
func (in *Interpreter) Packages() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]string, 0, len(in.packages))
	for name := range in.packages {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Eval runs the probe statement against inv.Context.
func (in *Interpreter) Eval(ctx context.Context, inv *Invocation) error {
	prog, err := in.compile(inv.Probe.Source())
	if err != nil {
		return err
	}

	var imported []string
	for _, st := range prog.stmts {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch st.kind {
		case stmtImport:
			if !in.hasPackage(st.name) {
				return fmt.Errorf("line %d: %w: %s", st.line, ErrUnknownImport, st.name)
			}
			imported = append(imported, st.name)

		case stmtSet:
			arg, err := st.args[0].eval(inv)
			if err != nil {
				return fmt.Errorf("line %d: %w", st.line, err)
			}
			if inv.Context == nil {
				return fmt.Errorf("line %d: %w: %s", st.line, ErrUndefined, st.name)
			}
			if err := inv.Context.Set(st.name, arg.Value); err != nil {
				return fmt.Errorf("line %d: set %s: %w", st.line, st.name, err)
			}

		case stmtCall:
			action, err := in.resolve(st, imported)
			if err != nil {
				return err
			}
			args := make([]Arg, 0, len(st.args))
			for _, t := range st.args {
				arg, err := t.eval(inv)
				if err != nil {
					return fmt.Errorf("line %d: %w", st.line, err)
				}
				args = append(args, arg)
			}
			if err := action(ctx, inv, args); err != nil {
				return err
			}
		}
	}
	return nil
}

// Check parses a probe source and verifies its imports and actions
// without running it.
func (in *Interpreter) Check(source string) error {
	prog, err := in.compile(source)
	if err != nil {
		return err
	}
	var imported []string
	for _, st := range prog.stmts {
		switch st.kind {
		case stmtImport:
			if !in.hasPackage(st.name) {
				return fmt.Errorf("line %d: %w: %s", st.line, ErrUnknownImport, st.name)
			}
			imported = append(imported, st.name)
		case stmtCall:
			if _, err := in.resolve(st, imported); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in *Interpreter) hasPackage(name string) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	_, ok := in.packages[name]
	return ok
}

func (in *Interpreter) resolve(st *stmt, imported []string) (Action, error) {
	if st.pkg == "" {
		switch st.name {
		case "print":
			return in.print, nil
		case "fail":
			return fail, nil
		}
	}

	in.mu.RLock()
	defer in.mu.RUnlock()
	if st.pkg != "" {
		for _, name := range imported {
			if name != st.pkg {
				continue
			}
			if a, ok := in.packages[name][st.name]; ok {
				return a, nil
			}
		}
		return nil, fmt.Errorf("line %d: %w: %s.%s", st.line, ErrUnknownAction, st.pkg, st.name)
	}
	for _, name := range imported {
		if a, ok := in.packages[name][st.name]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("line %d: %w: %s", st.line, ErrUnknownAction, st.name)
}

func (in *Interpreter) print(_ context.Context, _ *Invocation, args []Arg) error {
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	in.outMu.Lock()
	defer in.outMu.Unlock()
	_, err := fmt.Fprintln(in.out, vals...)
	return err
}

func fail(_ context.Context, _ *Invocation, args []Arg) error {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a.Value)
	}
	if len(parts) == 0 {
		return ErrProbeFailed
	}
	return fmt.Errorf("%w: %s", ErrProbeFailed, strings.Join(parts, " "))
}

// Forget drops the compiled form of source. The registry calls it when a
// probe is retired, so edited statements do not accumulate.
func (in *Interpreter) Forget(source string) {
	in.programs.Delete(source)
}

var (
	_ Evaluator = (*Interpreter)(nil)
	_ Forgetter = (*Interpreter)(nil)
)

// compile parses source, caching the result.
func (in *Interpreter) compile(source string) (*program, error) {
	if p, ok := in.programs.Load(source); ok {
		prog := p.(*program)
		return prog, prog.err
	}
	prog := parse(source)
	in.programs.Store(source, prog)
	return prog, prog.err
}

type stmtKind int

const (
	stmtImport stmtKind = iota
	stmtSet
	stmtCall
)

type stmt struct {
	kind stmtKind
	line int
	pkg  string
	name string
	args []term
}

type program struct {
	stmts []*stmt
	err   error
}

// term is an unevaluated expression: an identifier or a literal.
type term struct {
	ident string
	value any
}

func (t term) eval(inv *Invocation) (Arg, error) {
	if t.ident == "" {
		return Arg{Value: t.value}, nil
	}
	if inv.Context != nil {
		if v, ok := inv.Context.Get(t.ident); ok {
			return Arg{Name: t.ident, Value: v}, nil
		}
	}
	return Arg{}, fmt.Errorf("%w: %s", ErrUndefined, t.ident)
}

type lexeme struct {
	tok  rune
	text string
}

func parse(source string) *program {
	prog := &program{}
	for i, line := range strings.Split(source, "\n") {
		lexemes, err := scanLine(line)
		if err != nil {
			prog.err = fmt.Errorf("line %d: %w: %v", i+1, ErrSyntax, err)
			return prog
		}
		if len(lexemes) == 0 {
			continue
		}
		st, err := parseStmt(lexemes)
		if err != nil {
			prog.err = fmt.Errorf("line %d: %w: %v", i+1, ErrSyntax, err)
			return prog
		}
		st.line = i + 1
		prog.stmts = append(prog.stmts, st)
	}
	return prog
}

func scanLine(line string) ([]lexeme, error) {
	var (
		s      scanner.Scanner
		errMsg string
	)
	s.Init(strings.NewReader(line))
	s.Mode = scanner.GoTokens
	s.Error = func(_ *scanner.Scanner, msg string) {
		if errMsg == "" {
			errMsg = msg
		}
	}

	var out []lexeme
	for tok := s.Scan(); tok != scanner.EOF; tok = s.Scan() {
		out = append(out, lexeme{tok: tok, text: s.TokenText()})
	}
	if errMsg != "" {
		return nil, fmt.Errorf("%s", errMsg)
	}
	return out, nil
}

func parseStmt(lx []lexeme) (*stmt, error) {
	if lx[0].tok != scanner.Ident {
		return nil, fmt.Errorf("statement starts with %q", lx[0].text)
	}

	switch lx[0].text {
	case "import":
		if len(lx) != 2 || lx[1].tok != scanner.Ident {
			return nil, fmt.Errorf("import takes one package name")
		}
		return &stmt{kind: stmtImport, name: lx[1].text}, nil

	case "set":
		if len(lx) < 4 || lx[1].tok != scanner.Ident || lx[2].tok != '=' {
			return nil, fmt.Errorf("want: set <name> = <expr>")
		}
		t, rest, err := parseTerm(lx[3:])
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("unexpected %q after expression", rest[0].text)
		}
		return &stmt{kind: stmtSet, name: lx[1].text, args: []term{t}}, nil
	}

	st := &stmt{kind: stmtCall, name: lx[0].text}
	rest := lx[1:]
	if len(rest) >= 2 && rest[0].tok == '.' && rest[1].tok == scanner.Ident {
		st.pkg, st.name = st.name, rest[1].text
		rest = rest[2:]
	}
	if len(rest) > 0 && rest[0].tok == '(' {
		if rest[len(rest)-1].tok != ')' {
			return nil, fmt.Errorf("missing ')' after arguments to %s", st.name)
		}
		rest = rest[1 : len(rest)-1]
	}
	for len(rest) > 0 {
		if rest[0].tok == ',' {
			rest = rest[1:]
			continue
		}
		t, next, err := parseTerm(rest)
		if err != nil {
			return nil, err
		}
		st.args = append(st.args, t)
		rest = next
	}
	return st, nil
}

func parseTerm(lx []lexeme) (term, []lexeme, error) {
	neg := false
	if lx[0].tok == '-' {
		if len(lx) < 2 || (lx[1].tok != scanner.Int && lx[1].tok != scanner.Float) {
			return term{}, nil, fmt.Errorf("'-' must precede a number")
		}
		neg = true
		lx = lx[1:]
	}

	l := lx[0]
	switch l.tok {
	case scanner.Ident:
		switch l.text {
		case "true":
			return term{value: true}, lx[1:], nil
		case "false":
			return term{value: false}, lx[1:], nil
		case "nil":
			return term{value: nil}, lx[1:], nil
		}
		return term{ident: l.text}, lx[1:], nil

	case scanner.Int:
		n, err := strconv.ParseInt(l.text, 0, 64)
		if err != nil {
			return term{}, nil, fmt.Errorf("integer %s: %w", l.text, err)
		}
		if neg {
			n = -n
		}
		return term{value: int(n)}, lx[1:], nil

	case scanner.Float:
		f, err := strconv.ParseFloat(l.text, 64)
		if err != nil {
			return term{}, nil, fmt.Errorf("float %s: %w", l.text, err)
		}
		if neg {
			f = -f
		}
		return term{value: f}, lx[1:], nil

	case scanner.String, scanner.RawString:
		s, err := strconv.Unquote(l.text)
		if err != nil {
			return term{}, nil, fmt.Errorf("string %s: %w", l.text, err)
		}
		return term{value: s}, lx[1:], nil

	case scanner.Char:
		r, _, _, err := strconv.UnquoteChar(l.text[1:len(l.text)-1], '\'')
		if err != nil {
			return term{}, nil, fmt.Errorf("rune %s: %w", l.text, err)
		}
		return term{value: r}, lx[1:], nil
	}
	return term{}, nil, fmt.Errorf("unexpected %q", l.text)
}
