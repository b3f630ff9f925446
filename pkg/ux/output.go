// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders CLI output.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconBullet  Icon = "•"
)

// Render returns the icon with its status color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

func (i Icon) plain() string {
	switch i {
	case IconSuccess:
		return "OK"
	case IconWarning:
		return "WARN"
	case IconError:
		return "ERROR"
	case IconPending:
		return "PENDING"
	default:
		return "-"
	}
}

// Printer writes styled output. A plain printer writes tab-separated,
// uncolored lines suitable for scripts.
type Printer struct {
	w     io.Writer
	plain bool
}

// NewPrinter returns a printer for w. Output is plain unless w is a
// terminal.
func NewPrinter(w io.Writer) *Printer {
	plain := true
	if f, ok := w.(*os.File); ok {
		plain = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	}
	return &Printer{w: w, plain: plain}
}

// NewPlainPrinter returns a printer that never styles.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w, plain: true}
}

// Plain reports whether output is unstyled.
func (p *Printer) Plain() bool {
	return p.plain
}

// Title prints a heading. Plain printers skip it.
func (p *Printer) Title(text string) {
	if p.plain {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Status prints one line led by an icon, with an optional muted note.
func (p *Printer) Status(icon Icon, text, note string) {
	if p.plain {
		if note != "" {
			fmt.Fprintf(p.w, "%s\t%s\t%s\n", icon.plain(), text, note)
		} else {
			fmt.Fprintf(p.w, "%s\t%s\n", icon.plain(), text)
		}
		return
	}
	if note != "" {
		fmt.Fprintf(p.w, "%s %s %s\n", icon.Render(), text, Styles.Muted.Render("("+note+")"))
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", icon.Render(), text)
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	p.Status(IconSuccess, text, "")
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	p.Status(IconWarning, text, "")
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	p.Status(IconError, text, "")
}

// Field prints a key and value.
func (p *Printer) Field(key, value string) {
	if p.plain {
		fmt.Fprintf(p.w, "%s\t%s\n", key, value)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", Styles.Muted.Render(key+":"), value)
}

// Box prints a titled block of lines.
func (p *Printer) Box(title string, lines []string) {
	if p.plain {
		for _, l := range lines {
			fmt.Fprintf(p.w, "%s\t%s\n", title, l)
		}
		return
	}
	body := Styles.Title.Render(title)
	if len(lines) > 0 {
		body += "\n" + strings.Join(lines, "\n")
	}
	fmt.Fprintln(p.w, Styles.Box.Render(body))
}

// Summary prints counts in order, e.g. Summary("active", 3, "failed", 1).
func (p *Printer) Summary(kv ...any) {
	var parts []string
	for i := 0; i+1 < len(kv); i += 2 {
		label, n := fmt.Sprint(kv[i]), fmt.Sprint(kv[i+1])
		if p.plain {
			parts = append(parts, label+"="+n)
		} else {
			parts = append(parts, Styles.Bold.Render(n)+" "+Styles.Muted.Render(label))
		}
	}
	if p.plain {
		fmt.Fprintf(p.w, "SUMMARY\t%s\n", strings.Join(parts, " "))
		return
	}
	fmt.Fprintf(p.w, "\n%s\n", strings.Join(parts, "  "))
}
