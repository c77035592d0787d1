package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	stepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	urlStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

// ui writes console output. Styles degrade to plain text when the output is
// not a terminal.
type ui struct {
	out   io.Writer
	err   io.Writer
	plain bool
}

func (u *ui) render(s lipgloss.Style, text string) string {
	if u.plain {
		return text
	}
	return s.Render(text)
}

func (u *ui) Success(msg string) { _, _ = fmt.Fprintln(u.out, u.render(successStyle, "✓")+" "+msg) }
func (u *ui) Warning(msg string) { _, _ = fmt.Fprintln(u.out, u.render(warningStyle, "⚠")+" "+msg) }
func (u *ui) Step(msg string)    { _, _ = fmt.Fprintln(u.out, u.render(stepStyle, "▶")+" "+msg) }
func (u *ui) Info(msg string)    { _, _ = fmt.Fprintln(u.out, u.render(stepStyle, "ℹ")+" "+msg) }
func (u *ui) Header(msg string)  { _, _ = fmt.Fprintln(u.out, u.render(boldStyle, msg)+"\n") }
func (u *ui) Println(msg string) { _, _ = fmt.Fprintln(u.out, msg) }
func (u *ui) Blank()             { _, _ = fmt.Fprintln(u.out) }

func (u *ui) Printf(format string, args ...any) { _, _ = fmt.Fprintf(u.out, format, args...) }

// Failure prints a red cross line to stderr.
func (u *ui) Failure(msg string) { _, _ = fmt.Fprintln(u.err, u.render(errorStyle, "✗")+" "+msg) }

// Hint prints "Use <cmd> to <what>".
func (u *ui) Hint(cmd, what string) {
	_, _ = fmt.Fprintf(u.out, "Use %s to %s\n", u.render(urlStyle, cmd), what)
}

func (u *ui) Bold(s string) string   { return u.render(boldStyle, s) }
func (u *ui) URL(s string) string    { return u.render(urlStyle, s) }
func (u *ui) Subtle(s string) string { return u.render(subtleStyle, s) }
func (u *ui) Green(s string) string  { return u.render(successStyle, s) }
func (u *ui) Red(s string) string    { return u.render(errorStyle, s) }

// printError prints err and every cause below it.
func printError(u *ui, chain []error) {
	if len(chain) == 0 {
		return
	}
	_, _ = fmt.Fprintf(u.err, "%s %v\n", u.render(errorStyle, "Error:"), chain[0])
	seen := map[string]bool{chain[0].Error(): true}
	for _, cause := range chain[1:] {
		msg := cause.Error()
		if seen[msg] {
			continue
		}
		seen[msg] = true
		_, _ = fmt.Fprintf(u.err, "  %s %s\n", u.render(warningStyle, "Caused by:"), msg)
	}
}
