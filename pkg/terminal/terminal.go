// Package terminal is for terminal outputting
package terminal

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/sciencegateway/jobgate/pkg/errors"
)

type Terminal struct {
	out     io.Writer
	verbose io.Writer
	err     io.Writer

	Green  func(format string, a ...interface{}) string
	Yellow func(format string, a ...interface{}) string
	Red    func(format string, a ...interface{}) string
	Blue   func(format string, a ...interface{}) string
}

func New() (t *Terminal) {
	return NewWithWriters(os.Stdout, os.Stderr)
}

// NewWithWriters sends regular and verbose output to out and errors to err.
func NewWithWriters(out, err io.Writer) *Terminal {
	return &Terminal{
		out:     out,
		verbose: out,
		err:     err,
		Green:   color.New(color.FgGreen).SprintfFunc(),
		Yellow:  color.New(color.FgYellow).SprintfFunc(),
		Red:     color.New(color.FgRed).SprintfFunc(),
		Blue:    color.New(color.FgBlue).SprintfFunc(),
	}
}

// SetVerbose controls Printf. Vprint and tables are always shown.
func (t *Terminal) SetVerbose(verbose bool) {
	if verbose {
		t.out = t.verbose
	} else {
		t.out = silentWriter{}
	}
}

func (t *Terminal) Printf(format string, a ...interface{}) {
	fmt.Fprintf(t.out, format, a...)
}

func (t *Terminal) Vprint(a string) {
	fmt.Fprintln(t.verbose, a)
}

func (t *Terminal) Vprintf(format string, a ...interface{}) {
	fmt.Fprintf(t.verbose, format, a...)
}

func (t *Terminal) Eprint(a string) {
	fmt.Fprintln(t.err, a)
}

// Errprint prints err, an optional note, and the error's directive when it
// has one.
func (t *Terminal) Errprint(err error, a string) {
	t.Eprint(t.Red("Error: " + err.Error()))
	if a != "" {
		t.Eprint(t.Red(a))
	}
	if d, ok := errors.DirectiveOf(err); ok {
		t.Eprint(t.Yellow(d))
	}
}

type silentWriter struct{}

func (w silentWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

func (t *Terminal) NewSpinner() *spinner.Spinner {
	s := spinner.New(spinner.CharSets[11], 100*time.Millisecond, spinner.WithWriter(t.err))
	s.Color("cyan") //nolint:errcheck // cyan is a valid color
	return s
}

// NewByteProgressBar tracks a transfer of total bytes. A negative total
// renders a spinner-style bar.
func (t *Terminal) NewByteProgressBar(description string, total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(t.err),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(15),
		progressbar.OptionSetDescription(description),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(t.err) }),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))
}
