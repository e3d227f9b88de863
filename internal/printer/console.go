// Package printer renders one console line per proxied exchange.
package printer

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// ColorScheme maps exchange elements to terminal colors.
type ColorScheme struct {
	MethodGET    *color.Color
	MethodPOST   *color.Color
	MethodPUT    *color.Color
	MethodDELETE *color.Color
	MethodOther  *color.Color
	StatusOK     *color.Color
	StatusWarn   *color.Color
	StatusError  *color.Color
	ModeTag      *color.Color
	Detail       *color.Color
}

// NewColorScheme returns the default scheme.
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:    color.New(color.FgBlue, color.Bold),
		MethodPOST:   color.New(color.FgGreen, color.Bold),
		MethodPUT:    color.New(color.FgYellow, color.Bold),
		MethodDELETE: color.New(color.FgRed, color.Bold),
		MethodOther:  color.New(color.FgMagenta, color.Bold),
		StatusOK:     color.New(color.FgGreen),
		StatusWarn:   color.New(color.FgYellow),
		StatusError:  color.New(color.FgRed, color.Bold),
		ModeTag:      color.New(color.FgCyan),
		Detail:       color.New(color.FgHiBlack),
	}
}

// Exchange summarizes one completed proxy exchange for printing.
type Exchange struct {
	Mode     string
	Method   string
	Path     string
	Status   int
	BodySize int
	Duration time.Duration
}

// ConsolePrinter prints exchanges to stdout. A nil printer is valid and
// prints nothing.
type ConsolePrinter struct {
	scheme  *ColorScheme
	counter uint64
}

// NewConsolePrinter returns a printer, or nil when silent is set or
// stdout is not a terminal.
func NewConsolePrinter(silent bool) *ConsolePrinter {
	if silent || !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil
	}
	return &ConsolePrinter{scheme: NewColorScheme()}
}

// Print renders one exchange line.
func (p *ConsolePrinter) Print(e Exchange) {
	if p == nil {
		return
	}
	n := atomic.AddUint64(&p.counter, 1)
	fmt.Printf("%s %s %s %s %s\n",
		p.scheme.Detail.Sprintf("#%-5d", n),
		p.scheme.ModeTag.Sprintf("[%s]", e.Mode),
		p.methodColor(e.Method).Sprintf("%-7s", e.Method),
		e.Path,
		p.statusColor(e.Status).Sprintf("%d (%s, %s)",
			e.Status, humanize.Bytes(uint64(e.BodySize)), e.Duration.Round(time.Millisecond)),
	)
}

func (p *ConsolePrinter) methodColor(method string) *color.Color {
	switch method {
	case "GET":
		return p.scheme.MethodGET
	case "POST":
		return p.scheme.MethodPOST
	case "PUT", "PATCH":
		return p.scheme.MethodPUT
	case "DELETE":
		return p.scheme.MethodDELETE
	default:
		return p.scheme.MethodOther
	}
}

func (p *ConsolePrinter) statusColor(status int) *color.Color {
	switch {
	case status >= 500:
		return p.scheme.StatusError
	case status >= 400:
		return p.scheme.StatusWarn
	default:
		return p.scheme.StatusOK
	}
}
