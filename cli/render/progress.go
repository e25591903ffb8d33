package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gookit/color"

	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// Progress prints one line per build attempt while a repair session runs.
// It implements runtime.Observer.
type Progress struct {
	out     io.Writer
	noColor bool
	quiet   bool
	started time.Time
}

// NewProgress creates a progress printer writing to out. A quiet printer
// prints nothing.
func NewProgress(out io.Writer, noColor, quiet bool) *Progress {
	return &Progress{out: out, noColor: noColor, quiet: quiet}
}

// OnAttemptStart announces a build attempt.
func (p *Progress) OnAttemptStart(index, maxAttempts int) {
	p.started = time.Now()
	if p.quiet {
		return
	}
	fmt.Fprintf(p.out, "%s attempt %d/%d: building\n", p.paint(color.Info, "==>"), index, maxAttempts)
}

// OnAttemptDone reports the classified result of an attempt.
func (p *Progress) OnAttemptDone(rec types.AttemptRecord) {
	if p.quiet {
		return
	}
	elapsed := time.Since(p.started).Round(time.Second)

	switch rec.Outcome {
	case types.AttemptSuccess:
		fmt.Fprintf(p.out, "    %s in %s\n", p.paint(color.Success, "build succeeded"), elapsed)
		return
	case types.AttemptRuleExhausted:
		fmt.Fprintf(p.out, "    %s in %s: %s\n", p.paint(color.Danger, "no applicable rule"), elapsed, describeSignature(rec.Signature))
		return
	}

	status := "build failed"
	if rec.TimedOut {
		status = "build timed out"
	}
	fmt.Fprintf(p.out, "    %s in %s: %s\n", p.paint(color.Warn, status), elapsed, describeSignature(rec.Signature))
	if rec.Applied != nil {
		fmt.Fprintf(p.out, "    %s %s\n", p.paint(color.Cyan, "applying"), rec.Applied)
	}
}

func (p *Progress) paint(s interface{ Sprint(...any) string }, text string) string {
	if p.noColor {
		return text
	}
	return s.Sprint(text)
}

func describeSignature(sig *types.FailureSignature) string {
	if sig == nil {
		return "unclassified"
	}
	var b strings.Builder
	b.WriteString(string(sig.Category))
	if sig.Package.Name != "" {
		fmt.Fprintf(&b, " in %s", sig.Package)
	}
	if len(sig.Evidence) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(sig.Evidence, ", "))
	}
	return b.String()
}
