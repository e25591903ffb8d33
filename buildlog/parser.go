// Package buildlog turns raw build output into a normalized FailureSignature.
//
// Classification is an ordered scan: the output is split into per-derivation
// sections (the runner appends `nix log` output under SectionHeader lines),
// each section is tested against the extractors in order, and the first
// match wins. Output nothing recognizes is reported as unclassified with a
// tail excerpt so a human can follow up.
package buildlog

import (
	"bytes"
	"strings"

	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

// SectionHeader prefixes the line introducing one derivation's log.
const SectionHeader = "==> nix log "

const (
	// UnclassifiedTailLines bounds the excerpt of unclassified output.
	UnclassifiedTailLines = 200
	// excerptContext is the number of lines kept on each side of a match.
	excerptContext = 10
)

// Parser classifies build output. It holds no state between calls.
type Parser struct {
	extractors []Extractor
}

// NewParser returns a parser with the default extractors.
func NewParser() *Parser {
	return NewParserWith(DefaultExtractors()...)
}

// NewParserWith returns a parser with the given extractors, in order.
func NewParserWith(extractors ...Extractor) *Parser {
	return &Parser{extractors: extractors}
}

// Extractors returns the extractors in the order they are tried.
func (p *Parser) Extractors() []Extractor {
	out := make([]Extractor, len(p.extractors))
	copy(out, p.extractors)
	return out
}

// Section is one classifiable slice of the build output.
type Section struct {
	// Derivation is the failed derivation the text belongs to, if known.
	Derivation string
	Text       string
}

// Classify produces the signature for a failed build. It never fails:
// output no extractor recognizes yields CategoryUnclassified.
func (p *Parser) Classify(output []byte) types.FailureSignature {
	for _, sec := range SplitSections(output) {
		if sig, ok := p.classifySection(sec); ok {
			return sig
		}
	}
	return types.FailureSignature{
		Category:   types.CategoryUnclassified,
		Evidence:   []string{},
		RawExcerpt: tail(string(output), UnclassifiedTailLines),
	}
}

func (p *Parser) classifySection(sec Section) (types.FailureSignature, bool) {
	for _, ex := range p.extractors {
		loc := ex.Pattern.FindStringSubmatchIndex(sec.Text)
		if loc == nil {
			continue
		}
		match := make([]string, len(loc)/2)
		for i := range match {
			if loc[2*i] >= 0 {
				match[i] = sec.Text[loc[2*i]:loc[2*i+1]]
			}
		}
		evidence := ex.Evidence(match)
		if evidence == nil {
			continue
		}
		sig := types.FailureSignature{
			Category:   ex.Category,
			Evidence:   evidence,
			RawExcerpt: around(sec.Text, loc[0], excerptContext),
			Derivation: sec.Derivation,
			Extractor:  ex.ID,
		}
		if sec.Derivation != "" {
			if pkg, ok := ParseDerivation(sec.Derivation); ok {
				sig.Package = pkg
			}
		}
		return sig, true
	}
	return types.FailureSignature{}, false
}

// TimeoutSignature is the signature recorded for a build killed by the
// per-attempt timeout.
func TimeoutSignature(output []byte) types.FailureSignature {
	return types.FailureSignature{
		Category:   types.CategoryBuildPhaseFailure,
		Evidence:   []string{KindTimeout},
		RawExcerpt: tail(string(output), excerptContext*2),
		Extractor:  KindTimeout,
	}
}

// SplitSections splits output into the per-derivation logs appended by the
// runner, followed by the main build output. The main output is attributed
// to the first failed derivation it reports.
func SplitSections(output []byte) []Section {
	var (
		main     strings.Builder
		sections []Section
		cur      *Section
		body     strings.Builder
	)
	flush := func() {
		if cur != nil {
			cur.Text = body.String()
			sections = append(sections, *cur)
			body.Reset()
		}
	}

	for _, line := range bytes.SplitAfter(output, []byte("\n")) {
		s := string(line)
		if drv, ok := strings.CutPrefix(s, SectionHeader); ok {
			flush()
			cur = &Section{Derivation: strings.TrimSpace(drv)}
			continue
		}
		if cur != nil {
			body.WriteString(s)
		} else {
			main.WriteString(s)
		}
	}
	flush()

	mainSec := Section{Text: main.String()}
	if drvs := FailedDerivations([]byte(mainSec.Text)); len(drvs) > 0 {
		mainSec.Derivation = drvs[0]
	}
	return append(sections, mainSec)
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// around returns up to ctx lines before and after the line containing offset.
func around(s string, offset, ctx int) string {
	lines := strings.Split(s, "\n")
	line := strings.Count(s[:offset], "\n")
	start := max(line-ctx, 0)
	end := min(line+ctx+1, len(lines))
	return strings.TrimRight(strings.Join(lines[start:end], "\n"), "\n")
}
