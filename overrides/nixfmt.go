package overrides

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Literal is a Nix expression emitted verbatim.
type Literal string

// Path is a relative Nix path, emitted as ./<path>.
type Path string

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_'-]*$`)

// FormatNix renders v as a Nix expression. Supported values are Literal,
// Path, string, bool, int, []any, []string and map[string]any. Attribute
// sets are emitted with sorted keys so output is stable.
func FormatNix(v any) string {
	var b strings.Builder
	formatNix(&b, v, 0)
	return b.String()
}

func formatNix(b *strings.Builder, v any, depth int) {
	switch x := v.(type) {
	case Literal:
		b.WriteString(string(x))
	case Path:
		b.WriteString("./")
		b.WriteString(strings.TrimPrefix(string(x), "./"))
	case string:
		b.WriteString(nixString(x, depth))
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case int:
		b.WriteString(strconv.Itoa(x))
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		formatNix(b, items, depth)
	case []any:
		if len(x) == 0 {
			b.WriteString("[ ]")
			return
		}
		b.WriteString("[")
		for _, item := range x {
			b.WriteString(" ")
			formatNix(b, item, depth)
		}
		b.WriteString(" ]")
	case map[string]any:
		if len(x) == 0 {
			b.WriteString("{ }")
			return
		}
		indent := strings.Repeat("  ", depth+1)
		b.WriteString("{\n")
		for _, k := range slices.Sorted(maps.Keys(x)) {
			b.WriteString(indent)
			b.WriteString(nixIdentifier(k))
			b.WriteString(" = ")
			formatNix(b, x[k], depth+1)
			b.WriteString(";\n")
		}
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString("}")
	default:
		panic(fmt.Sprintf("overrides: cannot format %T as nix", v))
	}
}

func nixIdentifier(s string) string {
	if identPattern.MatchString(s) {
		return s
	}
	return nixString(s, 0)
}

// nixString quotes s. Multi-line text becomes an indented string. Both
// forms keep ${...} antiquotations live.
func nixString(s string, depth int) string {
	if !strings.Contains(s, "\n") {
		return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
	}
	indent := strings.Repeat("  ", depth+1)
	var b strings.Builder
	b.WriteString("''\n")
	for _, line := range strings.Split(strings.Trim(s, "\n"), "\n") {
		if line != "" {
			b.WriteString(indent)
			b.WriteString(strings.ReplaceAll(line, "''", "'''"))
		}
		b.WriteString("\n")
	}
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString("''")
	return b.String()
}
