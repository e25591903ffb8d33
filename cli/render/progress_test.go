package render

import (
	"bytes"
	"strings"
	"testing"

	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

func TestProgress(t *testing.T) {
	target := types.PackageTarget{Name: "lxml", Version: "5.2.1"}
	sig := &types.FailureSignature{
		Category: types.CategoryMissingNativeLibrary,
		Evidence: []string{"xml2"},
		Package:  target,
	}
	mut := &types.Mutation{
		TargetAttribute: "buildInputs",
		Action:          types.ActionAppend,
		Payload:         "pkgs.libxml2",
		SourceRuleID:    "native-library",
		Package:         target,
	}

	tests := []struct {
		name string
		rec  types.AttemptRecord
		want []string
	}{
		{
			name: "success",
			rec:  types.AttemptRecord{Index: 2, Outcome: types.AttemptSuccess},
			want: []string{"attempt 2/10", "build succeeded"},
		},
		{
			name: "failure with mutation",
			rec:  types.AttemptRecord{Index: 2, Outcome: types.AttemptFailure, Signature: sig, Applied: mut},
			want: []string{"build failed", "missing_native_library in lxml==5.2.1 (xml2)", "applying", "pkgs.libxml2"},
		},
		{
			name: "timeout",
			rec:  types.AttemptRecord{Index: 2, Outcome: types.AttemptFailure, TimedOut: true, Applied: mut},
			want: []string{"build timed out", "unclassified"},
		},
		{
			name: "rule exhausted",
			rec:  types.AttemptRecord{Index: 2, Outcome: types.AttemptRuleExhausted, Signature: sig},
			want: []string{"no applicable rule", "missing_native_library"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			p := NewProgress(&buf, true, false)
			p.OnAttemptStart(2, 10)
			p.OnAttemptDone(tt.rec)

			got := buf.String()
			if !strings.Contains(got, "attempt 2/10") {
				t.Errorf("missing attempt header: %s", got)
			}
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("output missing %q:\n%s", want, got)
				}
			}
		})
	}
}

func TestProgress_Quiet(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, true, true)
	p.OnAttemptStart(1, 3)
	p.OnAttemptDone(types.AttemptRecord{Index: 1, Outcome: types.AttemptSuccess})
	if buf.Len() != 0 {
		t.Errorf("quiet progress wrote %q", buf.String())
	}
}
