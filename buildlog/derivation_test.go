package buildlog

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/TyberiusPrime/uv2nix-hammer/types"
)

func TestParseDerivation(t *testing.T) {
	tests := []struct {
		drv    string
		want   types.PackageTarget
		wantOK bool
	}{
		{h5pyDrv, types.PackageTarget{Name: "h5py", Version: "3.11.0"}, true},
		{"/nix/store/0c3a1s0x1h5rhb3jrbc0n4l2k6ifgm9v-python3.11-scikit-learn-1.5.0.drv", types.PackageTarget{Name: "scikit-learn", Version: "1.5.0"}, true},
		{"/nix/store/0c3a1s0x1h5rhb3jrbc0n4l2k6ifgm9v-python3-pillow-10.3.0.drv", types.PackageTarget{Name: "pillow", Version: "10.3.0"}, true},
		{"/nix/store/0c3a1s0x1h5rhb3jrbc0n4l2k6ifgm9v-python3.12-PyYAML-6.0.1.drv", types.PackageTarget{Name: "pyyaml", Version: "6.0.1"}, true},
		{"/nix/store/0c3a1s0x1h5rhb3jrbc0n4l2k6ifgm9v-python3.12-zope.interface-7.0.drv", types.PackageTarget{Name: "zope-interface", Version: "7.0"}, true},
		{"/nix/store/0c3a1s0x1h5rhb3jrbc0n4l2k6ifgm9v-source.drv", types.PackageTarget{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.drv, func(t *testing.T) {
			got, ok := ParseDerivation(tt.drv)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ParseDerivation = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFailedDerivations(t *testing.T) {
	output := []byte(`error: builder for '/nix/store/aaa-python3.12-a-1.drv' failed with exit code 1;
error: builder for '/nix/store/bbb-python3.12-b-2.drv' failed with exit code 2;
error: builder for '/nix/store/aaa-python3.12-a-1.drv' failed with exit code 1;
error: 1 dependencies of derivation '/nix/store/ccc-env.drv' failed to build`)

	want := []string{
		"/nix/store/aaa-python3.12-a-1.drv",
		"/nix/store/bbb-python3.12-b-2.drv",
	}
	if diff := cmp.Diff(want, FailedDerivations(output)); diff != "" {
		t.Errorf("FailedDerivations mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitSections(t *testing.T) {
	output := []byte("main line\n" +
		"error: builder for '/nix/store/aaa-python3.12-a-1.drv' failed\n" +
		SectionHeader + "/nix/store/aaa-python3.12-a-1.drv\n" +
		"a log\n" +
		SectionHeader + "/nix/store/bbb-python3.12-b-2.drv\n" +
		"b log\n")

	got := SplitSections(output)
	if len(got) != 3 {
		t.Fatalf("len(sections) = %d, want 3", len(got))
	}
	if got[0].Derivation != "/nix/store/aaa-python3.12-a-1.drv" || got[0].Text != "a log\n" {
		t.Errorf("section 0 = %+v", got[0])
	}
	if got[1].Derivation != "/nix/store/bbb-python3.12-b-2.drv" || got[1].Text != "b log\n" {
		t.Errorf("section 1 = %+v", got[1])
	}
	if got[2].Derivation != "/nix/store/aaa-python3.12-a-1.drv" {
		t.Errorf("main section derivation = %q", got[2].Derivation)
	}
}
