package probe_test

import (
	"strings"
	"testing"

	"github.com/bobuhiro11/govmm/probe"
)

func TestF1EdxStringKnownAndUnknown(t *testing.T) {
	t.Parallel()

	if got := probe.XMM.String(); got != "XMM" {
		t.Fatalf("XMM.String() = %q, want %q", got, "XMM")
	}

	if got := probe.F1Edx(5000).String(); !strings.Contains(got, "unknown") {
		t.Fatalf("String() of an out-of-range bit = %q, want it to mention unknown", got)
	}
}

func TestAllF1EdxHasNoDuplicateBitPositions(t *testing.T) {
	t.Parallel()

	seen := map[probe.F1Edx]bool{}
	for _, f := range probe.AllF1Edx {
		if seen[f] {
			t.Fatalf("duplicate F1Edx bit position %d", f)
		}

		seen[f] = true
	}
}

func TestAllF7_0EdxHasNoDuplicateBitPositions(t *testing.T) {
	t.Parallel()

	seen := map[probe.F7_0Edx]bool{}
	for _, f := range probe.AllF7_0Edx {
		if seen[f] {
			t.Fatalf("duplicate F7_0Edx bit position %d", f)
		}

		seen[f] = true
	}
}
