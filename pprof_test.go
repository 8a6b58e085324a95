package fdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/pprof/profile"
)

func TestProfile(t *testing.T) {
	info := DebugInfo{CFSR: 1 << 25}
	info.Stack.Size = 3
	info.Stack.Calls = [CallStackMaxSize]Call{
		{LR: 0x1080, FP: 0x2000_0F00},
		{LR: 0x1040, FP: 0x2000_0F10},
		{LR: 0x1000, FP: 0x2000_0F30},
	}

	prof := Profile(&info)
	if err := prof.CheckValid(); err != nil {
		t.Fatalf("invalid profile: %v", err)
	}
	if len(prof.Sample) != 1 {
		t.Fatalf("samples = %d; want 1", len(prof.Sample))
	}
	locs := prof.Sample[0].Location
	if len(locs) != 3 {
		t.Fatalf("locations = %d; want 3", len(locs))
	}
	for i, want := range []uint64{0x1080, 0x1040, 0x1000} {
		if locs[i].Address != want {
			t.Errorf("location %d address = %#x; want %#x", i, locs[i].Address, want)
		}
	}
}

func TestWriteProfileRoundTrip(t *testing.T) {
	info := DebugInfo{}
	info.Stack.Size = 1
	info.Stack.Calls[0] = Call{LR: 0x1000, FP: 0x2000_0F00}

	path := filepath.Join(t.TempDir(), "fault.pb.gz")
	if err := WriteProfile(path, Profile(&info)); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	prof, err := profile.ParseData(b)
	if err != nil {
		t.Fatalf("parsing written profile: %v", err)
	}
	if len(prof.Sample) != 1 || prof.Sample[0].Location[0].Address != 0x1000 {
		t.Errorf("round-tripped profile lost the trace: %+v", prof.Sample)
	}
}
