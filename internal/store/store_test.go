package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := types.DailyPnL{
		Date:             "2026-02-21",
		StartOfDayEquity: 1000,
		Equity:           1012.5,
		RealizedPnL:      10,
		UnrealizedPnL:    2.5,
		PeakEquity:       1010,
	}
	if err := s.Save("daily_pnl.json", want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var got types.DailyPnL
	if err := s.Load("daily_pnl.json", &got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var v types.DailyPnL
	err = s.Load("never_written.json", &v)
	if !errors.Is(err, ErrNotExist) {
		t.Errorf("Load missing = %v, want ErrNotExist", err)
	}
}

func TestLoadCorruptFileIsHardError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "positions.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	var v []types.Position
	if err := s.Load("positions.json", &v); err == nil {
		t.Error("Load of corrupt core state should fail, got nil")
	}
	if errors.Is(err, ErrNotExist) {
		t.Error("corrupt file must not be reported as missing")
	}
}

func TestLoadOptionalDiscardsCorrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Missing → no value, no error.
	var c types.ThresholdCache
	ok, err := s.LoadOptional("rubber_wall_cache.json", &c)
	if err != nil {
		t.Fatalf("LoadOptional missing: %v", err)
	}
	if ok {
		t.Error("missing optional file should report ok=false")
	}

	// Corrupt → silently discarded.
	if err := os.WriteFile(filepath.Join(dir, "rubber_wall_cache.json"), []byte("%%%"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	ok, err = s.LoadOptional("rubber_wall_cache.json", &c)
	if err != nil {
		t.Fatalf("LoadOptional corrupt: %v", err)
	}
	if ok {
		t.Error("corrupt optional file should report ok=false")
	}

	// Valid → loads.
	if err := s.Save("rubber_wall_cache.json", types.ThresholdCache{NextTargetT: 42, ThresholdVol: 7.5}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ok, err = s.LoadOptional("rubber_wall_cache.json", &c)
	if err != nil || !ok {
		t.Fatalf("LoadOptional valid = (%v, %v), want (true, nil)", ok, err)
	}
	if c.NextTargetT != 42 || c.ThresholdVol != 7.5 {
		t.Errorf("cache = %+v, want {42 7.5}", c)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := s.Save("kill_switch.json", types.KillSwitch{Enabled: i%2 == 0}); err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir after saves = %v, want only kill_switch.json", names)
	}
}

func TestDeleteMissingIsNoError(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Delete("ghost.json"); err != nil {
		t.Errorf("Delete missing = %v, want nil", err)
	}
}

func TestSaveIntoSubdirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(filepath.Join("signals", "signals.json"), types.SignalBatch{ActionType: types.BatchHold}); err != nil {
		t.Fatalf("Save nested: %v", err)
	}
	if !s.Exists(filepath.Join("signals", "signals.json")) {
		t.Error("nested save should create intermediate directories")
	}
}
