package indicator

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gabrielbergel/MQTT-test/internal/occupancy"
)

func TestPatternFor(t *testing.T) {
	tests := []struct {
		state occupancy.State
		want  Pattern
	}{
		{occupancy.Free, Pattern{Green: true}},
		{occupancy.Releasing, Pattern{Amber: true}},
		{occupancy.Occupied, Pattern{Red: true}},
		{occupancy.Initializing, Pattern{}},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if diff := cmp.Diff(tt.want, PatternFor(tt.state)); diff != "" {
				t.Errorf("PatternFor(%v) mismatch (-want +got):\n%s", tt.state, diff)
			}
		})
	}
}

func TestPatternFor_ExactlyOneLit(t *testing.T) {
	for _, s := range []occupancy.State{occupancy.Free, occupancy.Releasing, occupancy.Occupied} {
		if got := PatternFor(s).Lit(); got != 1 {
			t.Errorf("%v lights %d, want exactly 1", s, got)
		}
	}
}

func newLineFiles(t *testing.T) LinePaths {
	t.Helper()
	dir := t.TempDir()
	paths := LinePaths{
		Green: filepath.Join(dir, "green"),
		Amber: filepath.Join(dir, "amber"),
		Red:   filepath.Join(dir, "red"),
	}
	for _, p := range []string{paths.Green, paths.Amber, paths.Red} {
		if err := os.WriteFile(p, []byte("0"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func readLine(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestLines_Drive(t *testing.T) {
	paths := newLineFiles(t)
	l := NewLines(paths, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		state            occupancy.State
		green, amber, red string
	}{
		{occupancy.Free, "1", "0", "0"},
		{occupancy.Releasing, "0", "1", "0"},
		{occupancy.Occupied, "0", "0", "1"},
		{occupancy.Free, "1", "0", "0"},
	}

	for _, tt := range tests {
		l.Drive(tt.state)
		got := [3]string{readLine(t, paths.Green), readLine(t, paths.Amber), readLine(t, paths.Red)}
		want := [3]string{tt.green, tt.amber, tt.red}
		if got != want {
			t.Errorf("after %v lines = %v, want %v", tt.state, got, want)
		}
	}
}

func TestLines_MissingLineDoesNotStopOthers(t *testing.T) {
	paths := newLineFiles(t)
	paths.Amber = filepath.Join(t.TempDir(), "absent", "brightness")
	l := NewLines(paths, slog.New(slog.NewTextHandler(io.Discard, nil)))

	l.Drive(occupancy.Occupied)

	if got := readLine(t, paths.Red); got != "1" {
		t.Errorf("red = %q, want 1", got)
	}
	if got := readLine(t, paths.Green); got != "0" {
		t.Errorf("green = %q, want 0", got)
	}
}

func TestTee_DrivesAll(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Tee{a, b}.Drive(occupancy.Releasing)

	for i, r := range []*Recorder{a, b} {
		if got := r.Pattern(); got != (Pattern{Amber: true}) {
			t.Errorf("recorder %d pattern = %+v", i, got)
		}
		if r.Drives() != 1 {
			t.Errorf("recorder %d drives = %d, want 1", i, r.Drives())
		}
	}
}
