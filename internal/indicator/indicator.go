// Package indicator drives the three status lights for the monitored
// space. Exactly one light is lit for each occupancy state.
package indicator

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/gabrielbergel/MQTT-test/internal/occupancy"
)

// Pattern is the on/off state of the three lights.
type Pattern struct {
	Green bool `json:"green"`
	Amber bool `json:"amber"`
	Red   bool `json:"red"`
}

// PatternFor maps an occupancy state to its light pattern. Before the
// first classification all lights are off.
func PatternFor(s occupancy.State) Pattern {
	switch s {
	case occupancy.Free:
		return Pattern{Green: true}
	case occupancy.Releasing:
		return Pattern{Amber: true}
	case occupancy.Occupied:
		return Pattern{Red: true}
	default:
		return Pattern{}
	}
}

// Lit returns how many lights are on.
func (p Pattern) Lit() int {
	n := 0
	for _, on := range []bool{p.Green, p.Amber, p.Red} {
		if on {
			n++
		}
	}
	return n
}

// Driver sets the lights for a state. Drive never fails; hardware write
// errors are the driver's to log.
type Driver interface {
	Drive(s occupancy.State)
}

// Lines drives three output lines through their sysfs value files. Each
// path may be a GPIO "value" file or an LED-class "brightness" file; both
// accept "1" and "0". Line direction and pin muxing belong to the host
// setup, not to this driver.
type Lines struct {
	green, amber, red string
	logger            *slog.Logger
}

// LinePaths names the value file for each light.
type LinePaths struct {
	Green string
	Amber string
	Red   string
}

// NewLines creates a sysfs line driver.
func NewLines(paths LinePaths, logger *slog.Logger) *Lines {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lines{
		green:  paths.Green,
		amber:  paths.Amber,
		red:    paths.Red,
		logger: logger,
	}
}

// Drive writes all three lines, lighting only the one for s.
func (l *Lines) Drive(s occupancy.State) {
	p := PatternFor(s)
	for _, line := range []struct {
		name string
		path string
		on   bool
	}{
		{"green", l.green, p.Green},
		{"amber", l.amber, p.Amber},
		{"red", l.red, p.Red},
	} {
		if err := writeLine(line.path, line.on); err != nil {
			l.logger.Warn("indicator write failed",
				"line", line.name,
				"path", line.path,
				"error", err,
			)
		}
	}
}

func writeLine(path string, on bool) error {
	v := []byte("0")
	if on {
		v = []byte("1")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("open line: %w", err)
	}
	if _, err := f.Write(v); err != nil {
		f.Close()
		return fmt.Errorf("write line: %w", err)
	}
	return f.Close()
}

// Recorder keeps the last pattern in memory. It stands in for real
// lights in simulation and tests.
type Recorder struct {
	mu      sync.Mutex
	pattern Pattern
	drives  int
}

// Drive records the pattern for s.
func (r *Recorder) Drive(s occupancy.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pattern = PatternFor(s)
	r.drives++
}

// Pattern returns the last recorded pattern.
func (r *Recorder) Pattern() Pattern {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pattern
}

// Drives returns how many times Drive has been called.
func (r *Recorder) Drives() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drives
}

// Tee drives several drivers in order, so physical lights and the status
// snapshot stay in step.
type Tee []Driver

// Drive forwards s to every driver.
func (t Tee) Drive(s occupancy.State) {
	for _, d := range t {
		d.Drive(s)
	}
}
