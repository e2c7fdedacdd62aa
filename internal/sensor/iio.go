package sensor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultIIOPath is the first voltage channel of the first Linux IIO ADC.
const DefaultIIOPath = "/sys/bus/iio/devices/iio:device0/in_voltage0_raw"

// IIOChannel reads a Linux Industrial I/O ADC channel through its sysfs
// raw value file. The kernel driver performs one conversion per read.
type IIOChannel struct {
	path string
}

// NewIIOChannel returns a noise sensor backed by the given raw value file.
func NewIIOChannel(path string) *IIOChannel {
	if path == "" {
		path = DefaultIIOPath
	}
	return &IIOChannel{path: path}
}

// ReadNoise returns the raw ADC count.
func (c *IIOChannel) ReadNoise(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return 0, fmt.Errorf("read adc channel: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse adc value from %s: %w", c.path, err)
	}
	return v, nil
}
