package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrBadFrame is returned when a range frame fails its checksum.
var ErrBadFrame = errors.New("range frame checksum mismatch")

// SerialPorter is the minimal port surface the UART range sensor needs.
// It lets tests substitute an in-memory port for real hardware.
type SerialPorter interface {
	io.Reader
	io.Closer
}

// timeoutPorter is implemented by ports that support a per-read timeout.
type timeoutPorter interface {
	SetReadTimeout(t time.Duration) error
}

// inputResetter is implemented by ports that can discard buffered input.
type inputResetter interface {
	ResetInputBuffer() error
}

// SerialConfig describes how to open the range sensor's UART.
type SerialConfig struct {
	Port     string
	BaudRate int
}

// OpenSerial opens the UART using go.bug.st/serial with 8N1 framing.
func OpenSerial(cfg SerialConfig) (SerialPorter, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	return port, nil
}

// UARTRange reads an ultrasonic ranging module that streams four-byte
// frames over a UART: 0xFF, distance high byte, distance low byte, and a
// checksum equal to the low byte of the sum of the first three. Distance
// is in millimetres.
type UARTRange struct {
	mu      sync.Mutex
	port    SerialPorter
	timeout time.Duration
	buf     []byte
}

// NewUARTRange wraps an open port. Each read waits at most timeout for a
// valid frame.
func NewUARTRange(port SerialPorter, timeout time.Duration) *UARTRange {
	return &UARTRange{
		port:    port,
		timeout: timeout,
		buf:     make([]byte, 32),
	}
}

// ReadDistance discards stale input and returns the first valid frame's
// distance in centimetres. It returns [ErrNoEcho] if no valid frame
// arrives before the timeout or the context deadline, whichever is
// sooner.
func (u *UARTRange) ReadDistance(ctx context.Context) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if r, ok := u.port.(inputResetter); ok {
		_ = r.ResetInputBuffer()
	}

	var dec frameDecoder
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return 0, fmt.Errorf("%w: %w", ErrNoEcho, lastErr)
			}
			return 0, ErrNoEcho
		}
		if t, ok := u.port.(timeoutPorter); ok {
			if err := t.SetReadTimeout(remaining); err != nil {
				return 0, fmt.Errorf("set read timeout: %w", err)
			}
		}

		n, err := u.port.Read(u.buf)
		for _, b := range u.buf[:n] {
			mm, ferr := dec.feed(b)
			if ferr != nil {
				lastErr = ferr
				continue
			}
			if mm >= 0 {
				return frameCM(mm), nil
			}
		}
		if err != nil {
			return 0, fmt.Errorf("read range frame: %w", err)
		}
	}
}

// Close closes the underlying port.
func (u *UARTRange) Close() error {
	return u.port.Close()
}

const frameHeader = 0xFF

// frameCM converts a frame's millimetres to centimetres. An echo closer
// than 1 cm still means something is there, so it reads as 1 cm rather
// than 0, which the reader treats as a failed measurement.
func frameCM(mm int) int {
	if mm > 0 && mm < 10 {
		return 1
	}
	return mm / 10
}

// frameDecoder assembles range frames one byte at a time.
type frameDecoder struct {
	frame [4]byte
	n     int
}

// feed consumes b. It returns the distance in millimetres once a full
// valid frame is seen, -1 while a frame is incomplete, and ErrBadFrame
// when a complete frame fails its checksum.
func (d *frameDecoder) feed(b byte) (int, error) {
	if d.n == 0 && b != frameHeader {
		return -1, nil
	}
	d.frame[d.n] = b
	d.n++
	if d.n < len(d.frame) {
		return -1, nil
	}
	d.n = 0

	sum := byte(d.frame[0] + d.frame[1] + d.frame[2])
	if sum != d.frame[3] {
		return -1, ErrBadFrame
	}
	return int(d.frame[1])<<8 | int(d.frame[2]), nil
}
