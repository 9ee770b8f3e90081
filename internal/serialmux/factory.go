package serialmux

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// DefaultReadTimeout bounds each blocking read so the link worker observes a
// stop request within one timeout.
const DefaultReadTimeout = 100 * time.Millisecond

// RealPortFactory opens go.bug.st/serial ports.
type RealPortFactory struct {
	// ReadTimeout is applied to every opened port. Zero means DefaultReadTimeout.
	ReadTimeout time.Duration
}

// Open opens the serial device at path.
func (f RealPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	timeout := f.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
	}
	return port, nil
}

// ListPorts returns the serial devices currently present on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
