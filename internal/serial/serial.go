// Package serial adapts a UART to the byte-stream link used by the OTA
// stream backend and the host pusher.
package serial

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is used when no rate is configured.
const DefaultBaudRate = 921600

// pollTimeout bounds each underlying read so Close is noticed promptly.
const pollTimeout = 100 * time.Millisecond

// Port wraps a serial port as an io.ReadWriteCloser.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
	closed   atomic.Bool
}

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(pollTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Close closes the serial port. Blocked reads return io.EOF.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.port.Close()
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read blocks until at least one byte arrives or the port is closed. A
// bare poll timeout is never reported as a zero-length read.
func (p *Port) Read(buf []byte) (int, error) {
	for {
		n, err := p.port.Read(buf)
		if p.closed.Load() {
			return n, io.EOF
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// ResetDevice pulses RTS, which drives EN low on the usual auto-reset
// circuit, so the device reboots into the freshly activated image.
func (p *Port) ResetDevice() error {
	if err := p.port.SetDTR(false); err != nil {
		return err
	}
	if err := p.port.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return p.port.SetRTS(false)
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

var _ io.ReadWriteCloser = (*Port)(nil)
