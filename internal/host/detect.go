package host

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/serial"
	"github.com/bigbag/papyrix-ota/internal/slip"
	"github.com/bigbag/papyrix-ota/internal/tlv"
)

// DefaultProbeTimeout bounds the wait for a probe answer.
const DefaultProbeTimeout = 500 * time.Millisecond

// ErrNoDevice is returned when nothing answers a probe.
var ErrNoDevice = errors.New("no OTA device found")

// Result is a device that answered a probe.
type Result struct {
	Port   string
	Status protocol.Status
}

// Probe checks whether an OTA device is on rw. It sends a negotiation
// result outside any negotiation, which a device answers with a state
// error and otherwise ignores. The read may outlive a timed out probe;
// the caller closes rw to release it.
func Probe(rw io.ReadWriter, timeout time.Duration) (protocol.Status, error) {
	frame, err := protocol.Encode(protocol.NegotiationResult{Result: protocol.CodeSuccess})
	if err != nil {
		return 0, err
	}
	if err := slip.NewWriter(rw).WriteFrame(frame); err != nil {
		return 0, err
	}

	answer := make(chan protocol.ReportStatus, 1)
	go func() {
		r := slip.NewReader(rw, tlv.HeaderSize+tlv.MaxLen)
		for {
			frame, err := r.ReadFrame()
			if err != nil {
				if errors.Is(err, slip.ErrFrameTooLarge) || errors.Is(err, slip.ErrBadEscape) {
					continue
				}
				return
			}
			if cmd, err := protocol.Decode(frame); err == nil {
				if st, ok := cmd.(protocol.ReportStatus); ok {
					answer <- st
					return
				}
			}
		}
	}()

	select {
	case st := <-answer:
		return st.State, nil
	case <-time.After(timeout):
		return 0, ErrNoDevice
	}
}

// DetectDevice returns the first serial port with an OTA device.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := DetectOnPort(portName, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w (last error: %v)", ErrNoDevice, lastErr)
}

// DetectOnPort probes a specific port.
func DetectOnPort(portName string, baudRate int) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	if err := port.Flush(); err != nil {
		return nil, err
	}
	st, err := Probe(port, DefaultProbeTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", portName, err)
	}
	return &Result{Port: portName, Status: st}, nil
}
