package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-ota/internal/host"
	"github.com/bigbag/papyrix-ota/internal/image"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/serial"
)

var (
	addrFlag     string
	unitFlag     uint16
	intervalFlag uint16
	noCRCFlag    bool
	noAckFlag    bool
	resetFlag    bool
	retriesFlag  int
)

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <image.aota>",
		Short: "Push a firmware container to a device",
		Long: `Push sends a firmware container to a device running the OTA service.

The device is reached over a serial port (--port, auto-detected if neither
--port nor --addr is given) or TCP (--addr). An interrupted push resumes
from where the device left off when run again with the same image.`,
		Args: cobra.ExactArgs(1),
		RunE: runPush,
	}
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate")
	cmd.Flags().StringVarP(&addrFlag, "addr", "a", "", "TCP address of the device")
	cmd.Flags().Uint16Var(&unitFlag, "unit", host.DefaultParams().UnitSize, "Proposed unit size in bytes")
	cmd.Flags().Uint16Var(&intervalFlag, "interval", 0, "Pause between units in milliseconds")
	cmd.Flags().BoolVar(&noCRCFlag, "no-crc", false, "Do not send per-unit CRCs")
	cmd.Flags().BoolVar(&noAckFlag, "no-ack", false, "Stream units without waiting for each acknowledgement")
	cmd.Flags().BoolVar(&resetFlag, "reset", false, "Reset the device through RTS after a successful upgrade")
	cmd.Flags().IntVar(&retriesFlag, "retries", host.DefaultRetries, "Upgrade request attempts")
	return cmd
}

func runPush(cmd *cobra.Command, args []string) error {
	imagePath := args[0]

	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	c, err := image.Open(f, st.Size())
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	desc := c.Descriptor
	fmt.Printf("Image: %s (version %d, %s, %d file(s))\n", imagePath, desc.Version, humanize.IBytes(uint64(desc.Size)), len(desc.Files))
	for _, file := range desc.Files {
		fmt.Printf("  %-12s file %-3d %s\n", file.Name, file.FileID, humanize.IBytes(uint64(file.Size)))
	}

	link, port, err := openLink()
	if err != nil {
		return err
	}

	params := host.DefaultParams()
	params.UnitSize = unitFlag
	params.Interval = intervalFlag
	var features uint8 = protocol.DeviceFeatures
	if noCRCFlag {
		features &^= protocol.FeatureUnitCRC
	}
	if noAckFlag {
		features &^= protocol.FeatureUnitAck
	}
	p := host.New(link, host.WithParams(params), host.WithFeatures(features), host.WithRetries(retriesFlag))
	defer p.Close()

	bar := progressbar.NewOptions64(int64(desc.Size),
		progressbar.OptionSetDescription("Pushing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	p.SetProgressCallback(func(committed, total uint32) {
		bar.Set64(int64(committed))
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rep, err := p.Push(ctx, desc, c.Payload)
	bar.Finish()
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	if rep.Offset > 0 {
		fmt.Printf("Resumed at %s\n", humanize.IBytes(uint64(rep.Offset)))
	}
	fmt.Printf("Upgrade complete: %d unit(s) of %s, %d retransmitted\n",
		rep.Units, humanize.IBytes(uint64(rep.Params.UnitSize)), rep.Retransmits)

	if resetFlag && port != nil {
		fmt.Println("Resetting device...")
		if err := port.ResetDevice(); err != nil {
			fmt.Printf("Warning: reset failed: %v\n", err)
		}
	}
	fmt.Println("Done!")
	return nil
}

// openLink connects to the device. The serial port is returned as well
// when the link is one.
func openLink() (io.ReadWriteCloser, *serial.Port, error) {
	if addrFlag != "" {
		conn, err := net.DialTimeout("tcp", addrFlag, host.DefaultReplyTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect: %w", err)
		}
		fmt.Printf("Connected to %s\n", addrFlag)
		return conn, nil, nil
	}

	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := host.DetectDevice(baudFlag)
		if err != nil {
			return nil, nil, fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found device on %s (%s)\n", result.Port, result.Status)
	}
	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open port: %w", err)
	}
	fmt.Printf("Port: %s @ %d baud\n", portName, baudFlag)
	return port, port, nil
}
