package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/bigbag/papyrix-ota/internal/backend"
	"github.com/bigbag/papyrix-ota/internal/device"
	"github.com/bigbag/papyrix-ota/internal/serial"
)

var (
	listenFlag  string
	metricsFlag string
	onceFlag    bool
)

func newServeCmd() *cobra.Command {
	var sf sessionFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the device side of the upgrade protocol",
		Long: `Serve accepts upgrades into the configured flash image, one session at a
time, over a serial port (--port) or a TCP listener (--listen).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, &sf)
		},
	}
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port to serve on")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate")
	cmd.Flags().StringVarP(&listenFlag, "listen", "l", "", "TCP address to serve on, e.g. :7070")
	cmd.Flags().StringVar(&metricsFlag, "metrics", "", "Address for the Prometheus /metrics endpoint")
	cmd.Flags().BoolVar(&onceFlag, "once", false, "Exit after the first session")
	sf.register(cmd)
	return cmd
}

func runServe(cmd *cobra.Command, sf *sessionFlags) error {
	if (portFlag == "") == (listenFlag == "") {
		return errors.New("exactly one of --port or --listen is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	d, err := device.Open(cfg, reg)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if metricsFlag != "" {
		srv := &http.Server{
			Addr:              metricsFlag,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			klog.Infof("serve: metrics on %s", metricsFlag)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	g.Go(func() error {
		defer cancel()
		s := &server{dev: d, cmd: cmd, flags: sf}
		if listenFlag != "" {
			return s.serveTCP(ctx, listenFlag)
		}
		return s.serveSerial(ctx, portFlag, baudFlag)
	})
	return g.Wait()
}

type server struct {
	dev   *device.Device
	cmd   *cobra.Command
	flags *sessionFlags
}

// session runs one upgrade over rw, which it closes.
func (s *server) session(ctx context.Context, name string, rw io.ReadWriteCloser) {
	b := backend.NewStream(name, rw, s.dev.Config.ProtocolLimits())
	cfg := s.flags.apply(s.cmd, s.dev.Config.Session())
	res, err := s.dev.Upgrade(ctx, cfg, b)
	if ctx.Err() != nil {
		return
	}
	logResult(name, res, err)
}

func (s *server) serveSerial(ctx context.Context, port string, baud int) error {
	klog.Infof("serve: waiting for upgrades on %s @ %d baud", port, baud)
	for ctx.Err() == nil {
		p, err := serial.Open(port, baud)
		if err != nil {
			return err
		}
		if err := p.Flush(); err != nil {
			p.Close()
			return fmt.Errorf("failed to flush %s: %w", port, err)
		}
		s.session(ctx, port, p)
		if onceFlag {
			break
		}
	}
	return nil
}

func (s *server) serveTCP(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	klog.Infof("serve: waiting for upgrades on %s", ln.Addr())
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		// Sessions are serial; later connections wait in the backlog.
		s.session(ctx, conn.RemoteAddr().String(), conn)
		if onceFlag {
			return nil
		}
	}
}
