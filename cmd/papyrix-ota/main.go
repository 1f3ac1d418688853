package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/bigbag/papyrix-ota/internal/config"
	"github.com/bigbag/papyrix-ota/internal/host"
	"github.com/bigbag/papyrix-ota/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag string
	flashFlag  string
	portFlag   string
	baudFlag   int
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	rootCmd := &cobra.Command{
		Use:   "papyrix-ota",
		Short: "Over-the-air firmware upgrades for Papyrix devices",
		Long: `Papyrix OTA runs the device side of the upgrade protocol against a
flash image (serve, install, apply-temp) and the host side that pushes a
firmware container to a device over serial or TCP (push).

The default device layout is embedded in this tool. Use --config to
supply another one.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Device configuration file (embedded default if not specified)")
	rootCmd.PersistentFlags().StringVar(&flashFlag, "flash", "", "Path of the first storage, overriding the configuration")

	// Detect command
	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Find a device running the OTA service",
		RunE:  runDetect,
	}
	detectCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (scan all if not specified)")
	detectCmd.Flags().IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("papyrix-ota %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newPushCmd(),
		newInstallCmd(),
		newApplyTempCmd(),
		newFormatCmd(),
		newPartsCmd(),
		newConfigCmd(),
		newPackCmd(),
		newKeygenCmd(),
		detectCmd, versionCmd, listCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		klog.Flush()
		os.Exit(1)
	}
}

// loadConfig returns the validated device configuration.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configFlag != "" {
		var err error
		if cfg, err = config.Load(configFlag); err != nil {
			return nil, err
		}
	}
	if flashFlag != "" && len(cfg.Storages) > 0 {
		cfg.Storages[0].Path = flashFlag
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	var (
		result *host.Result
		err    error
	)
	if portFlag != "" {
		result, err = host.DetectOnPort(portFlag, baudFlag)
	} else {
		fmt.Println("Scanning serial ports...")
		result, err = host.DetectDevice(baudFlag)
	}
	if err != nil {
		return fmt.Errorf("device detection failed: %w", err)
	}
	fmt.Printf("  Port:   %s\n", result.Port)
	fmt.Printf("  Status: %s\n", result.Status)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
