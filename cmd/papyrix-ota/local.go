package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-ota/internal/backend"
	"github.com/bigbag/papyrix-ota/internal/config"
	"github.com/bigbag/papyrix-ota/internal/device"
	"github.com/bigbag/papyrix-ota/internal/image"
	"github.com/bigbag/papyrix-ota/internal/ota"
)

var localUnitFlag uint16

func newInstallCmd() *cobra.Command {
	var sf sessionFlags
	cmd := &cobra.Command{
		Use:   "install <image.aota>",
		Short: "Install a container file found on local storage",
		Long: `Install runs an upgrade session whose image comes from a container file
instead of a host, the way a device upgrades from its SD card.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, &sf, args[0])
		},
	}
	cmd.Flags().Uint16Var(&localUnitFlag, "unit", 4096, "Unit size in bytes")
	sf.register(cmd)
	return cmd
}

func newApplyTempCmd() *cobra.Command {
	var sf sessionFlags
	cmd := &cobra.Command{
		Use:   "apply-temp",
		Short: "Install the image staged in the temp partition",
		Long: `Apply-temp acts as the recovery installer: it copies the image a previous
recovery session staged in the temp partition into its final partition and
clears the pending marker.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApplyTemp(cmd, &sf)
		},
	}
	cmd.Flags().Uint16Var(&localUnitFlag, "unit", 4096, "Unit size in bytes")
	sf.register(cmd)
	return cmd
}

func newFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Write the partition table and an empty boot indicator",
		Args:  cobra.NoArgs,
		RunE:  runFormat,
	}
}

func newPartsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parts",
		Short: "Show the partition table and boot indicator",
		Args:  cobra.NoArgs,
		RunE:  runParts,
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfig,
	}
}

func openDevice() (*device.Device, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return device.Open(cfg, nil)
}

func newLocalBar(total int64, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

func runInstall(cmd *cobra.Command, sf *sessionFlags, path string) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close()

	f, err := os.Open(path)
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
	fmt.Printf("Image: %s (version %d, %s)\n", path, c.Descriptor.Version, humanize.IBytes(uint64(c.Descriptor.Size)))

	local, err := backend.NewLocalContainer(path, c, localUnitFlag)
	if err != nil {
		return err
	}
	bar := newLocalBar(int64(c.Descriptor.Size), "Installing")
	cfg := sf.apply(cmd, d.Config.Session())
	cfg.OnProgress = func(received, total uint32) { bar.Set64(int64(received)) }

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := d.Upgrade(ctx, cfg, local)
	bar.Finish()
	return printResult(res, err)
}

func runApplyTemp(cmd *cobra.Command, sf *sessionFlags) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close()

	st := d.Parts.State()
	if st.Pending == 0 {
		fmt.Println("Nothing staged in the temp partition")
		return nil
	}
	fmt.Printf("Staged: file %d, %s\n", st.Pending, humanize.IBytes(uint64(st.PendingSize)))

	bar := newLocalBar(int64(st.PendingSize), "Applying")
	cfg := sf.apply(cmd, d.Config.Session())
	cfg.OnProgress = func(received, total uint32) { bar.Set64(int64(received)) }

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := d.InstallStaged(ctx, cfg, localUnitFlag)
	bar.Finish()
	return printResult(res, err)
}

func printResult(res ota.Result, err error) error {
	if err != nil {
		return fmt.Errorf("upgrade failed after %s: %w", humanize.IBytes(uint64(res.Received)), err)
	}
	fmt.Printf("\nInstalled version %d (%s) into %s\n", res.Version, humanize.IBytes(uint64(res.Size)), res.Target)
	return nil
}

func runFormat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := device.Format(cfg); err != nil {
		return err
	}
	for _, s := range cfg.Storages {
		fmt.Printf("Formatted %s (%s, %s)\n", s.Name, s.Path, humanize.IBytes(uint64(s.Size)))
	}
	return nil
}

func runParts(cmd *cobra.Command, args []string) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close()

	booting, _ := d.Parts.Booting()
	fmt.Printf("%-8s %-7s %-5s %-6s %-4s %-10s %-9s %s\n", "NAME", "TYPE", "FILE", "MIRROR", "DEV", "OFFSET", "SIZE", "")
	for _, p := range d.Parts.Table().Partitions() {
		mark := ""
		if p.Name == booting.Name {
			mark = "booting"
		}
		fmt.Printf("%-8s %-7s %-5d %-6s %-4d 0x%08X %-9s %s\n",
			p.Name, p.Type, p.FileID, p.Mirror, p.StorageID, p.Offset, humanize.IBytes(uint64(p.Size)), mark)
	}

	st := d.Parts.State()
	fmt.Println()
	fmt.Printf("Boot:     file %d mirror %s, version %d (record %d)\n", st.CurrentFileID, st.CurrentMirror, st.Version, st.Seq)
	if st.Pending != 0 {
		fmt.Printf("Pending:  file %d, %s in temp\n", st.Pending, humanize.IBytes(uint64(st.PendingSize)))
	}
	if pr := st.Progress; pr.Active() {
		fmt.Printf("Transfer: file %d mirror %s, %s of %s (crc 0x%08X)\n", pr.TargetFileID, pr.TargetMirror,
			humanize.IBytes(uint64(pr.Received)), humanize.IBytes(uint64(pr.Size)), pr.HeadCRC)
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	os.Stdout.Write(b)
	return nil
}
