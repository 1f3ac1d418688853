package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/bigbag/papyrix-ota/internal/image"
	"github.com/bigbag/papyrix-ota/internal/ota"
)

// sessionFlags override the ota section of the configuration.
type sessionFlags struct {
	recovery         bool
	recoveryApp      bool
	noVersionControl bool
	eraseBeforeWrite bool
	keepTemp         bool
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.recovery, "recovery", false, "Stage images in the temp partition for the recovery installer")
	cmd.Flags().BoolVar(&f.recoveryApp, "recovery-app", false, "Act as the recovery installer (requires --recovery)")
	cmd.Flags().BoolVar(&f.noVersionControl, "no-version-control", false, "Accept images that are not newer than the running one")
	cmd.Flags().BoolVar(&f.eraseBeforeWrite, "erase-before-write", false, "Erase the whole target before the first unit")
	cmd.Flags().BoolVar(&f.keepTemp, "keep-temp", false, "Do not wipe the temp partition before staging")
}

// apply returns c with every flag the user set.
func (f *sessionFlags) apply(cmd *cobra.Command, c ota.Config) ota.Config {
	fl := cmd.Flags()
	if fl.Changed("recovery") {
		c.UseRecovery = f.recovery
	}
	if fl.Changed("recovery-app") {
		c.UseRecoveryApp = f.recoveryApp
	}
	if fl.Changed("no-version-control") {
		c.NoVersionControl = f.noVersionControl
	}
	if fl.Changed("erase-before-write") {
		c.EraseBeforeWrite = f.eraseBeforeWrite
	}
	if fl.Changed("keep-temp") {
		c.KeepTempPart = f.keepTemp
	}
	c.OnFile = func(file image.File) {
		klog.Infof("wrote %s (file %d, %s)", file.Name, file.FileID, humanize.IBytes(uint64(file.Size)))
	}
	return c
}

func logResult(link string, res ota.Result, err error) {
	if err != nil {
		klog.Errorf("%s: session %s %s after %s: %v", link, shortID(res), res.State, humanize.IBytes(uint64(res.Received)), err)
		return
	}
	klog.Infof("%s: session %s %s, version %d (%s) into %s", link, shortID(res), res.State,
		res.Version, humanize.IBytes(uint64(res.Size)), res.Target)
}

func shortID(res ota.Result) string {
	return res.ID.String()[:8]
}
