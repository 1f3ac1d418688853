package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-ota/internal/config"
	"github.com/bigbag/papyrix-ota/internal/image"
	"github.com/bigbag/papyrix-ota/internal/verify"
)

var (
	outputFlag string
	keyFlag    string
)

func newPackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack <manifest.yaml>",
		Short: "Build a firmware container from a manifest",
		Long: `Pack lays out the parts listed in a manifest into one image, computes
the image and per-file CRCs and writes the container.

Example manifest:

  version: 7
  target: 2
  parts:
    - {name: app,  path: firmware.bin}
    - {name: font, path: font.bin}

With --key the image is signed with a note signer key from keygen.`,
		Args: cobra.ExactArgs(1),
		RunE: runPack,
	}
	cmd.Flags().StringVarP(&outputFlag, "output", "o", "image.aota", "Output container file")
	cmd.Flags().StringVarP(&keyFlag, "key", "k", "", "Signer key file")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen <name>",
		Short: "Generate an image signing key pair",
		Long: `Keygen writes <name>.key (the signer key, keep it private) and
<name>.pub (the verifier key, list it under verify.keys in the device
configuration).`,
		Args: cobra.ExactArgs(1),
		RunE: runKeygen,
	}
	return cmd
}

func runPack(cmd *cobra.Command, args []string) error {
	m, err := config.LoadManifest(args[0])
	if err != nil {
		return err
	}
	desc, payload, err := m.Build()
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}

	if keyFlag != "" {
		skey, err := os.ReadFile(keyFlag)
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		sig, err := verify.Sign(cmd.Context(), string(skey), desc, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to sign image: %w", err)
		}
		desc.Signature = sig
	}

	var buf bytes.Buffer
	if err := image.WriteContainer(&buf, desc, payload); err != nil {
		return err
	}
	if err := os.WriteFile(outputFlag, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write container: %w", err)
	}

	fmt.Printf("Image: %s (version %d, target file %d)\n", outputFlag, desc.Version, desc.TargetFileID)
	for _, f := range desc.Files {
		fmt.Printf("  %-12s file %-3d at 0x%06X %-9s crc 0x%08X\n", f.Name, f.FileID, f.Offset, humanize.IBytes(uint64(f.Size)), f.CRC)
	}
	fmt.Printf("  payload %s, crc 0x%08X", humanize.IBytes(uint64(desc.Size)), desc.HeadCRC)
	if len(desc.Signature) > 0 {
		fmt.Print(", signed")
	}
	fmt.Println()
	return nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	name := args[0]
	skey, vkey, err := verify.GenerateKey(name)
	if err != nil {
		return err
	}
	base := strings.ReplaceAll(name, "/", "_")
	if err := os.WriteFile(base+".key", []byte(skey+"\n"), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(base+".pub", []byte(vkey+"\n"), 0o644); err != nil {
		return err
	}
	fmt.Printf("Signer key:   %s.key\n", base)
	fmt.Printf("Verifier key: %s.pub\n", base)
	fmt.Printf("  %s\n", vkey)
	return nil
}
