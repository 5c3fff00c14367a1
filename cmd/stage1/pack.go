package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/request"
	"github.com/pulsarengine/stage1/internal/service"
)

// runPack handles the `stage1 pack` subcommand
func runPack(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	return packWith(ctx, args, stdout, stderr, service.RealClock{})
}

func packWith(ctx context.Context, args []string, stdout, stderr io.Writer, clock service.Clock) error {
	fs := newFlagSet("pack", stderr)
	keyPath := fs.String("key", "", "armored OpenPGP private key (required)")
	rawURL := fs.String("url", "", "request URL the block answers (default: zero salt)")
	out := fs.String("out", "payload.bin", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("pack takes exactly one manifest file")
	}
	if *keyPath == "" {
		return fmt.Errorf("--key is required")
	}

	var salt [envelope.SaltSize]byte
	if *rawURL != "" {
		var err error
		if salt, err = request.Commitment(*rawURL); err != nil {
			return err
		}
	}

	key, err := readSigningKey(*keyPath)
	if err != nil {
		return err
	}
	manifest, err := service.LoadManifest(ctx, fs.Arg(0))
	if err != nil {
		return err
	}

	res, err := service.NewPackService(clock, nil).Pack(ctx, service.PackRequest{
		Manifest: manifest,
		Salt:     salt,
		Key:      key,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, res.Block, 0o644); err != nil {
		return fmt.Errorf("write block: %w", err)
	}

	fmt.Fprintf(stdout, "✓ Packed %s v%#x (%d bytes, %d patches) to %s\n",
		manifest.Name, manifest.Version, res.Layout.TotalSize, len(manifest.Patches), *out)
	return nil
}
