package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pulsarengine/stage1/internal/identity"
	"github.com/pulsarengine/stage1/internal/request"
)

// runURL handles the `stage1 url` subcommand. It prints a fresh request
// URL and the commitment a response to it must carry.
func runURL(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("url", stderr)
	region := fs.String("region", "", "replace the region character of the game token")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(*region) > 1 {
		return fmt.Errorf("region must be a single character, got %q", *region)
	}

	env, err := loadEnvironment(ctx, *verbose, stderr)
	if err != nil {
		return err
	}

	params := env.cfg.Params()
	if *region != "" {
		params = params.WithRegion((*region)[0])
	}

	challenge, err := identity.Generate(ctx, env.signer())
	if err != nil {
		return err
	}
	desc, err := request.Build(params, challenge)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, desc.URL)
	fmt.Fprintf(stdout, "commitment: %x\n", desc.CommitmentHash)
	fmt.Fprintf(stdout, "device:     %08x\n", challenge.Identity)
	return nil
}
