package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pulsarengine/stage1/internal/config"
	"github.com/pulsarengine/stage1/internal/service"
)

// runInit handles the `stage1 init` subcommand
func runInit(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("init", stderr)
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path, err := config.Path()
	if err != nil {
		return fmt.Errorf("locate config: %w", err)
	}

	svc := service.NewInitService(config.NewGenerator(), path)
	written, err := svc.Init(ctx, service.InitRequest{Force: *force})
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "✓ Wrote %s\n", written)
	return nil
}
