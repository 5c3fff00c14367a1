package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/request"
	"github.com/pulsarengine/stage1/internal/service"
)

// errNotAuthentic is returned when an inspected block fails verification.
var errNotAuthentic = errors.New("payload block failed verification")

// runInspect handles the `stage1 inspect` subcommand
func runInspect(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("inspect", stderr)
	rawURL := fs.String("url", "", "request URL the block must answer")
	keyring := fs.String("keyring", "", "armored public key to verify with (default: built-in key)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("inspect takes exactly one block file")
	}

	block, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read block: %w", err)
	}
	if len(block) > envelope.BlockSize {
		return fmt.Errorf("%s is %d bytes, larger than a payload block", fs.Arg(0), len(block))
	}

	req := service.InspectRequest{Block: block}
	if *rawURL != "" {
		salt, err := request.Commitment(*rawURL)
		if err != nil {
			return err
		}
		req.Salt = &salt
	}

	key, err := trustedKey(*keyring)
	if err != nil {
		return fmt.Errorf("load trusted key: %w", err)
	}

	res, err := service.NewInspectService(key).Inspect(req)
	if err != nil {
		return err
	}
	if err := service.WriteReport(stdout, res); err != nil {
		return err
	}
	if res.Verify != nil {
		return errNotAuthentic
	}
	return nil
}
