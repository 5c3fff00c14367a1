package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pulsarengine/stage1/internal/bridge"
	"github.com/pulsarengine/stage1/internal/fetch"
	"github.com/pulsarengine/stage1/internal/lockfile"
	"github.com/pulsarengine/stage1/internal/patch"
	"github.com/pulsarengine/stage1/internal/service"
	"github.com/pulsarengine/stage1/internal/stage"
	"github.com/pulsarengine/stage1/internal/verify"
)

const fetchLockName = "fetch.lock"

// retryBackoff is the pause between failed attempts.
var retryBackoff = 2 * time.Second

// fetchOptions lets tests replace the network and the host image.
type fetchOptions struct {
	transport fetch.Transport
	image     *patch.Image
}

// runFetch handles the `stage1 fetch` subcommand
func runFetch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	return fetchWith(ctx, args, stdout, stderr, fetchOptions{})
}

func fetchWith(ctx context.Context, args []string, stdout, stderr io.Writer, opts fetchOptions) error {
	fs := newFlagSet("fetch", stderr)
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := loadEnvironment(ctx, *verbose, stderr)
	if err != nil {
		return err
	}
	cfg := env.cfg

	lock, err := lockfile.Acquire(env.stateDir, fetchLockName)
	if err != nil {
		return err
	}
	defer lock.Release()

	key, err := trustedKey(cfg.Keyring)
	if err != nil {
		return fmt.Errorf("load trusted key: %w", err)
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	transport := opts.transport
	if transport == nil {
		tr := fetch.NewHTTPTransport(
			fetch.WithTimeout(cfg.Timeout()),
			fetch.WithUserAgent(cfg.HTTP.UserAgent),
		)
		defer tr.Close()
		transport = tr
	}
	image := opts.image
	if image == nil {
		image = patch.NewImage(cfg.Loader.ImageBase, int(cfg.Loader.ImageSize))
	}

	loader, err := stage.New(stage.Config{
		Params:    cfg.Params(),
		Signer:    env.signer(),
		Transport: transport,
		Verifier:  verify.New(key),
		Target:    image,
		Policy:    policy,
		LoadBase:  cfg.Loader.LoadBase,
		Logger:    env.logger,
	})
	if err != nil {
		return err
	}
	defer loader.Close()

	svc := service.NewFetchService(loader, cfg.HTTP.Retries, retryBackoff, env.logger)
	res, err := svc.Run(ctx, func() {
		fmt.Fprintln(stdout, "✓ Request forwarded to the host")
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "✓ Payload ready after %d attempt(s)\n", res.Attempts)
	for _, k := range []bridge.Key{
		bridge.KeyEnableAggressivePacketChecks,
		bridge.KeyMKWEnableEventItemIDCheck,
		bridge.KeyMKWEnableUltraUncut,
	} {
		v, err := loader.Exec(ctx, bridge.GetValue{Key: k})
		if err != nil {
			return fmt.Errorf("read %s: %w", k, err)
		}
		fmt.Fprintf(stdout, "  %-30s %d\n", k, v)
	}
	return nil
}
