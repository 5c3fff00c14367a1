package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
)

// Version will be set at build time via -ldflags
var Version = "v0.1.0"

type command struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, args []string, stdout, stderr io.Writer) error
}

var commands = []command{
	{"init", "init [--force]", "Write the default configuration file", runInit},
	{"url", "url [--region R]", "Print the payload request URL for this device", runURL},
	{"fetch", "fetch [--verbose]", "Download, verify and run the payload", runFetch},
	{"inspect", "inspect [--url URL] [--keyring FILE] <block>", "Decode and verify a payload block", runInspect},
	{"pack", "pack --key FILE [--url URL] [--out FILE] <manifest>", "Build and sign a payload block", runPack},
	{"keygen", "keygen [--name N] [--email E] [--out DIR]", "Create a payload signing key pair", runKeygen},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defer memguard.Purge()

	if len(args) == 0 {
		printHelp(stdout)
		return 0
	}

	switch args[0] {
	case "--version":
		fmt.Fprintf(stdout, "stage1 %s\n", Version)
		return 0
	case "--help", "-h", "help":
		printHelp(stdout)
		return 0
	}

	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err := c.run(ctx, args[1:], stdout, stderr)
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stderr, "Error: unknown command: %s\n", args[0])
	printHelp(stderr)
	return 1
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "stage1 - payload loader")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  stage1 --version")
	for _, c := range commands {
		fmt.Fprintf(w, "  stage1 %-52s %s\n", c.usage, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  STAGE1_CONFIG_DIR   directory holding stage1.lua")
	fmt.Fprintln(w, "  STAGE1_STATE_DIR    device key and lock directory")
	fmt.Fprintln(w, "  STAGE1_PASSPHRASE   passphrase of an encrypted signing key")
}

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("stage1 "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}
