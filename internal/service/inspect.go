package service

import (
	"crypto/rsa"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/verify"
)

// InspectService decodes payload blocks for display.
type InspectService struct {
	key *rsa.PublicKey
}

// NewInspectService creates an inspect service checking signatures against key.
func NewInspectService(key *rsa.PublicKey) *InspectService {
	return &InspectService{key: key}
}

// InspectRequest contains parameters for inspecting a block.
type InspectRequest struct {
	Block []byte
	// Salt is the expected commitment. Nil accepts the block's own salt,
	// which checks the signature without binding it to a request.
	Salt *[envelope.SaltSize]byte
}

// InspectResult describes a block. A block that fails verification is still
// described as far as it parses.
type InspectResult struct {
	Info    envelope.Info
	Size    uint32
	Salt    [envelope.SaltSize]byte
	Patches []envelope.Patch
	GOT     []uint32
	Fixups  []uint32

	// Verify is the verification outcome, nil when the block is authentic.
	Verify error
	// Structure is the info block validation outcome.
	Structure error
}

// Inspect parses and verifies req.Block.
func (s *InspectService) Inspect(req InspectRequest) (*InspectResult, error) {
	e, err := envelope.Parse(req.Block)
	if err != nil {
		return nil, fmt.Errorf("parse block: %w", err)
	}

	r := &InspectResult{
		Info: e.Info(),
		Size: e.Size(),
		Salt: e.Salt(),
	}
	salt := r.Salt
	if req.Salt != nil {
		salt = *req.Salt
	}
	r.Verify = verify.Verify(req.Block, salt, s.key)

	if r.Structure = e.Validate(); r.Structure != nil {
		return r, nil
	}
	if r.Patches, err = e.Patches(); err != nil {
		r.Structure = err
		return r, nil
	}
	if r.GOT, err = e.GOT(); err != nil {
		r.Structure = err
		return r, nil
	}
	if r.Fixups, err = e.Fixups(); err != nil {
		r.Structure = err
	}
	return r, nil
}

// WriteReport prints r in a human readable form.
func WriteReport(w io.Writer, r *InspectResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	status := func(err error) string {
		if err == nil {
			return "ok"
		}
		return err.Error()
	}

	fmt.Fprintf(tw, "name:\t%s\n", r.Info.Name)
	fmt.Fprintf(tw, "version:\t%#x\n", r.Info.Version)
	fmt.Fprintf(tw, "format:\t%d (compat %d)\n", r.Info.FormatVersion, r.Info.FormatVersionCompat)
	fmt.Fprintf(tw, "built:\t%s\n", r.Info.BuildTimestamp)
	fmt.Fprintf(tw, "size:\t%#x\n", r.Size)
	fmt.Fprintf(tw, "salt:\t%x\n", r.Salt)
	fmt.Fprintf(tw, "entry:\t%#x\n", r.Info.EntryPoint)
	fmt.Fprintf(tw, "entry (no GOT):\t%#x\n", r.Info.EntryPointNoGOT)
	fmt.Fprintf(tw, "exec:\t%#x\n", r.Info.FunctionExec)
	fmt.Fprintf(tw, "GOT entries:\t%d\n", len(r.GOT))
	fmt.Fprintf(tw, "fixups:\t%d\n", len(r.Fixups))
	fmt.Fprintf(tw, "verification:\t%s\n", status(r.Verify))
	fmt.Fprintf(tw, "structure:\t%s\n", status(r.Structure))
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Patches) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\npatches (%d):\n", len(r.Patches))
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tLEVEL\tTYPE\tADDRESS\tARG0\tARG1")
	for i, p := range r.Patches {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%#08x\t%#08x\t%#08x\n", i, p.Level, p.Type, p.Address, p.Arg0, p.Arg1)
	}
	return tw.Flush()
}
