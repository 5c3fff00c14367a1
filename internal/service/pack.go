package service

import (
	"context"
	"crypto/rsa"
	"encoding/binary"
	"fmt"

	"github.com/pulsarengine/stage1/internal/envelope"
	"github.com/pulsarengine/stage1/internal/logging"
)

// PackService builds signed payload blocks from manifests.
type PackService struct {
	clock  Clock
	logger logging.Logger
}

// NewPackService creates a pack service.
func NewPackService(clock Clock, logger logging.Logger) *PackService {
	if clock == nil {
		clock = RealClock{}
	}
	return &PackService{clock: clock, logger: logging.OrNop(logger)}
}

// PackRequest contains parameters for packing a payload.
type PackRequest struct {
	Manifest *Manifest
	// Salt is the commitment hash of the request the block answers.
	Salt [envelope.SaltSize]byte
	Key  *rsa.PrivateKey
}

// PackResult contains the packed block and its layout.
type PackResult struct {
	Block  []byte
	Layout envelope.Layout
}

// Pack lays out the manifest, rebases its data offsets to block offsets and
// signs the block.
func (s *PackService) Pack(ctx context.Context, req PackRequest) (*PackResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := req.Manifest
	if m == nil {
		return nil, fmt.Errorf("manifest is required")
	}
	if req.Key == nil {
		return nil, fmt.Errorf("signing key is required")
	}

	b := &envelope.Builder{
		Salt:           req.Salt,
		Name:           m.Name,
		Version:        m.Version,
		BuildTimestamp: BuildTimestamp(s.clock),
		Entry:          m.Entry,
		EntryNoGOT:     m.EntryNoGOT,
		Exec:           m.Exec,
		Data:           append([]byte(nil), m.Data...),
		GOT:            make([]uint32, len(m.GOT)),
		Fixups:         make([]uint32, len(m.Fixups)),
		Patches:        m.Patches,
	}

	// Section sizes do not depend on the values, so the data offset is
	// known before rebasing.
	dataOff := b.Layout().DataOffset
	size := uint32(len(m.Data))

	for i, v := range m.GOT {
		if v >= size {
			return nil, &ManifestError{Field: fmt.Sprintf("got[%d]", i+1), Message: fmt.Sprintf("%#x outside data (%#x bytes)", v, size)}
		}
		b.GOT[i] = dataOff + v
	}
	for i, pos := range m.Fixups {
		field := fmt.Sprintf("fixups[%d]", i+1)
		if pos%4 != 0 || uint64(pos)+4 > uint64(size) {
			return nil, &ManifestError{Field: field, Message: fmt.Sprintf("%#x is not an aligned word inside data", pos)}
		}
		v := binary.BigEndian.Uint32(b.Data[pos:])
		if v >= size {
			return nil, &ManifestError{Field: field, Message: fmt.Sprintf("value %#x outside data", v)}
		}
		binary.BigEndian.PutUint32(b.Data[pos:], dataOff+v)
		b.Fixups[i] = dataOff + pos
	}

	block, err := b.BuildSigned(req.Key)
	if err != nil {
		return nil, fmt.Errorf("build block: %w", err)
	}
	l := b.Layout()
	s.logger.Info("payload packed", "name", m.Name, "version", m.Version, "size", l.TotalSize, "patches", len(m.Patches))
	return &PackResult{Block: block, Layout: l}, nil
}
