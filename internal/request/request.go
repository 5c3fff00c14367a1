// Package request builds payload request URLs and their commitment hashes.
//
// Construction is pure: the same challenge and parameters always produce the
// same URL and hash, so a request can be rebuilt and checked offline.
package request

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/pulsarengine/stage1/internal/identity"
)

const (
	// DefaultDomain is the payload service host.
	DefaultDomain = "nas.wiilink24.com"
	// DefaultClientTag identifies this loader to the service.
	DefaultClientTag = "pulsar2"
	// DefaultGame is the title and region token.
	DefaultGame = "RMCPD00"

	tagSize = 4
)

var (
	// ErrInvalidParams is returned for parameters that would corrupt the query.
	ErrInvalidParams = errors.New("invalid request parameters")
	// ErrTagMismatch is returned when a URL's integrity tag does not match its query.
	ErrTagMismatch = errors.New("request integrity tag mismatch")
)

// Params are the fixed parts of a request.
type Params struct {
	Domain    string
	ClientTag string
	Game      string
}

// DefaultParams returns the production parameters.
func DefaultParams() Params {
	return Params{
		Domain:    DefaultDomain,
		ClientTag: DefaultClientTag,
		Game:      DefaultGame,
	}
}

// WithRegion returns a copy with the region character of the game token
// replaced, e.g. 'E' turns RMCPD00 into RMCED00.
func (p Params) WithRegion(region byte) Params {
	if len(p.Game) >= 4 {
		g := []byte(p.Game)
		g[3] = region
		p.Game = string(g)
	}
	return p
}

// Validate rejects values that need escaping; the query is hashed verbatim.
func (p Params) Validate() error {
	if p.Domain == "" {
		return fmt.Errorf("%w: empty domain", ErrInvalidParams)
	}
	for name, v := range map[string]string{"domain": p.Domain, "client tag": p.ClientTag, "game": p.Game} {
		if strings.ContainsAny(v, "&=?#/ %") || v != url.PathEscape(v) {
			return fmt.Errorf("%w: %s %q contains reserved characters", ErrInvalidParams, name, v)
		}
	}
	if p.ClientTag == "" || p.Game == "" {
		return fmt.Errorf("%w: client tag and game are required", ErrInvalidParams)
	}
	return nil
}

// Descriptor is one built request.
type Descriptor struct {
	// Query is the exact hashed text, "payload?c=...&s=...".
	Query string
	// URL is the full request URL including the integrity tag.
	URL string
	// CommitmentHash is SHA-256 of Query. A valid response echoes it as its salt.
	CommitmentHash [sha256.Size]byte
}

// Build formats the request for challenge c.
func Build(p Params, c identity.Challenge) (Descriptor, error) {
	if err := p.Validate(); err != nil {
		return Descriptor{}, err
	}

	query := fmt.Sprintf("payload?c=%s&d=%08x&g=%s&s=%s",
		p.ClientTag, c.Identity, p.Game, hex.EncodeToString(c.Salt[:]))
	d := Descriptor{
		Query:          query,
		CommitmentHash: sha256.Sum256([]byte(query)),
	}
	d.URL = fmt.Sprintf("http://%s/%s&h=%s", p.Domain, query, hex.EncodeToString(d.CommitmentHash[:tagSize]))
	return d, nil
}

// Check recomputes the commitment from the URL and compares it with both the
// trailing tag and d.CommitmentHash.
func (d Descriptor) Check() error {
	query, tag, err := Split(d.URL)
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(query))
	if !bytes.Equal(sum[:tagSize], tag[:]) || sum != d.CommitmentHash {
		return ErrTagMismatch
	}
	return nil
}

// Split separates a request URL into the hashed query and the integrity tag.
func Split(rawURL string) (string, [tagSize]byte, error) {
	var tag [tagSize]byte

	rest, ok := strings.CutPrefix(rawURL, "http://")
	if !ok {
		return "", tag, fmt.Errorf("%w: not an http URL", ErrTagMismatch)
	}
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return "", tag, fmt.Errorf("%w: missing path", ErrTagMismatch)
	}
	rest = rest[slash+1:]

	amp := strings.LastIndex(rest, "&h=")
	if amp < 0 {
		return "", tag, fmt.Errorf("%w: missing tag", ErrTagMismatch)
	}
	raw, err := hex.DecodeString(rest[amp+len("&h="):])
	if err != nil || len(raw) != tagSize {
		return "", tag, fmt.Errorf("%w: malformed tag", ErrTagMismatch)
	}
	copy(tag[:], raw)
	return rest[:amp], tag, nil
}

// Commitment returns the commitment hash of a request URL after checking
// its integrity tag. The service signs its response with this value as the
// salt.
func Commitment(rawURL string) ([sha256.Size]byte, error) {
	query, tag, err := Split(rawURL)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	sum := sha256.Sum256([]byte(query))
	if !bytes.Equal(sum[:tagSize], tag[:]) {
		return [sha256.Size]byte{}, ErrTagMismatch
	}
	return sum, nil
}
