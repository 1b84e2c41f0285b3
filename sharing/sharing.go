package sharing

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/vault/shamir"

	"github.com/emberward/residentd/interfaces"
)

// SecretSize is the required length of the shared secret in bytes. The
// master encryption key is always 256 bits.
const SecretSize = 32

// MaxShares is the largest supported cohort size, bounded by the GF(256)
// field the shamir arithmetic works in.
const MaxShares = 255

// Share is one fragment of a split secret. Index is 1-based and unique
// within a split; Data is the raw shamir share (which embeds its own
// x-coordinate, so Index is bookkeeping for validation and guardian
// assignment rather than an input to the arithmetic).
type Share struct {
	Index int
	Data  []byte
}

// Encode returns the transport form of the share: "<index>:<base64>".
func (s Share) Encode() string {
	return strconv.Itoa(s.Index) + ":" + base64.StdEncoding.EncodeToString(s.Data)
}

// Parse decodes a share from its transport form. Returns ErrInvalidShare on
// any malformation.
func Parse(encoded string) (Share, error) {
	idx, b64, found := strings.Cut(strings.TrimSpace(encoded), ":")
	if !found {
		return Share{}, fmt.Errorf("%w: missing index separator", interfaces.ErrInvalidShare)
	}

	index, err := strconv.Atoi(idx)
	if err != nil || index < 1 || index > MaxShares {
		return Share{}, fmt.Errorf("%w: bad index %q", interfaces.ErrInvalidShare, idx)
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Share{}, fmt.Errorf("%w: bad base64 payload", interfaces.ErrInvalidShare)
	}
	if len(data) != SecretSize+1 {
		return Share{}, fmt.Errorf("%w: unexpected share length %d", interfaces.ErrInvalidShare, len(data))
	}

	return Share{Index: index, Data: data}, nil
}

// Split divides secret into total shares such that any threshold of them
// reconstruct it. Requires 2 <= threshold <= total <= 255 and a secret of
// exactly SecretSize bytes.
func Split(secret []byte, threshold, total int) ([]Share, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	if threshold < 2 {
		return nil, fmt.Errorf("threshold must be at least 2, got %d", threshold)
	}
	if total < threshold {
		return nil, fmt.Errorf("total shares %d below threshold %d", total, threshold)
	}
	if total > MaxShares {
		return nil, fmt.Errorf("total shares %d above maximum %d", total, MaxShares)
	}

	raw, err := shamir.Split(secret, total, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}

	shares := make([]Share, len(raw))
	for i, data := range raw {
		shares[i] = Share{Index: i + 1, Data: data}
	}
	return shares, nil
}

// Reconstruct recovers the secret from at least threshold distinct shares.
// Returns ErrInsufficientShares when too few distinct shares are supplied
// and ErrInvalidShare when a share is malformed. The caller owns the
// returned buffer and must wipe it after use.
func Reconstruct(shares []Share, threshold int) ([]byte, error) {
	if threshold < 2 {
		return nil, fmt.Errorf("threshold must be at least 2, got %d", threshold)
	}

	seen := make(map[int]bool, len(shares))
	raw := make([][]byte, 0, len(shares))
	for _, s := range shares {
		if s.Index < 1 || s.Index > MaxShares {
			return nil, fmt.Errorf("%w: index %d out of range", interfaces.ErrInvalidShare, s.Index)
		}
		if len(s.Data) != SecretSize+1 {
			return nil, fmt.Errorf("%w: share %d has length %d", interfaces.ErrInvalidShare, s.Index, len(s.Data))
		}
		if seen[s.Index] {
			continue
		}
		seen[s.Index] = true
		raw = append(raw, s.Data)
	}

	if len(raw) < threshold {
		return nil, fmt.Errorf("%w: have %d distinct shares, need %d", interfaces.ErrInsufficientShares, len(raw), threshold)
	}

	secret, err := shamir.Combine(raw[:threshold])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidShare, err)
	}
	if len(secret) != SecretSize {
		Wipe(secret)
		return nil, fmt.Errorf("%w: reconstructed %d bytes, want %d", interfaces.ErrInvalidShare, len(secret), SecretSize)
	}

	return secret, nil
}

// Reshare reconstructs the secret from the old shares and re-splits it under
// new parameters. It is defined as reconstruct-then-split and deliberately
// does not shortcut the reconstruction: a reshare with insufficient old
// shares must fail exactly like a reconstruction would.
func Reshare(old []Share, oldThreshold, newThreshold, newTotal int) ([]Share, error) {
	secret, err := Reconstruct(old, oldThreshold)
	if err != nil {
		return nil, err
	}
	defer Wipe(secret)

	return Split(secret, newThreshold, newTotal)
}

// Wipe overwrites a secret buffer with zeros. It is a no-op on nil.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
