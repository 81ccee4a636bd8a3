package chain

import (
	"crypto/sha256"
	"fmt"

	"github.com/klingon-exchange/bridge-relay/pkg/helpers"
)

// Hash is a 32-byte hashlock. It encodes as 0x-prefixed hex.
type Hash [32]byte

// Preimage is the 32-byte secret behind a hashlock.
type Preimage [32]byte

// ParseHash decodes a hex hash with or without 0x prefix.
func ParseHash(s string) (Hash, error) {
	b, err := helpers.HexToBytes32(s)
	return Hash(b), err
}

// ParsePreimage decodes a hex preimage with or without 0x prefix.
func ParsePreimage(s string) (Preimage, error) {
	b, err := helpers.HexToBytes32(s)
	return Preimage(b), err
}

func (h Hash) String() string { return helpers.BytesToHex(h[:]) }

// IsZero reports whether h is unset.
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	v, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

func (p Preimage) String() string { return helpers.BytesToHex(p[:]) }

func (p Preimage) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Preimage) UnmarshalText(b []byte) error {
	v, err := ParsePreimage(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// HashPreimage returns sha256(preimage).
func HashPreimage(p Preimage) Hash {
	return Hash(sha256.Sum256(p[:]))
}

// VerifyPreimage reports whether sha256(preimage) == hashlock.
func VerifyPreimage(p Preimage, hashlock Hash) bool {
	h := HashPreimage(p)
	return helpers.ConstantTimeCompare(h[:], hashlock[:])
}

// CheckPreimage returns ErrInvalidPreimage if the preimage does not open hashlock.
func CheckPreimage(p Preimage, hashlock Hash) error {
	if !VerifyPreimage(p, hashlock) {
		return ErrInvalidPreimage
	}
	return nil
}

// GenerateSecret returns a fresh preimage and its hashlock.
func GenerateSecret() (Preimage, Hash, error) {
	b, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return Preimage{}, Hash{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	var p Preimage
	copy(p[:], b)
	return p, HashPreimage(p), nil
}
