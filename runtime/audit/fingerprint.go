package audit

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// fingerprintPrefix tags fingerprints with the hash family so stored values
// stay interpretable if the scheme changes.
const fingerprintPrefix = "b3:"

// Fingerprinter derives stable, non-reversible identifiers for transcripts.
// With a key it computes keyed BLAKE3 so fingerprints of short or guessable
// transcripts cannot be confirmed by an outsider.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter returns a Fingerprinter. key must be empty (unkeyed) or
// exactly 32 bytes.
func NewFingerprinter(key []byte) (*Fingerprinter, error) {
	if len(key) != 0 && len(key) != 32 {
		return nil, fmt.Errorf("audit: fingerprint key must be 32 bytes, got %d", len(key))
	}
	return &Fingerprinter{key: append([]byte(nil), key...)}, nil
}

// Sum returns the fingerprint of text.
func (f *Fingerprinter) Sum(text string) string {
	if f == nil || len(f.key) == 0 {
		sum := blake3.Sum256([]byte(text))
		return fingerprintPrefix + hex.EncodeToString(sum[:16])
	}
	h, err := blake3.NewKeyed(f.key)
	if err != nil {
		// Unreachable: the key length is checked in NewFingerprinter.
		panic(err)
	}
	_, _ = h.WriteString(text)
	return fingerprintPrefix + hex.EncodeToString(h.Sum(nil)[:16])
}
