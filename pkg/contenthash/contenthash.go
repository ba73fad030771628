// Package contenthash computes the 256-bit content digests used as the
// primary key of proof documents and signing envelopes.
//
// Digests are taken over the exact content bytes and nothing else, so
// identical content always yields the identical hash.
package contenthash

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm names a supported 256-bit digest.
type Algorithm string

const (
	SHA256    Algorithm = "sha256"
	Keccak256 Algorithm = "keccak256"
	BLAKE3    Algorithm = "blake3"
	BLAKE2b   Algorithm = "blake2b-256"
)

// Default is used when no algorithm is configured.
const Default = SHA256

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256, "":
		return sha256.New(), nil
	case Keccak256:
		return sha3.NewLegacyKeccak256(), nil
	case BLAKE3:
		return blake3.New(), nil
	case BLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", string(a))
	}
}

// Validate reports whether the algorithm is supported.
func (a Algorithm) Validate() error {
	_, err := a.newHash()
	return err
}

// Sum returns the digest of content.
func Sum(alg Algorithm, content []byte) (common.Hash, error) {
	h, err := alg.newHash()
	if err != nil {
		return common.Hash{}, err
	}
	h.Write(content)
	return common.BytesToHash(h.Sum(nil)), nil
}

// SumReader streams r through the digest.
func SumReader(alg Algorithm, r io.Reader) (common.Hash, error) {
	h, err := alg.newHash()
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return common.Hash{}, fmt.Errorf("failed to read content: %w", err)
	}
	return common.BytesToHash(h.Sum(nil)), nil
}

// Parse decodes a 0x-prefixed, 64 hex digit document hash. Unlike
// common.HexToHash it rejects short, long, or malformed input.
func Parse(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid document hash %q: %w", s, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid document hash %q: want %d bytes, got %d", s, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}
