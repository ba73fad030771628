package contenthash

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumIsContentAddressed(t *testing.T) {
	content := []byte("Engagement letter, milestone 1 deliverable")

	for _, alg := range []Algorithm{SHA256, Keccak256, BLAKE3, BLAKE2b} {
		t.Run(string(alg), func(t *testing.T) {
			first, err := Sum(alg, content)
			require.NoError(t, err)
			second, err := Sum(alg, bytes.Clone(content))
			require.NoError(t, err)
			assert.Equal(t, first, second)

			streamed, err := SumReader(alg, bytes.NewReader(content))
			require.NoError(t, err)
			assert.Equal(t, first, streamed)

			tampered := bytes.Clone(content)
			tampered[0] ^= 0x01
			other, err := Sum(alg, tampered)
			require.NoError(t, err)
			assert.NotEqual(t, first, other)
		})
	}
}

func TestSumMatchesReferenceDigests(t *testing.T) {
	content := []byte("abc")

	got, err := Sum(SHA256, content)
	require.NoError(t, err)
	want := sha256.Sum256(content)
	assert.Equal(t, want[:], got.Bytes())

	got, err = Sum(Keccak256, content)
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash(content), got)
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := Sum("md5", []byte("x"))
	assert.Error(t, err)
	assert.Error(t, Algorithm("md5").Validate())
	assert.NoError(t, BLAKE3.Validate())
}

func TestParse(t *testing.T) {
	h, err := Sum(SHA256, []byte("doc"))
	require.NoError(t, err)

	parsed, err := Parse(h.Hex())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	for _, bad := range []string{"", "abc", "0x1234", h.Hex()[2:], h.Hex() + "00", "0xzz" + h.Hex()[4:]} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}
