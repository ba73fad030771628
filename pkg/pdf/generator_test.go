package pdf

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertificateRendersPDF(t *testing.T) {
	g := NewGenerator(DefaultOptions())
	out, err := g.Certificate(Certificate{
		DocumentName: "Engagement letter",
		DocumentHash: "0xa1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90",
		Owner:        "0x00000000000000000000000000000000000000c0",
		RegisteredAt: time.Now(),
		Signers: []CertificateSigner{
			{Address: "0x000000000000000000000000000000000000000a", Name: "A", SignedAt: time.Now(), Signature: "0x" + string(bytes.Repeat([]byte("ab"), 65))},
			{Address: "0x000000000000000000000000000000000000000b", Name: "B", SignedAt: time.Now(), Signature: "0x" + string(bytes.Repeat([]byte("cd"), 65))},
		},
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}
