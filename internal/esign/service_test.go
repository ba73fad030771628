package esign

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/events"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/pdf"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/security"
)

type party struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newParty(t *testing.T) party {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return party{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (p party) sign(t *testing.T, hash common.Hash) []byte {
	t.Helper()
	sig, err := security.Sign(security.SigningMessage(hash), p.key)
	require.NoError(t, err)
	return sig
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(e.Type))
}

func newTestService() (Service, *recorder) {
	rec := &recorder{}
	return NewService(NewMemoryRepository(), security.NewValidator(), pdf.NewGenerator(pdf.DefaultOptions()), rec, zap.NewNop()), rec
}

var testHash = crypto.Keccak256Hash([]byte("engagement letter v3"))

func TestScenarioTwoSigners(t *testing.T) {
	ctx := context.Background()
	s, rec := newTestService()
	owner, a, b := newParty(t), newParty(t), newParty(t)

	_, err := s.RegisterDocument(ctx, owner.addr, testHash, "Engagement letter")
	require.NoError(t, err)
	_, err = s.RequestSignature(ctx, owner.addr, testHash, a.addr, "Alice", "alice@example.com")
	require.NoError(t, err)
	_, err = s.RequestSignature(ctx, owner.addr, testHash, b.addr, "Bob", "bob@example.com")
	require.NoError(t, err)

	_, err = s.SignDocument(ctx, a.addr, testHash, a.sign(t, testHash), "", "")
	require.NoError(t, err)

	stats, err := s.GetDocumentStats(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, DocumentStats{TotalSigners: 2, SignedCount: 1, PendingCount: 1}, *stats)
	full, err := s.IsDocumentFullySigned(ctx, testHash)
	require.NoError(t, err)
	assert.False(t, full)

	_, err = s.SignDocument(ctx, b.addr, testHash, b.sign(t, testHash), "", "")
	require.NoError(t, err)

	stats, err = s.GetDocumentStats(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, DocumentStats{TotalSigners: 2, SignedCount: 2, PendingCount: 0}, *stats)
	full, err = s.IsDocumentFullySigned(ctx, testHash)
	require.NoError(t, err)
	assert.True(t, full)

	sig, err := s.GetSignatureInfo(ctx, testHash, a.addr)
	require.NoError(t, err)
	assert.Equal(t, "Alice", sig.SignerName, "name falls back to the request")
	assert.True(t, sig.IsValid)

	signers, err := s.GetDocumentSigners(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{a.addr, b.addr}, signers)

	cert, err := s.CompletionCertificate(ctx, testHash)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(cert, []byte("%PDF-")))

	assert.Contains(t, rec.events, "signature.completed")
}

func TestScenarioRevocation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService()
	owner, a, b := newParty(t), newParty(t), newParty(t)

	_, err := s.RegisterDocument(ctx, owner.addr, testHash, "NDA")
	require.NoError(t, err)
	_, err = s.RequestSignature(ctx, owner.addr, testHash, a.addr, "", "")
	require.NoError(t, err)
	_, err = s.RequestSignature(ctx, owner.addr, testHash, b.addr, "", "")
	require.NoError(t, err)
	_, err = s.SignDocument(ctx, a.addr, testHash, a.sign(t, testHash), "", "")
	require.NoError(t, err)

	_, err = s.RevokeDocument(ctx, a.addr, testHash)
	assert.True(t, errors.Is(err, apperr.ErrAuthorization), "only the owner revokes")

	env, err := s.RevokeDocument(ctx, owner.addr, testHash)
	require.NoError(t, err)
	assert.False(t, env.IsActive)
	assert.NotNil(t, env.RevokedAt)

	_, err = s.RequestSignature(ctx, owner.addr, testHash, b.addr, "", "")
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))
	_, err = s.SignDocument(ctx, b.addr, testHash, b.sign(t, testHash), "", "")
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))

	sig, err := s.GetSignatureInfo(ctx, testHash, a.addr)
	require.NoError(t, err, "historical signatures stay queryable")
	assert.True(t, sig.IsValid)

	v, err := s.VerifySignature(ctx, testHash, a.addr, nil)
	require.NoError(t, err)
	assert.False(t, v.Valid, "registry path reports revoked envelopes as invalid")
	assert.True(t, VerifyOffline(security.SigningMessage(testHash), sig.SignatureBytes, a.addr).Valid,
		"offline path needs no registry and still verifies")
}

func TestSignDocumentRejections(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService()
	owner, a, mallory := newParty(t), newParty(t), newParty(t)

	_, err := s.SignDocument(ctx, a.addr, testHash, a.sign(t, testHash), "", "")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = s.RegisterDocument(ctx, owner.addr, testHash, "Retainer")
	require.NoError(t, err)

	_, err = s.SignDocument(ctx, a.addr, testHash, a.sign(t, testHash), "", "")
	assert.True(t, errors.Is(err, apperr.ErrAuthorization), "no request for a")

	_, err = s.RequestSignature(ctx, a.addr, testHash, a.addr, "", "")
	assert.True(t, errors.Is(err, apperr.ErrAuthorization), "only the owner requests")

	_, err = s.RequestSignature(ctx, owner.addr, testHash, a.addr, "", "")
	require.NoError(t, err)

	_, err = s.SignDocument(ctx, a.addr, testHash, mallory.sign(t, testHash), "", "")
	assert.True(t, errors.Is(err, apperr.ErrCrypto))
	_, err = s.SignDocument(ctx, a.addr, testHash, []byte{1, 2, 3}, "", "")
	assert.True(t, errors.Is(err, apperr.ErrCrypto))
	other := crypto.Keccak256Hash([]byte("other document"))
	_, err = s.SignDocument(ctx, a.addr, testHash, a.sign(t, other), "", "")
	assert.True(t, errors.Is(err, apperr.ErrCrypto), "signature over another document")

	stats, _ := s.GetDocumentStats(ctx, testHash)
	assert.Equal(t, 0, stats.SignedCount, "failed verification changes nothing")

	_, err = s.SignDocument(ctx, a.addr, testHash, a.sign(t, testHash), "", "")
	require.NoError(t, err)
	_, err = s.SignDocument(ctx, a.addr, testHash, a.sign(t, testHash), "", "")
	assert.True(t, errors.Is(err, apperr.ErrStateConflict), "signing twice")
}

func TestRegisterDocumentOwnership(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService()
	owner, other := newParty(t), newParty(t)

	first, err := s.RegisterDocument(ctx, owner.addr, testHash, "Lease")
	require.NoError(t, err)
	again, err := s.RegisterDocument(ctx, owner.addr, testHash, "Lease")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)

	_, err = s.RegisterDocument(ctx, other.addr, testHash, "Lease")
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))

	_, err = s.RegisterDocument(ctx, owner.addr, common.Hash{}, "Lease")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestZeroSignersIsNotFullySigned(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService()
	owner := newParty(t)

	_, err := s.RegisterDocument(ctx, owner.addr, testHash, "Empty")
	require.NoError(t, err)

	full, err := s.IsDocumentFullySigned(ctx, testHash)
	require.NoError(t, err)
	assert.False(t, full)

	_, err = s.CompletionCertificate(ctx, testHash)
	assert.True(t, errors.Is(err, apperr.ErrStateConflict))
}

func TestRerequestKeepsCompletion(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService()
	owner, a := newParty(t), newParty(t)

	_, _ = s.RegisterDocument(ctx, owner.addr, testHash, "Deed")
	first, err := s.RequestSignature(ctx, owner.addr, testHash, a.addr, "A", "")
	require.NoError(t, err)
	_, err = s.SignDocument(ctx, a.addr, testHash, a.sign(t, testHash), "", "")
	require.NoError(t, err)

	again, err := s.RequestSignature(ctx, owner.addr, testHash, a.addr, "", "")
	require.NoError(t, err)
	assert.True(t, again.IsCompleted)
	assert.False(t, again.RequestedAt.Before(first.RequestedAt))
	assert.Equal(t, "A", again.SignerName)

	reqs, _ := s.GetSignatureRequests(ctx, testHash)
	assert.Len(t, reqs, 1)
}

// Any subset of signers, signing in any order: fully signed exactly when
// every requested signer has a valid signature, and the registry and
// offline paths agree.
func TestFullySignedAndVerificationAgreement(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 20; round++ {
		s, _ := newTestService()
		owner := newParty(t)
		hash := crypto.Keccak256Hash([]byte{byte(round)})
		_, err := s.RegisterDocument(ctx, owner.addr, hash, "doc")
		require.NoError(t, err)

		signers := make([]party, 1+rng.Intn(4))
		for i := range signers {
			signers[i] = newParty(t)
			_, err := s.RequestSignature(ctx, owner.addr, hash, signers[i].addr, "", "")
			require.NoError(t, err)
		}

		order := rng.Perm(len(signers))
		signed := map[common.Address]bool{}
		for _, i := range order[:rng.Intn(len(signers)+1)] {
			p := signers[i]
			_, err := s.SignDocument(ctx, p.addr, hash, p.sign(t, hash), "", "")
			require.NoError(t, err)
			signed[p.addr] = true
		}

		full, err := s.IsDocumentFullySigned(ctx, hash)
		require.NoError(t, err)
		allValid := true
		for _, p := range signers {
			info, err := s.GetSignatureInfo(ctx, hash, p.addr)
			valid := err == nil && info.IsValid
			allValid = allValid && valid
			assert.Equal(t, signed[p.addr], valid)

			registry, err := s.VerifySignature(ctx, hash, p.addr, nil)
			require.NoError(t, err)
			if valid {
				offline := VerifyOffline(security.SigningMessage(hash), info.SignatureBytes, p.addr)
				assert.Equal(t, offline.Valid, registry.Valid)
				assert.True(t, registry.Valid)
			} else {
				assert.False(t, registry.Valid)
			}
		}
		assert.Equal(t, allValid, full, "round %d", round)
	}
}

func TestConcurrentSignRecordsOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService()
	owner, a := newParty(t), newParty(t)
	_, _ = s.RegisterDocument(ctx, owner.addr, testHash, "Contract")
	_, err := s.RequestSignature(ctx, owner.addr, testHash, a.addr, "", "")
	require.NoError(t, err)
	sig := a.sign(t, testHash)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.SignDocument(ctx, a.addr, testHash, sig, "", ""); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.True(t, errors.Is(err, apperr.ErrStateConflict))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}
