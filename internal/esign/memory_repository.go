package esign

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type requestKey struct {
	hash   common.Hash
	signer common.Address
}

type memoryRepository struct {
	mu         sync.RWMutex
	envelopes  map[common.Hash]Envelope
	requests   map[requestKey]SignatureRequest
	order      map[common.Hash][]common.Address
	signatures map[requestKey]Signature
}

// NewMemoryRepository returns a process-local Repository.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		envelopes:  make(map[common.Hash]Envelope),
		requests:   make(map[requestKey]SignatureRequest),
		order:      make(map[common.Hash][]common.Address),
		signatures: make(map[requestKey]Signature),
	}
}

func (r *memoryRepository) CreateEnvelope(ctx context.Context, env *Envelope) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.envelopes[env.Hash]; ok {
		return false, nil
	}
	r.envelopes[env.Hash] = *env
	return true, nil
}

func (r *memoryRepository) GetEnvelope(ctx context.Context, hash common.Hash) (*Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.envelopes[hash]
	if !ok {
		return nil, nil
	}
	return &env, nil
}

func (r *memoryRepository) RevokeEnvelope(ctx context.Context, hash common.Hash, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envelopes[hash]
	if !ok || !env.IsActive {
		return false, nil
	}
	env.IsActive = false
	env.RevokedAt = &at
	r.envelopes[hash] = env
	return true, nil
}

func (r *memoryRepository) UpsertRequest(ctx context.Context, req *SignatureRequest) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envelopes[req.DocumentHash]
	if !ok || !env.IsActive {
		return false, nil
	}
	key := requestKey{req.DocumentHash, req.Signer}
	existing, ok := r.requests[key]
	if !ok {
		stored := *req
		stored.IsCompleted = false
		r.requests[key] = stored
		r.order[req.DocumentHash] = append(r.order[req.DocumentHash], req.Signer)
		return true, nil
	}
	existing.RequestedAt = req.RequestedAt
	if req.SignerName != "" {
		existing.SignerName = req.SignerName
	}
	if req.SignerEmail != "" {
		existing.SignerEmail = req.SignerEmail
	}
	r.requests[key] = existing
	return true, nil
}

func (r *memoryRepository) GetRequest(ctx context.Context, hash common.Hash, signer common.Address) (*SignatureRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[requestKey{hash, signer}]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (r *memoryRepository) ListRequests(ctx context.Context, hash common.Hash) ([]SignatureRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	signers := r.order[hash]
	out := make([]SignatureRequest, 0, len(signers))
	for _, s := range signers {
		out = append(out, r.requests[requestKey{hash, s}])
	}
	return out, nil
}

func (r *memoryRepository) CompleteSignature(ctx context.Context, sig *Signature) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envelopes[sig.DocumentHash]
	if !ok || !env.IsActive {
		return ErrNotSignable
	}
	key := requestKey{sig.DocumentHash, sig.Signer}
	req, ok := r.requests[key]
	if !ok || req.IsCompleted {
		return ErrNotSignable
	}
	req.IsCompleted = true
	r.requests[key] = req
	stored := *sig
	stored.SignatureBytes = append([]byte(nil), sig.SignatureBytes...)
	r.signatures[key] = stored
	return nil
}

func (r *memoryRepository) GetSignature(ctx context.Context, hash common.Hash, signer common.Address) (*Signature, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sig, ok := r.signatures[requestKey{hash, signer}]
	if !ok {
		return nil, nil
	}
	return &sig, nil
}

func (r *memoryRepository) ListSignatures(ctx context.Context, hash common.Hash) ([]Signature, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Signature
	for key, sig := range r.signatures {
		if key.hash == hash {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignedAt.Before(out[j].SignedAt) })
	return out, nil
}
