package documents

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type memoryRepository struct {
	mu   sync.RWMutex
	docs map[common.Hash]Document
}

// NewMemoryRepository returns a process-local Repository.
func NewMemoryRepository() Repository {
	return &memoryRepository{docs: make(map[common.Hash]Document)}
}

func (r *memoryRepository) Create(ctx context.Context, doc *Document) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[doc.Hash]; ok {
		return false, nil
	}
	r.docs[doc.Hash] = *doc
	return true, nil
}

func (r *memoryRepository) GetByHash(ctx context.Context, hash common.Hash) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[hash]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (r *memoryRepository) MarkVerified(ctx context.Context, hash common.Hash, verifier common.Address, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[hash]
	if !ok || doc.Verified {
		return false, nil
	}
	doc.Verified = true
	doc.VerifiedAt = &at
	doc.VerifiedBy = &verifier
	r.docs[hash] = doc
	return true, nil
}

func (r *memoryRepository) ListByBounty(ctx context.Context, bountyID uuid.UUID) ([]Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Document
	for _, doc := range r.docs {
		if doc.BountyID == bountyID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MilestoneID != out[j].MilestoneID {
			return out[i].MilestoneID < out[j].MilestoneID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
