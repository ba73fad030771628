package reputation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type ratingKey struct {
	bountyID uuid.UUID
	rater    common.Address
}

type memoryRepository struct {
	mu      sync.RWMutex
	ratings map[ratingKey]Rating
}

func NewMemoryRepository() Repository {
	return &memoryRepository{ratings: make(map[ratingKey]Rating)}
}

func (m *memoryRepository) Create(ctx context.Context, r *Rating) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ratingKey{r.BountyID, r.Rater}
	if _, ok := m.ratings[key]; ok {
		return false, nil
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now().UTC()
	m.ratings[key] = *r
	return true, nil
}

func (m *memoryRepository) Totals(ctx context.Context, provider common.Address) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count, sum int64
	for _, r := range m.ratings {
		if r.Provider == provider {
			count++
			sum += int64(r.Score)
		}
	}
	return count, sum, nil
}

func (m *memoryRepository) ListByProvider(ctx context.Context, provider common.Address, limit int) ([]Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Rating{}
	for _, r := range m.ratings {
		if r.Provider == provider {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
