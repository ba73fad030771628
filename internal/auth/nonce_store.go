package auth

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NonceStore keeps one outstanding login challenge per address.
type NonceStore struct {
	data    map[common.Address]*nonceEntry
	ttl     time.Duration
	mu      sync.Mutex
	cleanup *time.Ticker
	done    chan struct{}
}

type nonceEntry struct {
	message    string
	expiration time.Time
}

// NewNonceStore creates a store whose challenges expire after ttl.
func NewNonceStore(ttl time.Duration) *NonceStore {
	s := &NonceStore{
		data:    make(map[common.Address]*nonceEntry),
		ttl:     ttl,
		cleanup: time.NewTicker(time.Minute),
		done:    make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Put replaces any outstanding challenge for addr.
func (s *NonceStore) Put(addr common.Address, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[addr] = &nonceEntry{
		message:    message,
		expiration: time.Now().Add(s.ttl),
	}
}

// Take returns and removes the challenge for addr. A challenge can be used
// once.
func (s *NonceStore) Take(addr common.Address) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[addr]
	if !ok {
		return "", false
	}
	delete(s.data, addr)
	if time.Now().After(entry.expiration) {
		return "", false
	}
	return entry.message, true
}

// Size returns the number of outstanding challenges.
func (s *NonceStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.data)
}

func (s *NonceStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.removeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *NonceStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for addr, entry := range s.data {
		if now.After(entry.expiration) {
			delete(s.data, addr)
		}
	}
}

// Stop stops the cleanup goroutine
func (s *NonceStore) Stop() {
	s.cleanup.Stop()
	close(s.done)
}
