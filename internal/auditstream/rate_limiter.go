package auditstream

import (
	"sync"
	"time"

	"github.com/songying/claude-tgbot/internal/audit"
)

// RateLimiter coalesces bursts of audit records for the same user into one
// broadcast, the same batching shape as the terminal-output hub's
// per-window limiter, keyed by user_id instead of tmux window.
type RateLimiter struct {
	mu       sync.Mutex
	pending  map[string]*pendingRecords
	interval time.Duration
	onFlush  func(userID string, records []audit.Record)
}

type pendingRecords struct {
	records []audit.Record
	timer   *time.Timer
}

func NewRateLimiter(interval time.Duration, onFlush func(string, []audit.Record)) *RateLimiter {
	return &RateLimiter{
		pending:  make(map[string]*pendingRecords),
		interval: interval,
		onFlush:  onFlush,
	}
}

func (r *RateLimiter) Add(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.pending[rec.UserID]
	if !exists {
		p = &pendingRecords{}
		r.pending[rec.UserID] = p
	}
	p.records = append(p.records, rec)

	if p.timer == nil {
		userID := rec.UserID
		p.timer = time.AfterFunc(r.interval, func() {
			r.flushUser(userID)
		})
	}
}

func (r *RateLimiter) flushUser(userID string) {
	r.mu.Lock()
	p, exists := r.pending[userID]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.pending, userID)
	r.mu.Unlock()

	if r.onFlush != nil && len(p.records) > 0 {
		r.onFlush(userID, p.records)
	}
}

func (r *RateLimiter) FlushAll() {
	r.mu.Lock()
	users := make([]string, 0, len(r.pending))
	for u := range r.pending {
		users = append(users, u)
	}
	r.mu.Unlock()

	for _, u := range users {
		r.flushUser(u)
	}
}
