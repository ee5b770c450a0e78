package confirm

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/internal/config"
	"github.com/toolplane/toolplane/pkg/models"
)

// pending pairs a confirmation's metadata with its completion channel.
// resolved flips exactly once, under the registry lock.
type pending struct {
	meta models.PendingConfirmation
	ch   chan models.Resolution
}

// Registry holds the in-flight approval requests. A confirmation resolves
// exactly once: by the out-of-band resolver, or by the sweeper after the
// timeout elapses.
type Registry struct {
	cfg config.ConfirmConfig

	mu      sync.Mutex
	entries map[string]*pending

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRegistry(cfg config.ConfirmConfig) *Registry {
	return &Registry{
		cfg:     cfg,
		entries: make(map[string]*pending),
		done:    make(chan struct{}),
	}
}

// Start launches the expiry sweeper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case now := <-ticker.C:
				r.Sweep(now)
			}
		}
	}()
}

// Stop halts the sweeper and auto-denies everything still pending.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()

	r.mu.Lock()
	stale := make([]*pending, 0, len(r.entries))
	for id, p := range r.entries {
		delete(r.entries, id)
		stale = append(stale, p)
	}
	r.mu.Unlock()

	for _, p := range stale {
		p.ch <- models.Resolution{Approved: false}
	}
}

// Create registers a new pending confirmation and returns its id plus the
// channel its resolution will arrive on. The channel receives exactly one
// value.
func (r *Registry) Create(meta models.PendingConfirmation) (string, <-chan models.Resolution) {
	id := uuid.New().String()
	meta.ID = id
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	p := &pending{meta: meta, ch: make(chan models.Resolution, 1)}

	r.mu.Lock()
	r.entries[id] = p
	r.mu.Unlock()

	log.Debug().
		Str("confirmation_id", id).
		Str("tool", models.ToolID(meta.ServerID, meta.ToolName)).
		Str("user_id", meta.UserID).
		Msg("confirmation pending")
	return id, p.ch
}

// Resolve completes a pending confirmation. Returns false if the id is
// unknown, already resolved, or expired; a second Resolve on the same id
// is a reported no-op, never a double completion.
func (r *Registry) Resolve(id string, res models.Resolution) bool {
	r.mu.Lock()
	p, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	p.ch <- res
	return true
}

// List returns the pending confirmations, oldest first.
func (r *Registry) List() []models.PendingConfirmation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.PendingConfirmation, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep auto-denies every confirmation older than the timeout. A timed-out
// confirmation behaves like an ordinary denial.
func (r *Registry) Sweep(now time.Time) {
	r.mu.Lock()
	var expired []*pending
	for id, p := range r.entries {
		if now.Sub(p.meta.CreatedAt) > r.cfg.Timeout {
			delete(r.entries, id)
			expired = append(expired, p)
		}
	}
	r.mu.Unlock()

	for _, p := range expired {
		log.Info().
			Str("confirmation_id", p.meta.ID).
			Str("tool", models.ToolID(p.meta.ServerID, p.meta.ToolName)).
			Msg("confirmation timed out, auto-denying")
		p.ch <- models.Resolution{Approved: false}
	}
}
