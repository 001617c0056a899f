// Package ledger stores participant responses keyed by
// (participant, slide, version). It has no knowledge of interaction phase:
// eligibility is decided by the caller.
package ledger

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"roomsync/pkg/interfaces"
	"roomsync/pkg/types"
)

type responseKey struct {
	participantID string
	version       int64
}

// partition holds every slide of one session
type partition struct {
	mu     sync.Mutex
	slides map[string]map[responseKey]types.Response
}

// Ledger is partitioned by session so sessions never contend on one lock
type Ledger struct {
	partitions sync.Map // sessionID -> *partition
	store      interfaces.ResponseStore
	now        func() time.Time
}

// New creates a ledger. store may be nil for a memory-only ledger.
func New(store interfaces.ResponseStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

func (l *Ledger) partition(sessionID string) *partition {
	value, _ := l.partitions.LoadOrStore(sessionID, &partition{slides: make(map[string]map[responseKey]types.Response)})
	return value.(*partition)
}

// slide returns the response map for slideID, hydrating it from the store on
// first access. Caller holds p.mu.
func (l *Ledger) slide(ctx context.Context, p *partition, sessionID, slideID string) (map[responseKey]types.Response, error) {
	if responses, ok := p.slides[slideID]; ok {
		return responses, nil
	}

	responses := make(map[responseKey]types.Response)
	if l.store != nil {
		stored, err := l.store.ListResponses(ctx, sessionID, slideID)
		if err != nil {
			return nil, fmt.Errorf("load responses: %w", err)
		}
		for _, r := range stored {
			responses[responseKey{r.ParticipantID, r.Version}] = *r
		}
	}
	p.slides[slideID] = responses
	return responses, nil
}

// Submit stores resp under (participant, slide, version). A later submission
// for the same key overwrites the earlier one; replaced reports whether it did.
func (l *Ledger) Submit(ctx context.Context, sessionID, slideID string, resp types.Response) (replaced bool, err error) {
	if !types.IsValidID(sessionID) {
		return false, ErrInvalidSession
	}
	if !types.IsValidID(slideID) {
		return false, ErrInvalidSlide
	}
	resp.SessionID = sessionID
	resp.SlideID = slideID
	if resp.SubmittedAt.IsZero() {
		resp.SubmittedAt = l.now()
	}
	if err := resp.Validate(); err != nil {
		return false, err
	}

	p := l.partition(sessionID)
	p.mu.Lock()
	defer p.mu.Unlock()

	responses, err := l.slide(ctx, p, sessionID, slideID)
	if err != nil {
		return false, err
	}

	if l.store != nil {
		if err := l.store.UpsertResponse(ctx, &resp); err != nil {
			return false, fmt.Errorf("persist response: %w", err)
		}
	}

	key := responseKey{resp.ParticipantID, resp.Version}
	_, replaced = responses[key]
	responses[key] = resp
	return replaced, nil
}

// List returns every stored response for the slide ordered by participant.
// Reset clears the slide, so this is the current version's key space.
func (l *Ledger) List(ctx context.Context, sessionID, slideID string) ([]types.Response, error) {
	return l.list(ctx, sessionID, slideID, func(types.Response) bool { return true })
}

// ListVersion returns only the responses tagged with version
func (l *Ledger) ListVersion(ctx context.Context, sessionID, slideID string, version int64) ([]types.Response, error) {
	return l.list(ctx, sessionID, slideID, func(r types.Response) bool { return r.Version == version })
}

func (l *Ledger) list(ctx context.Context, sessionID, slideID string, keep func(types.Response) bool) ([]types.Response, error) {
	p := l.partition(sessionID)
	p.mu.Lock()
	defer p.mu.Unlock()

	responses, err := l.slide(ctx, p, sessionID, slideID)
	if err != nil {
		return nil, err
	}

	result := make([]types.Response, 0, len(responses))
	for _, r := range responses {
		if keep(r) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ParticipantID != result[j].ParticipantID {
			return result[i].ParticipantID < result[j].ParticipantID
		}
		return result[i].Version < result[j].Version
	})
	return result, nil
}

// Clear removes every response for the slide
func (l *Ledger) Clear(ctx context.Context, sessionID, slideID string) error {
	p := l.partition(sessionID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if l.store != nil {
		if err := l.store.DeleteResponses(ctx, sessionID, slideID); err != nil {
			return fmt.Errorf("clear responses: %w", err)
		}
	}
	p.slides[slideID] = make(map[responseKey]types.Response)
	return nil
}

// Drop releases the in-memory partition of an ended session. Stored rows are
// kept.
func (l *Ledger) Drop(sessionID string) {
	if _, ok := l.partitions.LoadAndDelete(sessionID); ok {
		log.Printf("Ledger partition released: session=%s", sessionID)
	}
}
