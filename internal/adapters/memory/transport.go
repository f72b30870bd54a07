package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"deployq/internal/domain"
)

const pollInterval = 20 * time.Millisecond

type entryState int

const (
	stateReady entryState = iota
	stateDelayed
	stateInflight
)

type entry struct {
	id            string
	body          []byte
	priority      int
	enqueuedAt    time.Time
	deliverAt     time.Time
	deliveryCount int
	lockToken     string
	lockedUntil   time.Time
	state         entryState
	lastReason    string
}

// Transport mirrors the lease semantics of the Redis transport in process.
type Transport struct {
	mu      sync.Mutex
	entries map[string]*entry
	dead    []domain.DeadLetterRecord
	lease   time.Duration
	notify  chan struct{}
	now     func() time.Time
}

func NewTransport(lease time.Duration) *Transport {
	if lease <= 0 {
		lease = time.Minute
	}
	return &Transport{
		entries: make(map[string]*entry),
		lease:   lease,
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

type Stats struct {
	Ready    int
	Delayed  int
	Inflight int
	Dead     int
}

func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Stats
	for _, e := range t.entries {
		switch e.state {
		case stateReady:
			s.Ready++
		case stateDelayed:
			s.Delayed++
		case stateInflight:
			s.Inflight++
		}
	}
	s.Dead = len(t.dead)
	return s
}

func (t *Transport) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *Transport) Send(ctx context.Context, body []byte, opts domain.SendOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := opts.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := t.entries[id]; exists {
		return nil
	}
	now := t.now()
	e := &entry{
		id:         id,
		body:       append([]byte(nil), body...),
		priority:   domain.ClampPriority(opts.Priority),
		enqueuedAt: now,
		state:      stateReady,
	}
	if opts.DeliverAt.After(now) {
		e.deliverAt = opts.DeliverAt
		e.state = stateDelayed
	}
	t.entries[id] = e
	t.signal()
	return nil
}

func (t *Transport) ScheduleAt(ctx context.Context, body []byte, at time.Time, opts domain.SendOptions) error {
	opts.DeliverAt = at
	return t.Send(ctx, body, opts)
}

func (t *Transport) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]*domain.LockedMessage, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if msgs := t.lockBatch(maxCount); len(msgs) > 0 {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-t.notify:
		case <-ticker.C:
		}
	}
}

func (t *Transport) lockBatch(maxCount int) []*domain.LockedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.maintainLocked(now)

	var ready []*entry
	for _, e := range t.entries {
		if e.state == stateReady {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].priority != ready[j].priority {
			return ready[i].priority > ready[j].priority
		}
		return ready[i].enqueuedAt.Before(ready[j].enqueuedAt)
	})
	if len(ready) > maxCount {
		ready = ready[:maxCount]
	}

	out := make([]*domain.LockedMessage, 0, len(ready))
	for _, e := range ready {
		e.state = stateInflight
		e.deliveryCount++
		e.lockToken = uuid.NewString()
		e.lockedUntil = now.Add(t.lease)
		out = append(out, &domain.LockedMessage{
			ID:            e.id,
			Body:          append([]byte(nil), e.body...),
			DeliveryCount: e.deliveryCount,
			LockToken:     e.lockToken,
			Priority:      e.priority,
			EnqueuedAt:    e.enqueuedAt,
			LockedUntil:   e.lockedUntil,
		})
	}
	return out
}

// locked returns the entry if msg still holds its lease.
func (t *Transport) locked(msg *domain.LockedMessage) (*entry, error) {
	e, ok := t.entries[msg.ID]
	if !ok || e.state != stateInflight || e.lockToken != msg.LockToken {
		return nil, domain.ErrLockLost
	}
	if t.now().After(e.lockedUntil) {
		return nil, domain.ErrLockLost
	}
	return e, nil
}

func (t *Transport) Complete(ctx context.Context, msg *domain.LockedMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.locked(msg); err != nil {
		return err
	}
	delete(t.entries, msg.ID)
	return nil
}

// Renew extends the lease of a message the caller still holds.
func (t *Transport) Renew(ctx context.Context, msg *domain.LockedMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.locked(msg)
	if err != nil {
		return err
	}
	e.lockedUntil = t.now().Add(t.lease)
	return nil
}

func (t *Transport) Abandon(ctx context.Context, msg *domain.LockedMessage, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.locked(msg)
	if err != nil {
		return err
	}
	e.state = stateReady
	e.lockToken = ""
	e.lastReason = reason
	t.signal()
	return nil
}

func (t *Transport) DeadLetter(ctx context.Context, msg *domain.LockedMessage, reason domain.DeadLetterReason, detail string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.locked(msg)
	if err != nil {
		return err
	}
	delete(t.entries, msg.ID)
	t.dead = append(t.dead, newDeadLetterRecord(e.id, e.body, reason, detail, e.deliveryCount, t.now()))
	return nil
}

func newDeadLetterRecord(id string, body []byte, reason domain.DeadLetterReason, detail string, deliveries int, now time.Time) domain.DeadLetterRecord {
	rec := domain.DeadLetterRecord{
		MessageID:     id,
		Reason:        reason,
		FinalError:    detail,
		DeliveryCount: deliveries,
		DeadLetterAt:  now,
	}
	if msg, err := domain.DecodeQueueMessage(body); err == nil {
		rec.Message = msg
	} else {
		rec.RawBody = append([]byte(nil), body...)
	}
	return rec
}

func (t *Transport) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.dead) {
		limit = len(t.dead)
	}
	// newest first, like the Redis list
	out := make([]domain.DeadLetterRecord, 0, limit)
	for i := len(t.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.dead[i])
	}
	return out, nil
}

func (t *Transport) Maintain(ctx context.Context, now time.Time) (int, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	promoted, reclaimed := t.maintainLocked(now)
	if promoted+reclaimed > 0 {
		t.signal()
	}
	return promoted, reclaimed, nil
}

func (t *Transport) maintainLocked(now time.Time) (promoted, reclaimed int) {
	for _, e := range t.entries {
		switch {
		case e.state == stateDelayed && !e.deliverAt.After(now):
			e.state = stateReady
			promoted++
		case e.state == stateInflight && now.After(e.lockedUntil):
			e.state = stateReady
			e.lockToken = ""
			reclaimed++
		}
	}
	return promoted, reclaimed
}

func (t *Transport) Close() error {
	return nil
}
