// Package memory holds in-process implementations of the store and
// transport ports, used by tests and by single-process development mode.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"deployq/internal/domain"
	"deployq/internal/ports"
)

type DeploymentStore struct {
	mu        sync.RWMutex
	docs      map[string]*domain.DeploymentState
	retention time.Duration
}

func NewDeploymentStore(retention time.Duration) *DeploymentStore {
	return &DeploymentStore{
		docs:      make(map[string]*domain.DeploymentState),
		retention: retention,
	}
}

func key(id, ownerKey string) string {
	return ownerKey + "/" + id
}

func clone(s *domain.DeploymentState) (*domain.DeploymentState, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out domain.DeploymentState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *DeploymentStore) Create(ctx context.Context, state *domain.DeploymentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(state.DeploymentID, state.Owner.Key())
	if _, ok := s.docs[k]; ok {
		return domain.ErrAlreadyExists
	}
	state.Version = 1
	cp, err := clone(state)
	if err != nil {
		return errors.Wrap(err, "copy deployment state")
	}
	s.docs[k] = cp
	return nil
}

func (s *DeploymentStore) Get(ctx context.Context, id, ownerKey string) (*domain.DeploymentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[key(id, ownerKey)]
	if !ok {
		return nil, nil
	}
	return clone(doc)
}

func (s *DeploymentStore) Update(ctx context.Context, state *domain.DeploymentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(state.DeploymentID, state.Owner.Key())
	current, ok := s.docs[k]
	if !ok {
		return domain.ErrDeploymentNotFound
	}
	if current.Version != state.Version {
		return domain.ErrVersionConflict
	}
	state.Version++
	cp, err := clone(state)
	if err != nil {
		state.Version--
		return errors.Wrap(err, "copy deployment state")
	}
	s.docs[k] = cp
	return nil
}

func (s *DeploymentStore) List(ctx context.Context, ownerKey string, filter ports.ListFilter, pageToken string) ([]*domain.DeploymentState, string, error) {
	cursor, err := ports.DecodePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	limit := ports.NormalizeLimit(filter.Limit)

	s.mu.RLock()
	var matched []*domain.DeploymentState
	for _, doc := range s.docs {
		if doc.Owner.Key() != ownerKey {
			continue
		}
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		if cursor != nil && !cursor.Before(doc.StartedAt, doc.DeploymentID) {
			continue
		}
		matched = append(matched, doc)
	}
	s.mu.RUnlock()

	// order at the precision page tokens carry
	sort.Slice(matched, func(i, j int) bool {
		ti := matched[i].StartedAt.Truncate(time.Microsecond)
		tj := matched[j].StartedAt.Truncate(time.Microsecond)
		if ti.Equal(tj) {
			return matched[i].DeploymentID > matched[j].DeploymentID
		}
		return ti.After(tj)
	})

	next := ""
	if len(matched) > limit {
		matched = matched[:limit]
		last := matched[limit-1]
		next = ports.EncodePageToken(ports.PageCursor{StartedAt: last.StartedAt, ID: last.DeploymentID})
	}
	out := make([]*domain.DeploymentState, 0, len(matched))
	for _, doc := range matched {
		cp, err := clone(doc)
		if err != nil {
			return nil, "", err
		}
		out = append(out, cp)
	}
	return out, next, nil
}

func (s *DeploymentStore) Delete(ctx context.Context, id, ownerKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(id, ownerKey)
	if _, ok := s.docs[k]; !ok {
		return domain.ErrDeploymentNotFound
	}
	delete(s.docs, k)
	return nil
}

func (s *DeploymentStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for k, doc := range s.docs {
		if doc.Status.IsTerminal() && doc.CompletedAt != nil && doc.CompletedAt.Add(s.retention).Before(now) {
			delete(s.docs, k)
			purged++
		}
	}
	return purged, nil
}
