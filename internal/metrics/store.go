package metrics

import (
	"context"
	"time"

	"deployq/internal/domain"
	"deployq/internal/ports"
)

type instrumentedStore struct {
	store   ports.DeploymentStore
	metrics *Metrics
}

// InstrumentedStore wraps a store so every call is timed. The returned value
// also implements ports.RetentionPurger when the wrapped store does.
func InstrumentedStore(store ports.DeploymentStore, m *Metrics) ports.DeploymentStore {
	inner := &instrumentedStore{store: store, metrics: m}
	if purger, ok := store.(ports.RetentionPurger); ok {
		return &instrumentedPurgingStore{instrumentedStore: inner, purger: purger}
	}
	return inner
}

func (i *instrumentedStore) Create(ctx context.Context, state *domain.DeploymentState) (err error) {
	defer func(begin time.Time) { i.metrics.observeStore("Create", err, begin) }(time.Now())
	return i.store.Create(ctx, state)
}

func (i *instrumentedStore) Get(ctx context.Context, id, ownerKey string) (s *domain.DeploymentState, err error) {
	defer func(begin time.Time) { i.metrics.observeStore("Get", err, begin) }(time.Now())
	return i.store.Get(ctx, id, ownerKey)
}

func (i *instrumentedStore) Update(ctx context.Context, state *domain.DeploymentState) (err error) {
	defer func(begin time.Time) { i.metrics.observeStore("Update", err, begin) }(time.Now())
	return i.store.Update(ctx, state)
}

func (i *instrumentedStore) List(ctx context.Context, ownerKey string, filter ports.ListFilter, pageToken string) (states []*domain.DeploymentState, next string, err error) {
	defer func(begin time.Time) { i.metrics.observeStore("List", err, begin) }(time.Now())
	return i.store.List(ctx, ownerKey, filter, pageToken)
}

func (i *instrumentedStore) Delete(ctx context.Context, id, ownerKey string) (err error) {
	defer func(begin time.Time) { i.metrics.observeStore("Delete", err, begin) }(time.Now())
	return i.store.Delete(ctx, id, ownerKey)
}

type instrumentedPurgingStore struct {
	*instrumentedStore
	purger ports.RetentionPurger
}

func (i *instrumentedPurgingStore) PurgeExpired(ctx context.Context, now time.Time) (n int64, err error) {
	defer func(begin time.Time) { i.metrics.observeStore("PurgeExpired", err, begin) }(time.Now())
	return i.purger.PurgeExpired(ctx, now)
}
