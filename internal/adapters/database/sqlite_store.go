package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"deployq/internal/domain"
	"deployq/internal/ports"
)

// DeploymentRecord is the gorm model behind SQLiteDeploymentStore. Times are
// kept as unix microseconds so that ordering and keyset comparisons stay
// numeric.
type DeploymentRecord struct {
	ID          string `gorm:"primaryKey"`
	OwnerKey    string `gorm:"index:idx_owner_started,priority:1;not null"`
	Status      string `gorm:"index;not null"`
	Version     int64  `gorm:"not null"`
	Document    string `gorm:"not null"`
	StartedAt   int64  `gorm:"index:idx_owner_started,priority:2;not null"`
	Updated     int64  `gorm:"column:updated_at;not null"`
	CompletedAt *int64
	ExpiresAt   *int64 `gorm:"index"`
}

func (DeploymentRecord) TableName() string { return "deployments" }

func micros(t time.Time) int64 { return t.UTC().Truncate(time.Microsecond).UnixMicro() }

func optionalMicros(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := micros(*t)
	return &v
}

func (r *DeploymentRecord) FromEntity(state *domain.DeploymentState, retention time.Duration) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encode deployment document")
	}
	r.ID = state.DeploymentID
	r.OwnerKey = state.Owner.Key()
	r.Status = string(state.Status)
	r.Version = state.Version
	r.Document = string(doc)
	r.StartedAt = micros(state.StartedAt)
	r.Updated = micros(state.UpdatedAt)
	r.CompletedAt = optionalMicros(state.CompletedAt)
	r.ExpiresAt = nil
	if retention > 0 && state.CompletedAt != nil {
		expires := micros(state.CompletedAt.Add(retention))
		r.ExpiresAt = &expires
	}
	return nil
}

func (r *DeploymentRecord) ToEntity() (*domain.DeploymentState, error) {
	return decodeDocument([]byte(r.Document), r.Version)
}

// NewSQLiteDB opens a sqlite database at path and migrates the deployment
// table. Use ":memory:" for an ephemeral store.
func NewSQLiteDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "sqlite handle")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&DeploymentRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate sqlite")
	}
	return db, nil
}

// SQLiteDeploymentStore implements ports.DeploymentStore on gorm for
// single-node installs.
type SQLiteDeploymentStore struct {
	db        *gorm.DB
	retention time.Duration
}

func NewSQLiteDeploymentStore(db *gorm.DB, retention time.Duration) *SQLiteDeploymentStore {
	return &SQLiteDeploymentStore{db: db, retention: retention}
}

func (s *SQLiteDeploymentStore) Create(ctx context.Context, state *domain.DeploymentState) error {
	state.Version = 1
	var rec DeploymentRecord
	if err := rec.FromEntity(state, s.retention); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrAlreadyExists
	}
	return errors.Wrapf(err, "insert deployment %s", state.DeploymentID)
}

func (s *SQLiteDeploymentStore) Get(ctx context.Context, id, ownerKey string) (*domain.DeploymentState, error) {
	var rec DeploymentRecord
	err := s.db.WithContext(ctx).Where("id = ? AND owner_key = ?", id, ownerKey).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get deployment %s", id)
	}
	return rec.ToEntity()
}

func (s *SQLiteDeploymentStore) Update(ctx context.Context, state *domain.DeploymentState) error {
	next := *state
	next.Version = state.Version + 1
	var rec DeploymentRecord
	if err := rec.FromEntity(&next, s.retention); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&DeploymentRecord{}).
		Where("id = ? AND owner_key = ? AND version = ?", state.DeploymentID, state.Owner.Key(), state.Version).
		Updates(map[string]interface{}{
			"status":       rec.Status,
			"version":      rec.Version,
			"document":     rec.Document,
			"updated_at":   rec.Updated,
			"completed_at": rec.CompletedAt,
			"expires_at":   rec.ExpiresAt,
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update deployment %s", state.DeploymentID)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&DeploymentRecord{}).
			Where("id = ? AND owner_key = ?", state.DeploymentID, state.Owner.Key()).
			Count(&count).Error; err != nil {
			return errors.Wrapf(err, "check deployment %s", state.DeploymentID)
		}
		if count == 0 {
			return domain.ErrDeploymentNotFound
		}
		return domain.ErrVersionConflict
	}
	state.Version = next.Version
	return nil
}

func (s *SQLiteDeploymentStore) List(ctx context.Context, ownerKey string, filter ports.ListFilter, pageToken string) ([]*domain.DeploymentState, string, error) {
	cursor, err := ports.DecodePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	limit := ports.NormalizeLimit(filter.Limit)

	q := s.db.WithContext(ctx).Where("owner_key = ?", ownerKey)
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if cursor != nil {
		at := micros(cursor.StartedAt)
		q = q.Where("(started_at < ? OR (started_at = ? AND id < ?))", at, at, cursor.ID)
	}

	var recs []DeploymentRecord
	if err := q.Order("started_at DESC, id DESC").Limit(limit + 1).Find(&recs).Error; err != nil {
		return nil, "", errors.Wrap(err, "list deployments")
	}

	out := make([]*domain.DeploymentState, 0, len(recs))
	for i := range recs {
		state, err := recs[i].ToEntity()
		if err != nil {
			return nil, "", err
		}
		out = append(out, state)
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[limit-1]
		next = ports.EncodePageToken(ports.PageCursor{StartedAt: last.StartedAt, ID: last.DeploymentID})
	}
	return out, next, nil
}

func (s *SQLiteDeploymentStore) Delete(ctx context.Context, id, ownerKey string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND owner_key = ?", id, ownerKey).Delete(&DeploymentRecord{})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "delete deployment %s", id)
	}
	if res.RowsAffected == 0 {
		return domain.ErrDeploymentNotFound
	}
	return nil
}

func (s *SQLiteDeploymentStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at < ?", micros(now)).Delete(&DeploymentRecord{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "purge expired deployments")
	}
	return res.RowsAffected, nil
}
