package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"deployq/internal/domain"
	"deployq/internal/ports"
)

const uniqueViolation = "23505"

// PostgresDeploymentStore keeps one JSONB document per deployment. The
// columns next to the document exist for partitioning, filtering, paging,
// optimistic locking and retention.
type PostgresDeploymentStore struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

func NewPostgresDeploymentStore(pool *pgxpool.Pool, retention time.Duration) *PostgresDeploymentStore {
	return &PostgresDeploymentStore{pool: pool, retention: retention}
}

func (r *PostgresDeploymentStore) expiresAt(state *domain.DeploymentState) *time.Time {
	if r.retention <= 0 || state.CompletedAt == nil {
		return nil
	}
	t := state.CompletedAt.Add(r.retention)
	return &t
}

func (r *PostgresDeploymentStore) Create(ctx context.Context, state *domain.DeploymentState) error {
	state.Version = 1
	doc, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encode deployment document")
	}

	const query = `
		INSERT INTO deployments (id, owner_key, status, version, document, started_at, updated_at, completed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.pool.Exec(ctx, query,
		state.DeploymentID, state.Owner.Key(), string(state.Status), state.Version, doc,
		state.StartedAt, state.UpdatedAt, state.CompletedAt, r.expiresAt(state),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return errors.Wrapf(err, "insert deployment %s", state.DeploymentID)
	}
	return nil
}

func (r *PostgresDeploymentStore) Get(ctx context.Context, id, ownerKey string) (*domain.DeploymentState, error) {
	const query = `SELECT document, version FROM deployments WHERE id = $1 AND owner_key = $2`

	var (
		doc     []byte
		version int64
	)
	err := r.pool.QueryRow(ctx, query, id, ownerKey).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get deployment %s", id)
	}
	return decodeDocument(doc, version)
}

func decodeDocument(doc []byte, version int64) (*domain.DeploymentState, error) {
	var state domain.DeploymentState
	if err := json.Unmarshal(doc, &state); err != nil {
		return nil, errors.Wrap(err, "decode deployment document")
	}
	switch state.SchemaVersion {
	case 0:
		state.SchemaVersion = domain.StateSchemaVersion
	case domain.StateSchemaVersion:
	default:
		return nil, errors.Wrapf(domain.ErrUnsupportedSchema, "deployment schema version %d", state.SchemaVersion)
	}
	state.Version = version
	return &state, nil
}

func (r *PostgresDeploymentStore) Update(ctx context.Context, state *domain.DeploymentState) error {
	next := *state
	next.Version = state.Version + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return errors.Wrap(err, "encode deployment document")
	}

	const query = `
		UPDATE deployments
		SET status = $3, version = $4, document = $5, updated_at = $6, completed_at = $7, expires_at = $8
		WHERE id = $1 AND owner_key = $2 AND version = $9`
	tag, err := r.pool.Exec(ctx, query,
		state.DeploymentID, state.Owner.Key(), string(state.Status), next.Version, doc,
		state.UpdatedAt, state.CompletedAt, r.expiresAt(state), state.Version,
	)
	if err != nil {
		return errors.Wrapf(err, "update deployment %s", state.DeploymentID)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM deployments WHERE id = $1 AND owner_key = $2)`,
			state.DeploymentID, state.Owner.Key(),
		).Scan(&exists); err != nil {
			return errors.Wrapf(err, "check deployment %s", state.DeploymentID)
		}
		if !exists {
			return domain.ErrDeploymentNotFound
		}
		return domain.ErrVersionConflict
	}
	state.Version = next.Version
	return nil
}

func (r *PostgresDeploymentStore) List(ctx context.Context, ownerKey string, filter ports.ListFilter, pageToken string) ([]*domain.DeploymentState, string, error) {
	cursor, err := ports.DecodePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	limit := ports.NormalizeLimit(filter.Limit)

	conds := []string{"owner_key = $1"}
	args := []interface{}{ownerKey}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if cursor != nil {
		args = append(args, cursor.StartedAt, cursor.ID)
		conds = append(conds, fmt.Sprintf("(started_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit+1)
	query := fmt.Sprintf(`
		SELECT document, version FROM deployments
		WHERE %s
		ORDER BY started_at DESC, id DESC
		LIMIT $%d`, strings.Join(conds, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", errors.Wrap(err, "list deployments")
	}
	defer rows.Close()

	var out []*domain.DeploymentState
	for rows.Next() {
		var (
			doc     []byte
			version int64
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, "", errors.Wrap(err, "scan deployment")
		}
		state, err := decodeDocument(doc, version)
		if err != nil {
			return nil, "", err
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, "", errors.Wrap(err, "iterate deployments")
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[limit-1]
		next = ports.EncodePageToken(ports.PageCursor{StartedAt: last.StartedAt, ID: last.DeploymentID})
	}
	return out, next, nil
}

func (r *PostgresDeploymentStore) Delete(ctx context.Context, id, ownerKey string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1 AND owner_key = $2`, id, ownerKey)
	if err != nil {
		return errors.Wrapf(err, "delete deployment %s", id)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeploymentNotFound
	}
	return nil
}

func (r *PostgresDeploymentStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "purge expired deployments")
	}
	return tag.RowsAffected(), nil
}
