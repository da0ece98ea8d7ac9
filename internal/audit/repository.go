package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

const entryColumns = `id, sequence, timestamp, hash, prev_hash,
	actor_type, actor_id, actor_clinic_id,
	action, resource_type, resource_id, changes`

// Repository provides append-only audit log operations on PostgreSQL
type Repository struct {
	pool     *pgxpool.Pool
	mu       sync.Mutex
	lastHash string
}

// NewRepository creates a new audit repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Initialize loads the last hash from the database
func (r *Repository) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hash string
	err := r.pool.QueryRow(ctx, `
		SELECT hash FROM audit.entries
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&hash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(err, "failed to get last audit hash")
	}

	r.lastHash = hash
	return nil
}

// Append appends a new audit entry (thread-safe)
func (r *Repository) Append(ctx context.Context, entry *AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.PrevHash = r.lastHash
	entry.Hash = entry.calculateHash()

	changesJSON, err := json.Marshal(entry.Changes)
	if err != nil {
		return errors.Wrap(err, "failed to marshal changes")
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO audit.entries (
			id, timestamp, hash, prev_hash,
			actor_type, actor_id, actor_clinic_id,
			action, resource_type, resource_id, changes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING sequence`,
		entry.ID, entry.Timestamp, entry.Hash, entry.PrevHash,
		entry.ActorType, entry.ActorID, entry.ActorClinicID,
		entry.Action, entry.ResourceType, entry.ResourceID, changesJSON,
	).Scan(&entry.Sequence)
	if err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}

	r.lastHash = entry.Hash
	return nil
}

// List lists audit entries with filters (read-only)
func (r *Repository) List(ctx context.Context, filter ListEntriesFilter) ([]AuditEntry, int, error) {
	var conditions []string
	var args []interface{}
	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.ActorType != nil {
		add("actor_type = $%d", *filter.ActorType)
	}
	if filter.Action != "" {
		add("action LIKE $%d", filter.Action+"%")
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.ResourceID != nil {
		add("resource_id = $%d", *filter.ResourceID)
	}
	if filter.StartTime != nil {
		add("timestamp >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add("timestamp <= $%d", *filter.EndTime)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit.entries "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count audit entries")
	}

	query := fmt.Sprintf(`SELECT %s FROM audit.entries %s
		ORDER BY sequence DESC
		LIMIT $%d OFFSET $%d`, entryColumns, whereClause, len(args)+1, len(args)+2)
	args = append(args, pageLimit(filter.Limit), filter.Offset)

	entries, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// FindByID finds an audit entry by ID (read-only)
func (r *Repository) FindByID(ctx context.Context, id types.ID) (*AuditEntry, error) {
	entries, err := r.query(ctx, "SELECT "+entryColumns+" FROM audit.entries WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.NotFound("audit entry", id.String())
	}
	return &entries[0], nil
}

// VerifyChain verifies content hashes and linkage of the newest entries
func (r *Repository) VerifyChain(ctx context.Context, limit int, includeDetails bool) (*VerifyResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	entries, err := r.query(ctx, "SELECT "+entryColumns+" FROM audit.entries ORDER BY sequence DESC LIMIT $1", limit)
	if err != nil {
		return nil, err
	}
	return verifyEntries(entries, includeDetails), nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]AuditEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audit entries")
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var changesJSON []byte

		err := rows.Scan(
			&e.ID, &e.Sequence, &e.Timestamp, &e.Hash, &e.PrevHash,
			&e.ActorType, &e.ActorID, &e.ActorClinicID,
			&e.Action, &e.ResourceType, &e.ResourceID, &changesJSON,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}

		if len(changesJSON) > 0 {
			if err := json.Unmarshal(changesJSON, &e.Changes); err != nil {
				e.Changes = nil
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read audit entries")
	}
	return entries, nil
}

func pageLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 50
	}
	return limit
}
