package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/safar-saathi/careflow/internal/shared/errors"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

// MemoryRepository keeps the audit chain in process memory. It backs tests
// and the server's limited mode when no database is reachable.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Initialize(ctx context.Context) error { return nil }

func (r *MemoryRepository) Append(ctx context.Context, entry *AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.entries); n > 0 {
		entry.PrevHash = r.entries[n-1].Hash
	} else {
		entry.PrevHash = ""
	}
	entry.Hash = entry.calculateHash()
	entry.Sequence = int64(len(r.entries) + 1)

	// Round-trip changes so stored entries look like they came back from JSONB.
	stored := *entry
	if entry.Changes != nil {
		raw, err := json.Marshal(entry.Changes)
		if err != nil {
			return errors.Wrap(err, "failed to marshal changes")
		}
		stored.Changes = nil
		if err := json.Unmarshal(raw, &stored.Changes); err != nil {
			return errors.Wrap(err, "failed to copy changes")
		}
	}
	r.entries = append(r.entries, stored)
	return nil
}

func (r *MemoryRepository) FindByID(ctx context.Context, id types.ID) (*AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.entries {
		if r.entries[i].ID == id {
			e := r.entries[i]
			return &e, nil
		}
	}
	return nil, errors.NotFound("audit entry", id.String())
}

func (r *MemoryRepository) List(ctx context.Context, filter ListEntriesFilter) ([]AuditEntry, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []AuditEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if matches(r.entries[i], filter) {
			matched = append(matched, r.entries[i])
		}
	}

	total := len(matched)
	start := min(filter.Offset, total)
	end := min(start+pageLimit(filter.Limit), total)
	return matched[start:end], total, nil
}

func (r *MemoryRepository) VerifyChain(ctx context.Context, limit int, includeDetails bool) (*VerifyResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	r.mu.RLock()
	var newest []AuditEntry
	for i := len(r.entries) - 1; i >= 0 && len(newest) < limit; i-- {
		newest = append(newest, r.entries[i])
	}
	r.mu.RUnlock()

	return verifyEntries(newest, includeDetails), nil
}

func matches(e AuditEntry, f ListEntriesFilter) bool {
	switch {
	case f.ActorID != "" && e.ActorID != f.ActorID:
		return false
	case f.ActorType != nil && e.ActorType != *f.ActorType:
		return false
	case f.Action != "" && !strings.HasPrefix(e.Action, f.Action):
		return false
	case f.ResourceType != "" && e.ResourceType != f.ResourceType:
		return false
	case f.ResourceID != nil && (e.ResourceID == nil || *e.ResourceID != *f.ResourceID):
		return false
	case f.StartTime != nil && e.Timestamp.Before(*f.StartTime):
		return false
	case f.EndTime != nil && e.Timestamp.After(*f.EndTime):
		return false
	}
	return true
}
