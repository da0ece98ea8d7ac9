package audit

import (
	"context"
	"fmt"

	"github.com/safar-saathi/careflow/internal/shared/types"
)

// AuditRepository defines the storage operations for the audit chain
type AuditRepository interface {
	// Initialize loads the chain head
	Initialize(ctx context.Context) error

	// Append chains entry onto the current head and stores it
	Append(ctx context.Context, entry *AuditEntry) error

	FindByID(ctx context.Context, id types.ID) (*AuditEntry, error)

	// List returns entries newest first with the total matching count
	List(ctx context.Context, filter ListEntriesFilter) ([]AuditEntry, int, error)

	// VerifyChain checks the newest limit entries
	VerifyChain(ctx context.Context, limit int, includeDetails bool) (*VerifyResult, error)
}

var (
	_ AuditRepository = (*Repository)(nil)
	_ AuditRepository = (*MemoryRepository)(nil)
)

// VerifyResult contains detailed verification results
type VerifyResult struct {
	Valid          bool                `json:"valid"`
	Checked        int                 `json:"checked"`
	ContentValid   int                 `json:"content_valid"`
	ContentInvalid int                 `json:"content_invalid"`
	LinkageValid   int                 `json:"linkage_valid"`
	LinkageInvalid int                 `json:"linkage_invalid"`
	Violations     []string            `json:"violations,omitempty"`
	Entries        []VerifyEntryResult `json:"entries,omitempty"`
}

// VerifyEntryResult contains verification result for a single entry
type VerifyEntryResult struct {
	ID            types.ID `json:"id"`
	Sequence      int64    `json:"sequence"`
	Hash          string   `json:"hash"`
	ComputedHash  string   `json:"computed_hash,omitempty"`
	PrevHash      string   `json:"prev_hash"`
	Valid         bool     `json:"valid"`
	ContentValid  bool     `json:"content_valid"`
	LinkageValid  bool     `json:"linkage_valid"`
	Action        string   `json:"action"`
	ViolationType string   `json:"violation_type,omitempty"`
}

// verifyEntries checks content hashes and prev_hash links over entries
// ordered newest first
func verifyEntries(entries []AuditEntry, includeDetails bool) *VerifyResult {
	result := &VerifyResult{Valid: true}

	// prev_hash of the entry that follows the current one in time
	var expected string

	for i, e := range entries {
		v := VerifyEntryResult{
			ID:           e.ID,
			Sequence:     e.Sequence,
			Hash:         e.Hash,
			PrevHash:     e.PrevHash,
			Action:       e.Action,
			ContentValid: true,
			LinkageValid: true,
			Valid:        true,
		}

		v.ComputedHash = e.calculateHash()
		if v.ComputedHash != e.Hash {
			v.ContentValid = false
			v.Valid = false
			v.ViolationType = "content"
			result.ContentInvalid++
			result.Valid = false
			result.Violations = append(result.Violations,
				fmt.Sprintf("CONTENT TAMPERED: entry %s (seq %d)", e.ID, e.Sequence))
		} else {
			result.ContentValid++
		}

		if i > 0 {
			if e.Hash != expected {
				v.LinkageValid = false
				v.Valid = false
				if v.ViolationType == "content" {
					v.ViolationType = "both"
				} else {
					v.ViolationType = "linkage"
				}
				result.LinkageInvalid++
				result.Valid = false
				result.Violations = append(result.Violations,
					fmt.Sprintf("CHAIN BROKEN: entry %s (seq %d) does not match next entry's prev_hash", e.ID, e.Sequence))
			} else {
				result.LinkageValid++
			}
		}

		if includeDetails {
			result.Entries = append(result.Entries, v)
		}
		expected = e.PrevHash
		result.Checked++
	}

	return result
}
