package audit

import (
	"context"

	"github.com/safar-saathi/careflow/internal/shared/metrics"
)

// Recorder turns workflow records into chained audit entries
type Recorder struct {
	repo AuditRepository
}

func NewRecorder(repo AuditRepository) *Recorder {
	return &Recorder{repo: repo}
}

// Record appends one entry. The caller has already committed the change the
// record describes.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	entry := NewAuditEntry(rec, "")
	if err := r.repo.Append(ctx, entry); err != nil {
		return err
	}
	metrics.RecordAuditEntry()
	return nil
}
