package audit

import (
	"context"
	"sync"
	"testing"

	"marketplace-auth/internal/audit/domain"
)

type memAuditRepo struct {
	mu      sync.Mutex
	entries []*domain.AuditLog
}

func (r *memAuditRepo) Create(ctx context.Context, a *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, a)
	return nil
}

func (r *memAuditRepo) ListByAction(ctx context.Context, action string, limit, offset int32) ([]*domain.AuditLog, error) {
	return nil, nil
}

func TestLogEvent_PersistsEntry(t *testing.T) {
	repo := &memAuditRepo{}
	logger := NewLogger(repo, func(context.Context) string { return "10.0.0.1" })

	logger.LogEvent(context.Background(), "user-1", ActionReuseDetected, "session:s1", `{"family_id":"f1"}`)

	if len(repo.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(repo.entries))
	}
	e := repo.entries[0]
	if e.ID == "" {
		t.Error("entry ID should be set")
	}
	if e.UserID != "user-1" || e.Action != ActionReuseDetected || e.Resource != "session:s1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.IP != "10.0.0.1" {
		t.Errorf("IP = %q, want 10.0.0.1", e.IP)
	}
	if e.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestLogEvent_NilExtractor(t *testing.T) {
	repo := &memAuditRepo{}
	logger := NewLogger(repo, nil)

	logger.LogEvent(context.Background(), "user-1", ActionKeyRotated, "key:abc", "")

	if len(repo.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(repo.entries))
	}
	if repo.entries[0].IP != "unknown" {
		t.Errorf("IP = %q, want unknown", repo.entries[0].IP)
	}
}

func TestLogEvent_NilRepo(t *testing.T) {
	logger := NewLogger(nil, nil)
	// Must not panic.
	logger.LogEvent(context.Background(), "user-1", ActionLogin, "session:s1", "")
}
