package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/repository"
)

type fakeAuditRepo struct {
	created []*db.AuditLog
	failNext bool
}

func (f *fakeAuditRepo) Create(ctx context.Context, e *db.AuditLog) error {
	if f.failNext {
		return errors.New("write failed")
	}
	f.created = append(f.created, e)
	return nil
}

func (f *fakeAuditRepo) List(ctx context.Context, opts repository.ListOptions) ([]db.AuditLog, int64, error) {
	return nil, 0, nil
}

func TestLogPersistsEntryWithDetailsJSON(t *testing.T) {
	repo := &fakeAuditRepo{}
	l := New(repo, zap.NewNop())

	userID := uuid.New()
	l.Log(context.Background(), Entry{
		Action:   "user.login",
		UserID:   &userID,
		Severity: SeverityWarning,
		Details:  map[string]string{"ip": "10.0.0.1"},
	})

	require.Len(t, repo.created, 1)
	row := repo.created[0]
	assert.Equal(t, "user.login", row.Action)
	assert.Equal(t, SeverityWarning, row.Severity)
	assert.JSONEq(t, `{"ip":"10.0.0.1"}`, row.Details)
}

func TestLogDefaultsSeverityToInfo(t *testing.T) {
	repo := &fakeAuditRepo{}
	l := New(repo, zap.NewNop())

	l.Log(context.Background(), Entry{Action: "machine.created"})

	require.Len(t, repo.created, 1)
	assert.Equal(t, SeverityInfo, repo.created[0].Severity)
}

func TestLogSwallowsRepositoryFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	repo := &fakeAuditRepo{failNext: true}
	l := New(repo, zap.New(core))

	assert.NotPanics(t, func() {
		l.Log(context.Background(), Entry{Action: "job.abort"})
	})
	assert.Equal(t, 1, logs.FilterMessage("failed to write audit log entry").Len())
}

func TestLogHandlesUnmarshalableDetailsGracefully(t *testing.T) {
	repo := &fakeAuditRepo{}
	l := New(repo, zap.NewNop())

	unmarshalable := make(chan int)
	assert.NotPanics(t, func() {
		l.Log(context.Background(), Entry{Action: "weird", Details: unmarshalable})
	})

	require.Len(t, repo.created, 1)
	assert.Equal(t, "{}", repo.created[0].Details)
}
