package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kidstel-story-agent/internal/models"
)

type recordingSink struct {
	mu      sync.Mutex
	records []models.AuditRecord
	err     error
	gate    chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(_ context.Context, rec models.AuditRecord) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestEmitter_DeliversToAllSinks(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{err: errors.New("broker down")}
	e := NewEmitter(8, zap.NewNop(), a, b)

	require.True(t, e.Emit(models.AuditRecord{RequestID: "r1", UID: "u1", Route: "/"}))
	require.True(t, e.Emit(models.AuditRecord{RequestID: "r2", UID: "u1", Route: "/", Blocked: true}))
	require.NoError(t, e.Close(context.Background()))

	assert.Equal(t, 2, a.count())
	assert.Equal(t, 2, b.count(), "a failing sink still receives every record")
	assert.False(t, a.records[0].CreatedAt.IsZero())
	assert.NotEmpty(t, a.records[0].ID)
	assert.NotEqual(t, a.records[0].ID, a.records[1].ID)
	assert.Equal(t, a.records[0].ID, b.records[0].ID, "every sink sees the same record id")
}

func TestEmitter_DropsWhenFull(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	e := NewEmitter(1, zap.NewNop(), sink)

	// первая запись занимает воркер, вторая - буфер
	require.True(t, e.Emit(models.AuditRecord{RequestID: "r1"}))
	assert.Eventually(t, func() bool { return len(e.queue) == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, e.Emit(models.AuditRecord{RequestID: "r2"}))
	assert.False(t, e.Emit(models.AuditRecord{RequestID: "r3"}))

	close(sink.gate)
	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, 2, sink.count())
}

func TestEmitter_EmitAfterClose(t *testing.T) {
	e := NewEmitter(1, zap.NewNop())
	require.NoError(t, e.Close(context.Background()))
	assert.False(t, e.Emit(models.AuditRecord{RequestID: "late"}))
	require.NoError(t, e.Close(context.Background()))
}

func TestEmitter_CloseHonorsContext(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	defer close(sink.gate)
	e := NewEmitter(4, zap.NewNop(), sink)
	e.Emit(models.AuditRecord{RequestID: "stuck"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", TruncateText("short"))
	long := strings.Repeat("ж", MaxTextLen+20)
	assert.Len(t, []rune(TruncateText(long)), MaxTextLen)
}
