package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"kidstel-story-agent/internal/models"
)

const (
	DefaultBuffer = 256
	// MaxTextLen - предел длины текста, сохраняемого в аудите при AUDIT_STORE_TEXT.
	MaxTextLen   = 500
	writeTimeout = 5 * time.Second
)

// Sink - получатель записей аудита.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec models.AuditRecord) error
}

// Emitter пишет аудит в фоне. Emit никогда не блокирует запрос:
// при переполненном буфере запись отбрасывается и учитывается в метрике.
type Emitter struct {
	sinks  []Sink
	queue  chan models.AuditRecord
	logger *zap.Logger
	now    func() time.Time

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
}

func NewEmitter(buffer int, logger *zap.Logger, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	e := &Emitter{
		sinks:  sinks,
		queue:  make(chan models.AuditRecord, buffer),
		logger: logger.Named("AuditEmitter"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit ставит запись в очередь. Возвращает false, если запись отброшена.
func (e *Emitter) Emit(rec models.AuditRecord) bool {
	if rec.ID == "" {
		rec.ID = models.NewAuditID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		eventsTotal.WithLabelValues("emitter", "closed").Inc()
		return false
	}
	select {
	case e.queue <- rec:
		return true
	default:
		eventsTotal.WithLabelValues("emitter", "dropped").Inc()
		e.logger.Warn("Audit queue full, record dropped",
			zap.String("requestId", rec.RequestID),
			zap.String("route", rec.Route))
		return false
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for rec := range e.queue {
		e.deliver(rec)
	}
}

func (e *Emitter) deliver(rec models.AuditRecord) {
	for _, sink := range e.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := sink.Write(ctx, rec)
		cancel()
		if err != nil {
			eventsTotal.WithLabelValues(sink.Name(), "error").Inc()
			e.logger.Error("Audit write failed",
				zap.String("sink", sink.Name()),
				zap.String("requestId", rec.RequestID),
				zap.Error(err))
			continue
		}
		eventsTotal.WithLabelValues(sink.Name(), "ok").Inc()
	}
}

// Close перестает принимать записи и ждет, пока очередь будет дописана, или отмены ctx.
func (e *Emitter) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
	})
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("audit queue not drained"), ctx.Err())
	}
}

// TruncateText обрезает текст до MaxTextLen рун.
func TruncateText(s string) string {
	r := []rune(s)
	if len(r) <= MaxTextLen {
		return s
	}
	return string(r[:MaxTextLen])
}
