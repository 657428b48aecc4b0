package app

import (
	"context"
	"sync/atomic"
	"time"

	"portalwatch/internal/monitor"
	"portalwatch/internal/storage"
	logx "portalwatch/pkg/logx"
)

const (
	auditQueueSize    = 256
	auditWriteTimeout = 2 * time.Second
	auditDrainTimeout = 3 * time.Second
)

// auditWriter persists monitor events off the scheduler goroutine. Enqueue
// never blocks; when the queue is full the event is dropped and counted.
type auditWriter struct {
	store   storage.Store
	log     logx.Logger
	queue   chan monitor.Event
	dropped atomic.Uint64
}

func newAuditWriter(store storage.Store, log logx.Logger) *auditWriter {
	return &auditWriter{
		store: store,
		log:   log,
		queue: make(chan monitor.Event, auditQueueSize),
	}
}

func (w *auditWriter) Enqueue(e monitor.Event) {
	select {
	case w.queue <- e:
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			w.log.Warn("audit queue full; event dropped", logx.Uint64("dropped", n))
		}
	}
}

// Run writes queued events until ctx is done, then drains what is left
// within a short bound.
func (w *auditWriter) Run(ctx context.Context) {
	for {
		select {
		case e := <-w.queue:
			w.write(ctx, e)
		case <-ctx.Done():
			w.drain()
			return
		}
	}
}

func (w *auditWriter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), auditDrainTimeout)
	defer cancel()
	for {
		select {
		case e := <-w.queue:
			w.write(ctx, e)
		default:
			return
		}
		if ctx.Err() != nil {
			w.log.Warn("audit drain deadline reached", logx.Int("pending", len(w.queue)))
			return
		}
	}
}

func (w *auditWriter) write(ctx context.Context, e monitor.Event) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := w.store.AppendEvent(wctx, toRecord(e)); err != nil {
		w.log.Warn("audit write failed", logx.Err(err), logx.String("kind", string(e.Kind)))
	}
}

func toRecord(e monitor.Event) storage.EventRecord {
	detail := e.Message
	if e.Reason != "" {
		detail = e.Reason
	}
	return storage.EventRecord{
		At:          e.At,
		RunID:       e.RunID,
		Kind:        string(e.Kind),
		Value:       e.Value,
		Previous:    e.Previous,
		FailureKind: string(e.Failure),
		Detail:      detail,
	}
}
