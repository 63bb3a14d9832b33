package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"socialnet/internal/observability"
)

// Recorder queues records behind a buffered channel so the triggering request
// never waits on the sink. A full buffer or a failing sink drops the record
// and logs locally; security events are best-effort by contract.
type Recorder struct {
	sink      Sink
	logger    *observability.Logger
	ch        chan Record
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewRecorder(sink Sink, logger *observability.Logger, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	r := &Recorder{
		sink:   sink,
		logger: logger,
		ch:     make(chan Record, bufferSize),
		done:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// Log redacts the changes payload and enqueues the record. It never blocks
// and never returns an error.
func (r *Recorder) Log(accountID, action, resource, resourceID string, changes map[string]any, sourceAddress, userAgent string) {
	if r == nil || r.closed.Load() {
		return
	}

	record := Record{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Action:        action,
		Resource:      resource,
		ResourceID:    resourceID,
		Changes:       Redact(changes),
		SourceAddress: sourceAddress,
		UserAgent:     userAgent,
		CreatedAt:     time.Now().UTC(),
	}

	select {
	case r.ch <- record:
	default:
		r.dropped.Add(1)
		r.logger.Error("audit_record_dropped", map[string]any{
			"action": action,
			"reason": "buffer full",
		})
	}
}

// Dropped reports how many records have been discarded since start.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops accepting records, drains the queue, and waits for the worker.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for {
		select {
		case record := <-r.ch:
			r.emit(record)
		case <-r.done:
			for {
				select {
				case record := <-r.ch:
					r.emit(record)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) emit(record Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.sink.Emit(ctx, record); err != nil {
		r.dropped.Add(1)
		r.logger.Error("audit_record_write_failed", map[string]any{
			"action": record.Action,
			"error":  err.Error(),
		})
	}
}
