package audit

import (
	"context"
	"sync"
	"sync/atomic"

	logx "optinbot/pkg/logx"
)

// Trail is the async front of a Sink: appends go through a bounded channel
// consumed by one goroutine, which both keeps hot paths non-blocking and
// preserves the enqueue order of records (and therefore per-account order).
type Trail struct {
	sink Sink
	log  logx.Logger

	ch        chan Record
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once
}

func NewTrail(sink Sink, buffer int, log logx.Logger) *Trail {
	if sink == nil {
		sink = NopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	t := &Trail{
		sink: sink,
		log:  log,
		ch:   make(chan Record, buffer),
		done: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

func (t *Trail) run() {
	defer t.wg.Done()
	for {
		select {
		case rec := <-t.ch:
			t.emit(rec)
		case <-t.done:
			// Drain whatever is left before exiting.
			for {
				select {
				case rec := <-t.ch:
					t.emit(rec)
				default:
					return
				}
			}
		}
	}
}

func (t *Trail) emit(rec Record) {
	if err := t.sink.Append(context.Background(), rec); err != nil && !t.log.IsZero() {
		t.log.Warn("audit append failed", logx.String("kind", rec.Kind), logx.String("account", rec.Account), logx.Err(err))
	}
}

// Append records rec, finalizing ID/timestamp and redacting secrets.
// If the buffer is full the record is dropped and counted rather than
// blocking a dispatch worker.
func (t *Trail) Append(rec Record) {
	if t == nil {
		return
	}
	select {
	case t.ch <- finalize(rec):
	case <-t.done:
	default:
		t.dropped.Add(1)
		// The record is lost; leave at least its identity in the log so an
		// operator can tell which trail entries have gaps.
		if !t.log.IsZero() {
			t.log.Warn("audit record dropped (buffer full)",
				logx.String("kind", rec.Kind),
				logx.String("account", rec.Account),
				logx.Uint64("dropped_total", t.dropped.Load()),
			)
		}
	}
}

// Dropped reports how many records were lost to a full buffer.
func (t *Trail) Dropped() uint64 { return t.dropped.Load() }

// Close drains pending records and closes the sink.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	t.closeOnce.Do(func() { close(t.done) })
	t.wg.Wait()
	return t.sink.Close()
}
