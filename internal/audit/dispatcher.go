// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"codeberg.org/oliverandrich/schoolportal/internal/metrics"
	"codeberg.org/oliverandrich/schoolportal/internal/models"
)

// WriteTimeout bounds a single sink write.
const WriteTimeout = 5 * time.Second

// Sink persists audit entries. *repository.Repository implements it.
type Sink interface {
	InsertAuditEntry(ctx context.Context, e *models.AuditLogEntry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e *models.AuditLogEntry) error

func (f SinkFunc) InsertAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	return f(ctx, e)
}

// Dispatcher queues events in a bounded buffer and writes them to a sink
// from a single background goroutine. When the buffer is full new events
// are dropped and counted.
type Dispatcher struct {
	sink      Sink
	ch        chan *models.AuditLogEntry
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	now       func() time.Time
}

// NewDispatcher starts a dispatcher writing to sink.
func NewDispatcher(sink Sink, bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	d := &Dispatcher{
		sink: sink,
		ch:   make(chan *models.AuditLogEntry, bufferSize),
		done: make(chan struct{}),
		now:  time.Now,
	}

	d.wg.Add(1)
	go d.run()

	return d
}

// Record enqueues ev. It never blocks and never fails the caller.
func (d *Dispatcher) Record(ctx context.Context, ev Event) {
	if d == nil || d.closed.Load() {
		return
	}

	entry := d.entry(ctx, ev)
	select {
	case d.ch <- entry:
		metrics.AuditQueueDepth.Set(float64(len(d.ch)))
	default:
		d.dropped.Add(1)
		metrics.AuditEventsTotal.WithLabelValues("dropped").Inc()
		slog.Warn("audit_dropped", "action", ev.Action, "outcome", ev.Outcome, "reason", "buffer_full")
	}
}

func (d *Dispatcher) entry(ctx context.Context, ev Event) *models.AuditLogEntry {
	meta := MetaFrom(ctx)
	e := &models.AuditLogEntry{
		ID:           uuid.NewString(),
		ActorEmail:   ev.ActorEmail,
		Action:       string(ev.Action),
		ResourceKind: ev.ResourceKind,
		ResourceID:   ev.ResourceID,
		Outcome:      ev.Outcome,
		Reason:       ev.Reason,
		RemoteAddr:   meta.RemoteAddr,
		UserAgent:    meta.UserAgent,
		RequestID:    meta.RequestID,
		CreatedAt:    d.now().UTC(),
	}
	if ev.ActorID != 0 {
		id := ev.ActorID
		e.ActorID = &id
	}
	return e
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case e := <-d.ch:
			d.write(e)
		case <-d.done:
			for {
				select {
				case e := <-d.ch:
					d.write(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(e *models.AuditLogEntry) {
	metrics.AuditQueueDepth.Set(float64(len(d.ch)))

	ctx, cancel := context.WithTimeout(context.Background(), WriteTimeout)
	defer cancel()

	if err := d.sink.InsertAuditEntry(ctx, e); err != nil {
		d.failed.Add(1)
		metrics.AuditEventsTotal.WithLabelValues("failed").Inc()
		slog.Error("audit_write_failed",
			"id", e.ID,
			"action", e.Action,
			"outcome", e.Outcome,
			"reason", e.Reason,
			"error", err,
		)
		return
	}
	metrics.AuditEventsTotal.WithLabelValues("written").Inc()
}

// Close stops accepting events and drains the buffer.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns the number of events dropped because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Failed returns the number of events the sink rejected.
func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}
