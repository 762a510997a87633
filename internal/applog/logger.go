// Package applog records request lifecycle entries without blocking the caller.
//
// Entries are queued on a bounded channel and written to a Sink by a single
// worker goroutine. When the queue is full the entry is dropped and counted.
package applog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("applog: logger closed")

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is a single log record.
type Entry struct {
	Service   string    `json:"service"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Level     Level     `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink persists entries. Write is only ever called from the worker goroutine.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

const defaultQueueSize = 1024

type Logger struct {
	sink   Sink
	logger *slog.Logger
	queue  chan Entry
	done   chan struct{}
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// New starts the worker goroutine. Sink failures are reported on logger.
func New(logger *slog.Logger, sink Sink, queueSize int) *Logger {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	l := &Logger{
		sink:   sink,
		logger: logger,
		queue:  make(chan Entry, queueSize),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go l.run()
	return l
}

func (l *Logger) Info(service, component, message string) {
	l.log(LevelInfo, service, component, message)
}

func (l *Logger) Warn(service, component, message string) {
	l.log(LevelWarn, service, component, message)
}

func (l *Logger) Error(service, component, message string) {
	l.log(LevelError, service, component, message)
}

// Dropped returns the number of entries discarded because the queue was full
// or the logger was closed.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Logger) log(level Level, service, component, message string) {
	e := Entry{
		Service:   service,
		Component: component,
		Message:   message,
		Level:     level,
		Timestamp: l.now(),
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop()
		return
	}
	select {
	case l.queue <- e:
	default:
		l.drop()
	}
}

func (l *Logger) drop() {
	l.dropped.Add(1)
	droppedEntries.Inc()
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.queue {
		if err := l.sink.Write(context.Background(), e); err != nil {
			l.logger.Error("failed to write log entry", "component", e.Component, "error", err)
		}
	}
}

// Close stops accepting entries and waits until the queue is drained or ctx
// is done.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
