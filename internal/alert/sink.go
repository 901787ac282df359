package alert

import (
	"sync"

	"go.uber.org/zap"

	"ptw-monitor/internal/models"
)

// Sink receives permit alert announcements.
type Sink interface {
	Announce(message string, severity models.Severity)
}

// LogSink writes announcements to the structured log. It backs MQTT in a
// fan-out so alerts survive a broker outage in the service log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Announce logs one alert at a level matching its severity.
func (s *LogSink) Announce(message string, severity models.Severity) {
	fields := []zap.Field{
		zap.String("severity", string(severity)),
	}
	switch severity {
	case models.SeverityEmergency:
		s.logger.Error("ALERT: "+message, fields...)
	case models.SeverityWarning:
		s.logger.Warn("ALERT: "+message, fields...)
	default:
		s.logger.Info("ALERT: "+message, fields...)
	}
}

// MultiSink fans one announcement out to several sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Announce forwards to every sink.
func (s *MultiSink) Announce(message string, severity models.Severity) {
	for _, sink := range s.sinks {
		sink.Announce(message, severity)
	}
}

type announcement struct {
	message  string
	severity models.Severity
}

// AsyncSink decouples announcement delivery from the evaluation tick. A slow
// broker must never stall the monitor loop, so announcements queue into a
// buffered channel and a single worker drains it. When the queue is full the
// announcement is dropped and counted; the log sink in front of it has
// already recorded the alert.
type AsyncSink struct {
	inner  Sink
	queue  chan announcement
	done   chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewAsyncSink starts the delivery worker.
func NewAsyncSink(inner Sink, bufferSize int, logger *zap.Logger) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	s := &AsyncSink{
		inner:  inner,
		queue:  make(chan announcement, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.run()
	return s
}

// Announce enqueues without blocking. After Close the announcement is
// dropped; sending on the closed queue would panic a tick in flight.
func (s *AsyncSink) Announce(message string, severity models.Severity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- announcement{message: message, severity: severity}:
	default:
		s.logger.Warn("Alert queue full, dropping announcement",
			zap.String("severity", string(severity)),
		)
	}
}

// Close drains the queue and stops the worker. Safe to call more than once.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for a := range s.queue {
		s.inner.Announce(a.message, a.severity)
	}
}
