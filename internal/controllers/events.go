package controllers

import (
	"sync"

	"github.com/amaumene/anidbarr/internal/models"
	"github.com/sirupsen/logrus"
)

// Notifier receives progress events from collection checks
type Notifier interface {
	Notify(event models.ProgressEvent)
}

// EventLog keeps the most recent progress events in memory
type EventLog struct {
	mu     sync.Mutex
	events []models.ProgressEvent
	next   int
	full   bool
	logger *logrus.Logger
}

// NewEventLog creates an event log holding up to capacity events
func NewEventLog(capacity int, logger *logrus.Logger) *EventLog {
	if capacity < 1 {
		capacity = 1
	}
	return &EventLog{events: make([]models.ProgressEvent, capacity), logger: logger}
}

// Notify records event, overwriting the oldest one when full
func (l *EventLog) Notify(event models.ProgressEvent) {
	l.logger.WithFields(logrus.Fields{
		"phase":    event.Phase,
		"anidb_id": event.AnimeID,
		"folder":   event.Folder,
	}).Debug(event.Message)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.next] = event
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns the recorded events, oldest first
func (l *EventLog) Recent() []models.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]models.ProgressEvent, l.next)
		copy(out, l.events[:l.next])
		return out
	}
	out := make([]models.ProgressEvent, 0, len(l.events))
	out = append(out, l.events[l.next:]...)
	return append(out, l.events[:l.next]...)
}
