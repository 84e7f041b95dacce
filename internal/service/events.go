package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/kopesha/loan-engine/internal/domain"
)

// LogSink publishes domain events to the structured log. Notification and
// audit consumers subscribe downstream of the log pipeline.
type LogSink struct {
	log *logrus.Logger
}

func NewLogSink(log *logrus.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(_ context.Context, event domain.Event) {
	s.log.WithField("event", event.EventName()).WithField("payload", event).Info("domain event")
}
