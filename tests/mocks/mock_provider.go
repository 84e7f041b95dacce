package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/kopesha/loan-engine/internal/domain"
	"github.com/kopesha/loan-engine/internal/mpesa"
)

type MockProviderClient struct {
	mock.Mock
}

func (m *MockProviderClient) STKPush(ctx context.Context, push mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	args := m.Called(ctx, push)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mpesa.STKPushResponse), args.Error(1)
}

// RecordingSink captures published events for assertions.
type RecordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *RecordingSink) Publish(_ context.Context, event domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of everything published so far.
func (s *RecordingSink) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Named returns the published events with the given name.
func (s *RecordingSink) Named(name string) []domain.Event {
	var out []domain.Event
	for _, event := range s.Events() {
		if event.EventName() == name {
			out = append(out, event)
		}
	}
	return out
}
