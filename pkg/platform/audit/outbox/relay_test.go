package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"gatekeeper/pkg/platform/audit/store/postgres"
)

type fakeSource struct {
	mu        sync.Mutex
	entries   []postgres.OutboxEntry
	published map[uuid.UUID]time.Time
}

func (f *fakeSource) FetchUnpublished(_ context.Context, limit int) ([]postgres.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []postgres.OutboxEntry
	for _, e := range f.entries {
		if _, done := f.published[e.ID]; done {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) MarkPublished(_ context.Context, ids []uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.published[id] = at
	}
	return nil
}

type fakeProducer struct {
	msgs []Message
	err  error
}

func (p *fakeProducer) Publish(_ context.Context, msgs []Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

type RelaySuite struct {
	suite.Suite
	source   *fakeSource
	producer *fakeProducer
	relay    *Relay
	now      time.Time
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) SetupTest() {
	s.now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.source = &fakeSource{published: map[uuid.UUID]time.Time{}}
	for i := 0; i < 3; i++ {
		s.source.entries = append(s.source.entries, postgres.OutboxEntry{
			ID: uuid.New(), AggregateID: "pending-1", EventType: "pending_approved", Payload: []byte(`{}`),
		})
	}
	s.producer = &fakeProducer{}
	s.relay = NewRelay(s.source, s.producer,
		WithBatchSize(2),
		WithClock(func() time.Time { return s.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func (s *RelaySuite) TestRelayOnce() {
	s.Run("publishes a batch and marks it", func() {
		n, err := s.relay.RelayOnce(context.Background())
		s.Require().NoError(err)
		s.Equal(2, n)
		s.Len(s.producer.msgs, 2)
		s.Equal("pending_approved", s.producer.msgs[0].Headers["event_type"])
		s.Equal([]byte("pending-1"), s.producer.msgs[0].Key)
		s.Len(s.source.published, 2)
	})

	s.Run("next pass picks up the remainder", func() {
		n, err := s.relay.RelayOnce(context.Background())
		s.Require().NoError(err)
		s.Equal(1, n)
	})
}

func (s *RelaySuite) TestProducerFailureLeavesRowsUnpublished() {
	s.producer.err = errors.New("broker down")

	_, err := s.relay.RelayOnce(context.Background())
	s.Require().Error(err)
	s.Empty(s.source.published)
}
