package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfrfrfr/beon-ipshield/internal/notify"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, notify.Event) error {
	f.calls++
	return errors.New("broker down")
}

func TestWithNotificationsPublishesHighSeverity(t *testing.T) {
	ctx := context.Background()
	bus := notify.NewBus(8)
	_, events := bus.Subscribe()

	s := WithNotifications(NewMemoryStore(nil), bus)

	_, err := s.Upsert(ctx, models.BlockParams{IP: "203.0.113.1", Severity: models.SeverityMedium})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, models.BlockParams{
		IP:       "203.0.113.2",
		Reason:   models.ReasonBruteForce,
		Severity: models.SeverityCritical,
		Geo:      &models.GeoInfo{Country: "NL"},
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, notify.EventIPBlocked, ev.Type)
		assert.Equal(t, "203.0.113.2", ev.IP)
		assert.Equal(t, models.ReasonBruteForce, ev.Reason)
		require.NotNil(t, ev.Geo)
		assert.Equal(t, "NL", ev.Geo.Country)
	case <-time.After(time.Second):
		t.Fatal("expected a block event")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for %s", ev.IP)
	default:
	}
}

func TestWithNotificationsIgnoresPublishFailure(t *testing.T) {
	pub := &failingPublisher{}
	s := WithNotifications(NewMemoryStore(nil), pub)

	e, err := s.Upsert(context.Background(), models.BlockParams{IP: "203.0.113.3", Severity: models.SeverityHigh})
	require.NoError(t, err)
	assert.True(t, e.Active)
	assert.Equal(t, 1, pub.calls)

	_, ok, err := s.Lookup(context.Background(), "203.0.113.3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithNotificationsNilPublisher(t *testing.T) {
	inner := NewMemoryStore(nil)
	assert.Same(t, Store(inner), WithNotifications(inner, nil))
}
