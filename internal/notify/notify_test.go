package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

func testEntry() *models.BlockEntry {
	return &models.BlockEntry{
		IP:       "203.0.113.66",
		Reason:   models.ReasonSecurityViolation,
		Severity: models.SeverityCritical,
		Geo:      &models.GeoInfo{Country: "NL", ASN: 64500},
	}
}

func TestNewBlockEvent(t *testing.T) {
	now := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	entry := testEntry()
	ev := NewBlockEvent(entry, now)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, EventIPBlocked, ev.Type)
	assert.Equal(t, "203.0.113.66", ev.IP)
	assert.Equal(t, models.SeverityCritical, ev.Severity)
	assert.Equal(t, now, ev.Timestamp)
	require.NotNil(t, ev.Geo)

	entry.Geo.Country = "DE"
	assert.Equal(t, "NL", ev.Geo.Country, "event geo should be a copy")

	other := NewBlockEvent(entry, now)
	assert.NotEqual(t, ev.ID, other.ID)
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(4)
	id, ch := bus.Subscribe()
	assert.Equal(t, 1, bus.Subscribers())

	ev := NewBlockEvent(testEntry(), time.Now())
	require.NoError(t, bus.Publish(context.Background(), ev))

	select {
	case got := <-ch:
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")
}

func TestBusFullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1)
	_, ch := bus.Subscribe()

	ev := NewBlockEvent(testEntry(), time.Now())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = bus.Publish(context.Background(), ev)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestRedisPublisher(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisPublisher(client, "")
	assert.Equal(t, "ipshield:blocks", pub.Channel())

	sub := client.Subscribe(ctx, pub.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	ev := NewBlockEvent(testEntry(), time.Now())
	require.NoError(t, pub.Publish(ctx, ev))

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.IP, got.IP)
	assert.Equal(t, models.ReasonSecurityViolation, got.Reason)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	bus := NewBus(1)
	_, ch := bus.Subscribe()
	boom := errors.New("boom")

	m := Multi{failingPublisher{err: boom}, bus}
	err := m.Publish(context.Background(), NewBlockEvent(testEntry(), time.Now()))

	assert.ErrorIs(t, err, boom)
	assert.Len(t, ch, 1, "later publishers still receive the event")
}
