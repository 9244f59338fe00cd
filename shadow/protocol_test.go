package shadow

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestProtocolGetShadowNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewShadowStore()
	hub := NewFanoutHub()
	syncProtocol := NewSyncProtocol(store, hub)

	_, err := syncProtocol.GetShadow(ctx, "device-that-never-reported")
	notFoundErr, ok := err.(*NotFoundError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "device-that-never-reported", notFoundErr.DeviceId)
}

func TestProtocolPublishesEveryAcceptedUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewShadowStore()
	hub := NewFanoutHub()
	syncProtocol := NewSyncProtocol(store, hub)

	subscriber := newTestSubscriber(0)
	hub.Subscribe("wh-001", subscriber)

	version, err := syncProtocol.ReportState(ctx, "wh-001", Patch{
		"temperature": Number(140),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(1), version)

	// a no-op patch still publishes, with an empty delta, so subscribers
	// see a contiguous version sequence
	version, err = syncProtocol.ReportState(ctx, "wh-001", Patch{
		"temperature": Number(140),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(2), version)

	updates := subscriber.Updates()
	assert.Equal(t, 2, len(updates))
	assert.Equal(t, uint64(1), updates[0].Version)
	assert.Equal(t, 1, len(updates[0].Delta))
	assert.Equal(t, uint64(2), updates[1].Version)
	assert.Equal(t, 0, len(updates[1].Delta))
}

func TestProtocolRejectedUpdatePublishesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewShadowStore()
	hub := NewFanoutHub()
	syncProtocol := NewSyncProtocol(store, hub)

	subscriber := newTestSubscriber(0)
	hub.Subscribe("wh-001", subscriber)

	_, err := syncProtocol.ReportState(ctx, "wh-001", Patch{
		"bad": PatchValue{},
	})
	_, ok := err.(*ValidationError)
	assert.Equal(t, true, ok)
	assert.Equal(t, 0, len(subscriber.Updates()))
}

// the end to end scenario: device wh-001 reports, a control client sets a
// desired target, and a subscriber attached before either update sees
// both deltas in order
func TestProtocolExampleScenario(t *testing.T) {
	ctx := context.Background()
	store := NewShadowStore()
	hub := NewFanoutHub()
	syncProtocol := NewSyncProtocol(store, hub)

	subscriber := newTestSubscriber(0)
	hub.Subscribe("wh-001", subscriber)

	version, err := syncProtocol.ReportState(ctx, "wh-001", Patch{
		"temperature": Number(140),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(1), version)

	version, err = syncProtocol.UpdateDesired(ctx, "wh-001", Patch{
		"target_temperature": Number(125),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(2), version)

	doc, err := syncProtocol.GetShadow(ctx, "wh-001")
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(2), doc.Version)
	assert.Equal(t, map[string]any{
		"temperature": float64(140),
	}, doc.Reported)
	assert.Equal(t, map[string]any{
		"target_temperature": float64(125),
	}, doc.Desired)

	updates := subscriber.Updates()
	assert.Equal(t, 2, len(updates))
	assert.Equal(t, uint64(1), updates[0].Version)
	assert.Equal(t, float64(140), updates[0].Delta["temperature"].Scalar())
	assert.Equal(t, uint64(2), updates[1].Version)
	assert.Equal(t, float64(125), updates[1].Delta["target_temperature"].Scalar())
}
