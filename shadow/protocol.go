package shadow

import (
	"context"
)

// the boundary api between collaborators and the shadow core. every
// accepted mutation causes exactly one hub publish, empty deltas
// included, which keeps each subscriber's view of the version monotonic.
type SyncProtocol struct {
	store *ShadowStore
	hub   *FanoutHub
}

func NewSyncProtocol(store *ShadowStore, hub *FanoutHub) *SyncProtocol {
	return &SyncProtocol{
		store: store,
		hub:   hub,
	}
}

// returns the full document, or NotFoundError if the device has never
// been created. a device that has never reported or been configured is
// indistinguishable from one that does not exist, and callers are told
// so explicitly rather than handed an empty document.
func (self *SyncProtocol) GetShadow(ctx context.Context, deviceId string) (*ShadowDocument, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	doc, ok := self.store.Get(deviceId)
	if !ok {
		return nil, &NotFoundError{DeviceId: deviceId}
	}
	return doc, nil
}

// control-plane entry point. last-write-wins per field.
func (self *SyncProtocol) UpdateDesired(ctx context.Context, deviceId string, patch Patch) (uint64, error) {
	return self.apply(ctx, deviceId, SectionDesired, patch)
}

// device-plane entry point
func (self *SyncProtocol) ReportState(ctx context.Context, deviceId string, patch Patch) (uint64, error) {
	return self.apply(ctx, deviceId, SectionReported, patch)
}

func (self *SyncProtocol) apply(ctx context.Context, deviceId string, section Section, patch Patch) (uint64, error) {
	// the publish runs inside the device serialization point so that
	// subscribers see updates for one device in apply order. the hub only
	// queues, so this does not hold the device for subscriber i/o.
	_, version, err := self.store.Apply(ctx, deviceId, section, patch, self.hub.Publish)
	if err != nil {
		return 0, err
	}
	return version, nil
}
