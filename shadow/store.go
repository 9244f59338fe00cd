package shadow

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// called after an accepted mutation, while the device is still serialized,
// so that publishes for one device happen in apply order
type NotifyFunction func(update *StateUpdate)

// the delta published to subscribers after one accepted mutation
type StateUpdate struct {
	DeviceId string `json:"deviceId"`
	Delta    Patch  `json:"delta"`
	Version  uint64 `json:"version"`
}

type shadowRecord struct {
	// serializes mutations for one device
	mutex sync.Mutex
	doc   *ShadowDocument
}

// owns the per-device authoritative documents.
// mutations for one device are serialized on the record mutex.
// mutations for different devices proceed concurrently.
type ShadowStore struct {
	now func() time.Time

	stateLock sync.Mutex
	records   map[string]*shadowRecord
}

func NewShadowStore() *ShadowStore {
	return newShadowStoreWithClock(time.Now)
}

func newShadowStoreWithClock(now func() time.Time) *ShadowStore {
	return &ShadowStore{
		now:     now,
		records: map[string]*shadowRecord{},
	}
}

// returns a copy of the current document. no side effects.
func (self *ShadowStore) Get(deviceId string) (*ShadowDocument, bool) {
	self.stateLock.Lock()
	record, ok := self.records[deviceId]
	self.stateLock.Unlock()
	if !ok {
		return nil, false
	}

	record.mutex.Lock()
	defer record.mutex.Unlock()
	if record.doc == nil {
		// reserved but never mutated
		return nil, false
	}
	return record.doc.Copy(), true
}

func (self *ShadowStore) DeviceIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.records)
}

func (self *ShadowStore) ApplyReported(ctx context.Context, deviceId string, patch Patch) (Patch, uint64, error) {
	return self.Apply(ctx, deviceId, SectionReported, patch, nil)
}

func (self *ShadowStore) ApplyDesired(ctx context.Context, deviceId string, patch Patch) (Patch, uint64, error) {
	return self.Apply(ctx, deviceId, SectionDesired, patch, nil)
}

// applies a merge patch to one section of the device document, creating
// the document on first use. the entire merge and version bump happen
// under the device serialization point, so cancellation either applies
// the whole mutation or none of it. `notify`, when set, runs before the
// device is released.
func (self *ShadowStore) Apply(
	ctx context.Context,
	deviceId string,
	section Section,
	patch Patch,
	notify NotifyFunction,
) (Patch, uint64, error) {
	// validate before reserving anything so a rejected patch has no effect
	if err := patch.validate(); err != nil {
		return nil, 0, err
	}

	record := self.openRecord(deviceId)

	record.mutex.Lock()
	defer record.mutex.Unlock()

	// the caller may have given up while waiting on the serialization point
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	default:
	}

	if record.doc == nil {
		record.doc = newShadowDocument(deviceId)
	}

	doc := record.doc
	mutateTime := self.now()
	var delta Patch
	switch section {
	case SectionReported:
		delta = applyMergePatch(doc.Reported, patch)
		doc.ReportedAt = mutateTime
	case SectionDesired:
		delta = applyMergePatch(doc.Desired, patch)
		doc.DesiredAt = mutateTime
	}
	doc.Version += 1

	glog.V(2).Infof("[st]%s %s v%d delta=%d\n", deviceId, section, doc.Version, len(delta))

	if notify != nil {
		notify(&StateUpdate{
			DeviceId: deviceId,
			Delta:    delta,
			Version:  doc.Version,
		})
	}

	return delta, doc.Version, nil
}

func (self *ShadowStore) openRecord(deviceId string) *shadowRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.records[deviceId]
	if !ok {
		record = &shadowRecord{}
		self.records[deviceId] = record
	}
	return record
}
