package shadow

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// one receiving end of the fan-out. `Deliver` must not block: it either
// queues the update and returns true, or returns false when the
// subscriber cannot keep up, in which case the hub evicts it.
type Subscriber interface {
	SubscriberId() Id
	Deliver(update *StateUpdate) bool
	// called outside the hub lock after the subscriber has been evicted
	Evict()
}

// maps device ids to the subscribers currently interested in them and
// broadcasts state updates. delivery to one subscriber for one device is
// FIFO in publish order. a subscriber that cannot keep up is dropped
// rather than allowed to stall the publish path.
type FanoutHub struct {
	stateLock   sync.Mutex
	subscribers map[string]map[Id]Subscriber
}

func NewFanoutHub() *FanoutHub {
	return &FanoutHub{
		subscribers: map[string]map[Id]Subscriber{},
	}
}

// idempotent
func (self *FanoutHub) Subscribe(deviceId string, subscriber Subscriber) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	deviceSubscribers, ok := self.subscribers[deviceId]
	if !ok {
		deviceSubscribers = map[Id]Subscriber{}
		self.subscribers[deviceId] = deviceSubscribers
	}
	deviceSubscribers[subscriber.SubscriberId()] = subscriber
}

// removing a pairing that does not exist is a no-op
func (self *FanoutHub) Unsubscribe(deviceId string, subscriberId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.unsubscribeLocked(deviceId, subscriberId)
}

func (self *FanoutHub) unsubscribeLocked(deviceId string, subscriberId Id) {
	deviceSubscribers, ok := self.subscribers[deviceId]
	if !ok {
		return
	}
	delete(deviceSubscribers, subscriberId)
	if len(deviceSubscribers) == 0 {
		delete(self.subscribers, deviceId)
	}
}

// removes every subscription held by the subscriber. called when a
// session closes so no dangling references remain.
func (self *FanoutHub) CloseSubscriber(subscriberId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, deviceId := range maps.Keys(self.subscribers) {
		self.unsubscribeLocked(deviceId, subscriberId)
	}
}

// delivers the update to every subscriber of the device. eviction of a
// lagging subscriber happens after delivery to the others.
func (self *FanoutHub) Publish(update *StateUpdate) {
	self.stateLock.Lock()
	deviceSubscribers := maps.Values(self.subscribers[update.DeviceId])
	self.stateLock.Unlock()

	var evicted []Subscriber
	for _, subscriber := range deviceSubscribers {
		if !subscriber.Deliver(update) {
			evicted = append(evicted, subscriber)
		}
	}

	for _, subscriber := range evicted {
		glog.Infof("[hub]evict lagging subscriber %s\n", subscriber.SubscriberId())
		self.CloseSubscriber(subscriber.SubscriberId())
		subscriber.Evict()
	}
}

func (self *FanoutHub) SubscriberCount(deviceId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.subscribers[deviceId])
}

func (self *FanoutHub) Subscribed(deviceId string, subscriberId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.subscribers[deviceId][subscriberId]
	return ok
}
