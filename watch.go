package dht

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"

	"github.com/oklog/ulid/v2"
)

// tracks subscriptions to record changes and delivers change events.
// upstream delivery is at least once, so events are deduped per subscription
// by (record key, subkey, sequence) before they reach the subscriber.
// each subscription has a bounded queue with drop-oldest overflow so that
// a slow subscriber never blocks a writer.

type WatchState int

const (
	WatchRegistered WatchState = iota
	WatchActive
	WatchCanceled
	WatchExpired
)

func (self WatchState) String() string {
	switch self {
	case WatchRegistered:
		return "registered"
	case WatchActive:
		return "active"
	case WatchCanceled:
		return "canceled"
	case WatchExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// inclusive subkey range. nil means all subkeys
type SubkeyRange struct {
	First int
	Last  int
}

func (self *SubkeyRange) Contains(subkey int) bool {
	return self.First <= subkey && subkey <= self.Last
}

type ValueChangeEvent struct {
	Key    RecordKey
	Subkey int
	Seq    uint32
}

type WatchEngineSettings struct {
	// bounded event queue per subscription. on overflow the oldest
	// undelivered event is dropped
	QueueSize int
}

func DefaultWatchEngineSettings() *WatchEngineSettings {
	return &WatchEngineSettings{
		QueueSize: 32,
	}
}

type watchSeenKey struct {
	subkey int
	seq    uint32
}

type WatchSubscription struct {
	engine *WatchEngine

	subscriptionId ulid.ULID
	key            RecordKey
	subkeyRange    *SubkeyRange

	mutex  sync.Mutex
	state  WatchState
	seen   map[watchSeenKey]bool
	events chan *ValueChangeEvent
}

func (self *WatchSubscription) SubscriptionId() ulid.ULID {
	return self.subscriptionId
}

func (self *WatchSubscription) Key() RecordKey {
	return self.key
}

func (self *WatchSubscription) State() WatchState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// closed when the subscription is canceled or expires
func (self *WatchSubscription) Events() <-chan *ValueChangeEvent {
	return self.events
}

// idempotent
func (self *WatchSubscription) Cancel() {
	self.engine.remove(self.subscriptionId)
	self.close(WatchCanceled)
}

func (self *WatchSubscription) close(state WatchState) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state == WatchCanceled || self.state == WatchExpired {
		return
	}
	self.state = state
	close(self.events)
}

func (self *WatchSubscription) activate() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state == WatchRegistered {
		self.state = WatchActive
	}
}

func (self *WatchSubscription) deliver(event *ValueChangeEvent) {
	if event.Key != self.key {
		return
	}
	if self.subkeyRange != nil && !self.subkeyRange.Contains(event.Subkey) {
		return
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state != WatchActive {
		return
	}
	seenKey := watchSeenKey{
		subkey: event.Subkey,
		seq:    event.Seq,
	}
	if self.seen[seenKey] {
		// duplicate delivery
		glog.V(2).Infof("[watch]dedupe %s/%d seq=%d\n", event.Key, event.Subkey, event.Seq)
		return
	}
	self.seen[seenKey] = true

	for {
		select {
		case self.events <- event:
			return
		default:
		}
		// full. drop the oldest undelivered event
		select {
		case dropped := <-self.events:
			glog.Infof("[watch]drop %s/%d seq=%d\n", dropped.Key, dropped.Subkey, dropped.Seq)
		default:
		}
	}
}

type WatchEngine struct {
	store *RecordStore

	settings *WatchEngineSettings

	mutex         sync.Mutex
	subscriptions map[ulid.ULID]*WatchSubscription

	changeCallbackId int
}

func NewWatchEngineWithDefaults(store *RecordStore) *WatchEngine {
	return NewWatchEngine(store, DefaultWatchEngineSettings())
}

func NewWatchEngine(store *RecordStore, settings *WatchEngineSettings) *WatchEngine {
	engine := &WatchEngine{
		store:         store,
		settings:      settings,
		subscriptions: map[ulid.ULID]*WatchSubscription{},
	}
	engine.changeCallbackId = store.AddChangeCallback(func(key RecordKey, subkey int, value *SubkeyValue) {
		engine.Notify(&ValueChangeEvent{
			Key:    key,
			Subkey: subkey,
			Seq:    value.Seq,
		})
	})
	return engine
}

// registers interest in changes to the record.
// fails when the record cannot presently accept watchers
func (self *WatchEngine) Watch(key RecordKey, subkeyRange *SubkeyRange) (*WatchSubscription, error) {
	if _, err := self.store.Descriptor(key); err != nil {
		return nil, err
	}
	if !self.store.IsRoutable(key) {
		return nil, &WatchUnavailableError{Key: key}
	}

	subscription := &WatchSubscription{
		engine:         self,
		subscriptionId: ulid.Make(),
		key:            key,
		subkeyRange:    subkeyRange,
		state:          WatchRegistered,
		seen:           map[watchSeenKey]bool{},
		events:         make(chan *ValueChangeEvent, self.settings.QueueSize),
	}

	self.mutex.Lock()
	self.subscriptions[subscription.subscriptionId] = subscription
	self.mutex.Unlock()

	// the record is presently routable, so delivery is possible
	subscription.activate()
	glog.V(2).Infof("[watch]active %s id=%s\n", key, subscription.subscriptionId)
	return subscription, nil
}

// fans a change event out to all matching subscriptions
func (self *WatchEngine) Notify(event *ValueChangeEvent) {
	self.mutex.Lock()
	subscriptions := maps.Values(self.subscriptions)
	self.mutex.Unlock()

	for _, subscription := range subscriptions {
		subscription.deliver(event)
	}
}

func (self *WatchEngine) remove(subscriptionId ulid.ULID) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.subscriptions, subscriptionId)
}

func (self *WatchEngine) SubscriptionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.subscriptions)
}

// expires every subscription for the record, e.g. when its handle is released
func (self *WatchEngine) ExpireRecord(key RecordKey) {
	self.mutex.Lock()
	expired := []*WatchSubscription{}
	for subscriptionId, subscription := range self.subscriptions {
		if subscription.key == key {
			delete(self.subscriptions, subscriptionId)
			expired = append(expired, subscription)
		}
	}
	self.mutex.Unlock()

	for _, subscription := range expired {
		subscription.close(WatchExpired)
	}
}

// expires all subscriptions. no events fire after this returns.
// the caller must watch again after reattachment
func (self *WatchEngine) ExpireAll() {
	self.mutex.Lock()
	expired := maps.Values(self.subscriptions)
	self.subscriptions = map[ulid.ULID]*WatchSubscription{}
	self.mutex.Unlock()

	for _, subscription := range expired {
		subscription.close(WatchExpired)
	}
}
