package dht

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/exp/slices"
)

// resolves a record key plus an optional writer credential into a live,
// session-scoped handle. the credential check is local, against cached
// schema metadata. handles must be released; releasing drops the
// record's watch subscriptions held through the handle, and closing the
// owning node releases every handle.

type RoutingContext struct {
	node *Node

	mutex   sync.Mutex
	handles map[RecordKey][]*RecordHandle
	closed  bool
}

// a live handle to a record, bound to a writer credential (or read-only)
type RecordHandle struct {
	routingContext *RoutingContext

	descriptor *RecordDescriptor
	writer     *KeyPair

	mutex         sync.Mutex
	released      bool
	subscriptions []*WatchSubscription
}

func (self *RoutingContext) register(handle *RecordHandle) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return errors.New("session closed")
	}
	key := handle.descriptor.Key
	self.handles[key] = append(self.handles[key], handle)
	return nil
}

// validates the schema, derives a record key and returns a handle bound
// to the creator's write authority over the exclusive subkeys
func (self *RoutingContext) CreateRecord(ctx context.Context, kind CryptoKind, schema *Schema, creator *KeyPair) (*RecordHandle, error) {
	descriptor, err := self.node.store.CreateRecord(kind, schema, creator)
	if err != nil {
		return nil, err
	}
	self.node.store.SetRoutable(descriptor.Key, self.node.Attachment() == FullyAttached)

	handle := &RecordHandle{
		routingContext: self,
		descriptor:     descriptor,
		writer:         creator,
	}
	if err := self.register(handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// resolves an existing record. when the record is unknown locally its
// metadata is fetched from the network. a nil credential yields a
// read-only handle; a credential that maps to no schema member fails
func (self *RoutingContext) OpenRecord(ctx context.Context, key RecordKey, writer *KeyPair) (*RecordHandle, error) {
	descriptor, err := self.node.sync.FetchRecord(ctx, key)
	if err != nil {
		return nil, err
	}

	if writer != nil {
		writerId := writer.MemberId()
		if writerId != descriptor.Creator && !descriptor.Schema.HasMember(writerId) {
			return nil, &UnauthorizedWriterError{Key: key, Writer: writerId}
		}
	}

	handle := &RecordHandle{
		routingContext: self,
		descriptor:     descriptor,
		writer:         writer,
	}
	if err := self.register(handle); err != nil {
		return nil, err
	}
	return handle, nil
}

func (self *RoutingContext) releaseAll() {
	self.mutex.Lock()
	handlesByKey := self.handles
	self.handles = map[RecordKey][]*RecordHandle{}
	self.closed = true
	self.mutex.Unlock()

	for _, handles := range handlesByKey {
		for _, handle := range handles {
			handle.release()
		}
	}
}

func (self *RoutingContext) remove(handle *RecordHandle) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	key := handle.descriptor.Key
	handles := self.handles[key]
	i := slices.Index(handles, handle)
	if 0 <= i {
		self.handles[key] = slices.Delete(handles, i, i+1)
	}
}

func (self *RecordHandle) Key() RecordKey {
	return self.descriptor.Key
}

func (self *RecordHandle) Descriptor() *RecordDescriptor {
	return self.descriptor
}

func (self *RecordHandle) checkLive() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.released {
		return errors.New("handle released")
	}
	return nil
}

func (self *RecordHandle) SetValue(ctx context.Context, subkey int, data []byte) (uint32, error) {
	if err := self.checkLive(); err != nil {
		return 0, err
	}
	return self.routingContext.node.store.SetValue(self.descriptor.Key, subkey, data, self.writer)
}

func (self *RecordHandle) GetValue(ctx context.Context, subkey int, forceRefresh bool) (*SubkeyValue, error) {
	if err := self.checkLive(); err != nil {
		return nil, err
	}
	return self.routingContext.node.sync.GetValue(ctx, self.descriptor.Key, subkey, forceRefresh)
}

func (self *RecordHandle) Inspect(ctx context.Context, scope InspectScope) (*InspectionReport, error) {
	if err := self.checkLive(); err != nil {
		return nil, err
	}
	return self.routingContext.node.sync.Inspect(ctx, self.descriptor.Key, scope)
}

func (self *RecordHandle) RetryInspect(ctx context.Context, scope InspectScope) (*InspectionReport, error) {
	if err := self.checkLive(); err != nil {
		return nil, err
	}
	return self.routingContext.node.sync.RetryInspect(ctx, self.descriptor.Key, scope)
}

// registers a watch scoped to this handle. the subscription is also
// registered with peers so that remote writes push change notifications
func (self *RecordHandle) Watch(ctx context.Context, subkeyRange *SubkeyRange) (*WatchSubscription, error) {
	if err := self.checkLive(); err != nil {
		return nil, err
	}
	subscription, err := self.routingContext.node.watch.Watch(self.descriptor.Key, subkeyRange)
	if err != nil {
		return nil, err
	}
	self.routingContext.node.peers.RegisterWatch(self.descriptor.Key, subkeyRange)

	self.mutex.Lock()
	self.subscriptions = append(self.subscriptions, subscription)
	self.mutex.Unlock()
	return subscription, nil
}

// releases the handle and expires its subscriptions. idempotent
func (self *RecordHandle) Release() {
	self.routingContext.remove(self)
	self.release()
}

func (self *RecordHandle) release() {
	self.mutex.Lock()
	if self.released {
		self.mutex.Unlock()
		return
	}
	self.released = true
	subscriptions := self.subscriptions
	self.subscriptions = nil
	self.mutex.Unlock()

	for _, subscription := range subscriptions {
		subscription.Cancel()
	}
}
