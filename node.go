package dht

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/golang/glog"
)

// a node hosts the record engine: the local store, the watch engine,
// the sync client and the peer transports. callers wait for attachment
// with `WaitAttached` and then operate on records through a routing
// context. closing the node synchronously invalidates all derived
// handles and subscriptions.

type NodeSettings struct {
	ProgramName string
	Namespace   string

	// optional. when set the node serves the sync endpoint and the
	// debug api on this address
	ListenAddress string

	StoreSettings     *RecordStoreSettings
	WatchSettings     *WatchEngineSettings
	SyncSettings      *SyncClientSettings
	PeerSettings      *PeerManagerSettings
	TransportSettings *PeerTransportSettings
}

func DefaultNodeSettings() *NodeSettings {
	return &NodeSettings{
		ProgramName:       "dht",
		Namespace:         "default",
		StoreSettings:     DefaultRecordStoreSettings(),
		WatchSettings:     DefaultWatchEngineSettings(),
		SyncSettings:      DefaultSyncClientSettings(),
		PeerSettings:      DefaultPeerManagerSettings(),
		TransportSettings: DefaultPeerTransportSettings(),
	}
}

type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *NodeSettings

	identity *KeyPair

	store *RecordStore
	watch *WatchEngine
	peers *PeerManager
	sync  *SyncClient

	updateCallbacks *CallbackList[UpdateFunction]

	// serializes attachment transitions and their update dispatch so
	// no attachment update fires after close returns
	attachMutex sync.Mutex

	mutex      sync.Mutex
	attachment AttachmentState
	// replaced on every attachment change; closed channel means changed
	attachmentUpdate chan struct{}
	listenerActive   bool
	closed           bool

	transports []*PeerTransport

	httpServer *http.Server

	routingContext *RoutingContext
}

func NewNodeWithDefaults(ctx context.Context) (*Node, error) {
	return NewNode(ctx, DefaultNodeSettings())
}

func NewNode(ctx context.Context, settings *NodeSettings) (*Node, error) {
	identity, err := GenerateKeyPair(KindKDX0)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	store := NewRecordStore(cancelCtx, settings.StoreSettings)
	watch := NewWatchEngine(store, settings.WatchSettings)
	peers := NewPeerManager(cancelCtx, store, settings.PeerSettings)
	syncClient := NewSyncClient(cancelCtx, store, peers, settings.SyncSettings)

	node := &Node{
		ctx:              cancelCtx,
		cancel:           cancel,
		settings:         settings,
		identity:         identity,
		store:            store,
		watch:            watch,
		peers:            peers,
		sync:             syncClient,
		updateCallbacks:  NewCallbackList[UpdateFunction](),
		attachment:       Detached,
		attachmentUpdate: make(chan struct{}),
	}
	node.routingContext = &RoutingContext{
		node:    node,
		handles: map[RecordKey][]*RecordHandle{},
	}

	// change notifications pushed by peers feed the watch engine
	peers.AddNotifyCallback(func(event *ValueChangeEvent) {
		watch.Notify(event)
	})
	// peer connectivity drives attachment and route updates
	peers.AddStateCallback(func(activePeerCount int) {
		node.update(&NetworkChangeUpdate{PeerCount: activePeerCount})
		node.recomputeAttachment()
	})
	// surface applied changes on the update stream
	store.AddChangeCallback(func(key RecordKey, subkey int, value *SubkeyValue) {
		node.update(&ValueChangeUpdate{
			Key:    key,
			Subkey: subkey,
			Seq:    value.Seq,
		})
	})

	return node, nil
}

func (self *Node) NodeId() MemberId {
	return self.identity.MemberId()
}

func (self *Node) Store() *RecordStore {
	return self.store
}

func (self *Node) AddUpdateCallback(updateCallback UpdateFunction) int {
	return self.updateCallbacks.Add(updateCallback)
}

func (self *Node) RemoveUpdateCallback(callbackId int) {
	self.updateCallbacks.Remove(callbackId)
}

func (self *Node) update(update Update) {
	for _, updateCallback := range self.updateCallbacks.Get() {
		updateCallback := updateCallback
		HandleError(func() {
			updateCallback(update)
		})
	}
}

func (self *Node) Attachment() AttachmentState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.attachment
}

func (self *Node) setAttachment(state AttachmentState) {
	self.attachMutex.Lock()
	defer self.attachMutex.Unlock()

	self.mutex.Lock()
	// once closed only the shutdown transitions may pass. an in-flight
	// peer state callback racing close must not resurrect the node
	if self.closed && state != Detaching && state != Detached {
		self.mutex.Unlock()
		return
	}
	if self.attachment == state {
		self.mutex.Unlock()
		return
	}
	self.attachment = state
	close(self.attachmentUpdate)
	self.attachmentUpdate = make(chan struct{})
	self.mutex.Unlock()

	glog.V(2).Infof("[node]%s attachment=%s\n", self.NodeId(), state)
	self.store.SetAllRoutable(state == FullyAttached)
	if state == Detached || state == Detaching {
		// no automatic resubscription. callers watch again after reattach
		self.watch.ExpireAll()
	}
	self.update(&AttachmentChangeUpdate{State: state})
}

func (self *Node) recomputeAttachment() {
	self.mutex.Lock()
	closed := self.closed
	listenerActive := self.listenerActive
	attachment := self.attachment
	self.mutex.Unlock()

	if closed || attachment == Detached {
		return
	}
	if listenerActive || 0 < self.peers.ActivePeerCount() {
		self.setAttachment(FullyAttached)
	} else {
		self.setAttachment(Attaching)
	}
}

// starts attaching. with a listen address the node is fully attached
// once the listener is bound; otherwise once the first peer link is up
func (self *Node) Attach() error {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return errors.New("node closed")
	}
	self.mutex.Unlock()

	self.setAttachment(Attaching)

	if self.settings.ListenAddress != "" {
		listener, err := net.Listen("tcp", self.settings.ListenAddress)
		if err != nil {
			self.setAttachment(Detached)
			return err
		}
		router := NewDebugRouter(self)
		router.Handle("/sync", NewPeerListener(self.ctx, self.peers, self.settings.TransportSettings))
		self.httpServer = &http.Server{
			Handler: router,
		}
		go HandleError(func() {
			self.httpServer.Serve(listener)
		})

		self.mutex.Lock()
		self.listenerActive = true
		self.mutex.Unlock()
		glog.V(1).Infof("[node]%s listening on %s\n", self.NodeId(), listener.Addr())
	}

	self.recomputeAttachment()
	return nil
}

// dials a peer sync endpoint. the transport reconnects until the node closes
func (self *Node) AddPeer(peerUrl string) {
	transport := NewPeerTransport(self.ctx, self.peers, peerUrl, self.identity, self.settings.TransportSettings)
	self.mutex.Lock()
	self.transports = append(self.transports, transport)
	self.mutex.Unlock()
	self.update(&RouteChangeUpdate{
		PeerUrl: peerUrl,
		Active:  true,
	})
}

// blocks until the node is fully attached or the context ends
func (self *Node) WaitAttached(ctx context.Context) error {
	for {
		self.mutex.Lock()
		attachment := self.attachment
		attachmentUpdate := self.attachmentUpdate
		self.mutex.Unlock()

		if attachment == FullyAttached {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return errors.New("node closed")
		case <-attachmentUpdate:
		}
	}
}

func (self *Node) RoutingContext() *RoutingContext {
	return self.routingContext
}

func (self *Node) PeerManager() *PeerManager {
	return self.peers
}

// synchronously invalidates all handles and subscriptions.
// no notifications fire after close returns
func (self *Node) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	transports := self.transports
	httpServer := self.httpServer
	self.mutex.Unlock()

	self.setAttachment(Detaching)
	self.routingContext.releaseAll()
	self.watch.ExpireAll()
	for _, transport := range transports {
		transport.Close()
	}
	if httpServer != nil {
		httpServer.Close()
	}
	self.update(&ShutdownUpdate{})
	self.setAttachment(Detached)
	self.cancel()
}
