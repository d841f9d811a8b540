package dht

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"

	"github.com/oklog/ulid/v2"
)

// manages the set of attached peer links and speaks the sync protocol
// over them. each peer link is a pair of byte-frame channels supplied by a
// transport. the manager serves open/inspect requests from the local store,
// applies pushed values, forwards change notifications to registered
// watchers, and correlates request/response pairs by request id.

const PeerBufferSize = 32

type PeerStateFunction func(activePeerCount int)

type PeerManagerSettings struct {
	SendTimeout    time.Duration
	RequestTimeout time.Duration
}

func DefaultPeerManagerSettings() *PeerManagerSettings {
	return &PeerManagerSettings{
		SendTimeout:    5 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// one attached peer link. the transport owns the channels:
// it closes `receive` when the link goes down
type Peer struct {
	PeerId  ulid.ULID
	Url     string
	send    chan []byte
	receive chan []byte
}

func NewPeer(url string) *Peer {
	return &Peer{
		PeerId:  ulid.Make(),
		Url:     url,
		send:    make(chan []byte, PeerBufferSize),
		receive: make(chan []byte, PeerBufferSize),
	}
}

type peerState struct {
	peer *Peer
	// records the peer registered watches for
	watchedRecords map[RecordKey][]*SubkeyRange
}

// caller must hold the manager mutex
func (self *peerState) watches(key RecordKey, subkey int) bool {
	ranges, ok := self.watchedRecords[key]
	if !ok {
		return false
	}
	for _, subkeyRange := range ranges {
		if subkeyRange == nil || subkeyRange.Contains(subkey) {
			return true
		}
	}
	return false
}

type PeerManager struct {
	ctx context.Context

	store *RecordStore

	settings *PeerManagerSettings

	mutex sync.Mutex
	peers map[ulid.ULID]*peerState
	// request id -> waiter
	pending map[ulid.ULID]chan wireMessage

	// incoming value change notifications, e.g. for the watch engine
	notifyCallbacks *CallbackList[func(*ValueChangeEvent)]
	stateCallbacks  *CallbackList[PeerStateFunction]

	changeCallbackId int
}

func NewPeerManagerWithDefaults(ctx context.Context, store *RecordStore) *PeerManager {
	return NewPeerManager(ctx, store, DefaultPeerManagerSettings())
}

func NewPeerManager(ctx context.Context, store *RecordStore, settings *PeerManagerSettings) *PeerManager {
	peerManager := &PeerManager{
		ctx:             ctx,
		store:           store,
		settings:        settings,
		peers:           map[ulid.ULID]*peerState{},
		pending:         map[ulid.ULID]chan wireMessage{},
		notifyCallbacks: NewCallbackList[func(*ValueChangeEvent)](),
		stateCallbacks:  NewCallbackList[PeerStateFunction](),
	}
	// propagate every locally applied change to peers
	peerManager.changeCallbackId = store.AddChangeCallback(peerManager.propagate)
	return peerManager
}

func (self *PeerManager) AddNotifyCallback(notifyCallback func(*ValueChangeEvent)) int {
	return self.notifyCallbacks.Add(notifyCallback)
}

func (self *PeerManager) AddStateCallback(stateCallback PeerStateFunction) int {
	return self.stateCallbacks.Add(stateCallback)
}

func (self *PeerManager) ActivePeerCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.peers)
}

// registers a peer link and starts consuming its frames.
// the link is removed when the transport closes the receive channel
func (self *PeerManager) UpdatePeer(peer *Peer) {
	self.mutex.Lock()
	self.peers[peer.PeerId] = &peerState{
		peer:           peer,
		watchedRecords: map[RecordKey][]*SubkeyRange{},
	}
	activeCount := len(self.peers)
	self.mutex.Unlock()

	glog.V(2).Infof("[peer]up %s (%d active)\n", peer.Url, activeCount)
	self.peerStateChanged(activeCount)
	go self.readLoop(peer)
}

func (self *PeerManager) RemovePeer(peer *Peer) {
	self.mutex.Lock()
	_, ok := self.peers[peer.PeerId]
	delete(self.peers, peer.PeerId)
	activeCount := len(self.peers)
	self.mutex.Unlock()

	if ok {
		glog.V(2).Infof("[peer]down %s (%d active)\n", peer.Url, activeCount)
		self.peerStateChanged(activeCount)
	}
}

func (self *PeerManager) peerStateChanged(activeCount int) {
	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback := stateCallback
		go HandleError(func() {
			stateCallback(activeCount)
		})
	}
}

func (self *PeerManager) readLoop(peer *Peer) {
	defer self.RemovePeer(peer)

	for {
		select {
		case <-self.ctx.Done():
			return
		case frameBytes, ok := <-peer.receive:
			if !ok {
				return
			}
			HandleError(func() {
				self.handleFrame(peer, frameBytes)
			})
		}
	}
}

func (self *PeerManager) handleFrame(peer *Peer, frameBytes []byte) {
	envelope, err := DecodeEnvelope(frameBytes)
	if err != nil {
		glog.V(2).Infof("[peer]bad frame from %s = %s\n", peer.Url, err)
		return
	}
	message, err := DecodeMessage(envelope)
	if err != nil {
		glog.V(2).Infof("[peer]bad message from %s = %s\n", peer.Url, err)
		return
	}

	switch v := message.(type) {
	case *OpenRequestMessage:
		response := &OpenResponseMessage{}
		if schemaBytes, creatorKey, values, err := self.store.ExportRecord(v.Key); err == nil {
			response.Found = true
			response.SchemaBytes = schemaBytes
			response.CreatorKey = creatorKey
			for subkey, value := range values {
				response.Values = append(response.Values, &SubkeyValueEntry{
					Subkey: subkey,
					Value:  value,
				})
			}
		}
		self.sendToPeer(peer, EncodeEnvelope(envelope.RequestId, response))
	case *InspectRequestMessage:
		response := &InspectResponseMessage{}
		if seqs, err := self.store.SubkeySeqs(v.Key); err == nil {
			response.Found = true
			response.FullyReplicated = self.store.IsRoutable(v.Key) || self.store.IsLocal(v.Key)
			for subkey, seq := range seqs {
				response.Seqs = append(response.Seqs, &SubkeySeqEntry{
					Subkey: subkey,
					Seq:    seq,
				})
			}
			if values, err := self.store.SubkeyValues(v.Key); err == nil {
				for subkey, value := range values {
					response.Values = append(response.Values, &SubkeyValueEntry{
						Subkey: subkey,
						Value:  value,
					})
				}
			}
		}
		self.sendToPeer(peer, EncodeEnvelope(envelope.RequestId, response))
	case *SetValueMessage:
		if _, err := self.store.ApplyRemoteValue(v.Key, v.Subkey, v.Value); err != nil {
			var notFoundErr *RecordNotFoundError
			if !errors.As(err, &notFoundErr) {
				glog.V(2).Infof("[peer]reject value from %s = %s\n", peer.Url, err)
			}
		}
	case *ValueChangeMessage:
		event := &ValueChangeEvent{
			Key:    v.Key,
			Subkey: v.Subkey,
			Seq:    v.Seq,
		}
		for _, notifyCallback := range self.notifyCallbacks.Get() {
			notifyCallback := notifyCallback
			go HandleError(func() {
				notifyCallback(event)
			})
		}
	case *WatchRegisterMessage:
		var subkeyRange *SubkeyRange
		if v.HasRange {
			subkeyRange = &SubkeyRange{
				First: v.First,
				Last:  v.Last,
			}
		}
		self.mutex.Lock()
		if state, ok := self.peers[peer.PeerId]; ok {
			state.watchedRecords[v.Key] = append(state.watchedRecords[v.Key], subkeyRange)
		}
		self.mutex.Unlock()
	case *OpenResponseMessage, *InspectResponseMessage:
		self.mutex.Lock()
		waiter, ok := self.pending[envelope.RequestId]
		delete(self.pending, envelope.RequestId)
		self.mutex.Unlock()
		if ok {
			waiter <- message
		}
	}
}

// pushes a locally applied change to all peers, and a change notification
// to peers that registered a matching watch. delivery of the notification
// can duplicate the value push; subscribers dedupe by sequence
func (self *PeerManager) propagate(key RecordKey, subkey int, value *SubkeyValue) {
	setFrame := EncodeEnvelope(ulid.Make(), &SetValueMessage{
		Key:    key,
		Subkey: subkey,
		Value:  value,
	})
	changeFrame := EncodeEnvelope(ulid.Make(), &ValueChangeMessage{
		Key:    key,
		Subkey: subkey,
		Seq:    value.Seq,
	})

	// watch state is read under the mutex; sends happen outside it
	self.mutex.Lock()
	peers := []*Peer{}
	watchingPeers := []*Peer{}
	for _, state := range self.peers {
		peers = append(peers, state.peer)
		if state.watches(key, subkey) {
			watchingPeers = append(watchingPeers, state.peer)
		}
	}
	self.mutex.Unlock()

	for _, peer := range peers {
		self.sendToPeer(peer, setFrame)
	}
	for _, peer := range watchingPeers {
		self.sendToPeer(peer, changeFrame)
	}
}

// registers a watch with all peers so that they push change notifications
func (self *PeerManager) RegisterWatch(key RecordKey, subkeyRange *SubkeyRange) {
	message := &WatchRegisterMessage{
		Key: key,
	}
	if subkeyRange != nil {
		message.HasRange = true
		message.First = subkeyRange.First
		message.Last = subkeyRange.Last
	}
	frame := EncodeEnvelope(ulid.Make(), message)

	self.mutex.Lock()
	states := maps.Values(self.peers)
	self.mutex.Unlock()

	for _, state := range states {
		self.sendToPeer(state.peer, frame)
	}
}

func (self *PeerManager) sendToPeer(peer *Peer, frameBytes []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	case peer.send <- frameBytes:
		return true
	case <-time.After(self.settings.SendTimeout):
		glog.Infof("[peer]send timeout %s\n", peer.Url)
		return false
	}
}

// sends a request to one active peer and waits for the correlated response
func (self *PeerManager) Request(ctx context.Context, message wireMessage) (wireMessage, error) {
	self.mutex.Lock()
	states := maps.Values(self.peers)
	self.mutex.Unlock()
	if len(states) == 0 {
		return nil, errors.New("no active peers")
	}
	peer := states[0].peer

	requestId := ulid.Make()
	waiter := make(chan wireMessage, 1)
	self.mutex.Lock()
	self.pending[requestId] = waiter
	self.mutex.Unlock()
	defer func() {
		self.mutex.Lock()
		delete(self.pending, requestId)
		self.mutex.Unlock()
	}()

	if !self.sendToPeer(peer, EncodeEnvelope(requestId, message)) {
		return nil, errors.New("send failed")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, errors.New("peer manager closed")
	case response := <-waiter:
		return response, nil
	case <-time.After(self.settings.RequestTimeout):
		return nil, errors.New("request timeout")
	}
}
