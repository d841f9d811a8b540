package dht

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/mr-tron/base58"

	"github.com/golang/glog"
)

// peer transports. a transport authenticates a websocket link and then
// registers a peer with the peer manager, pumping frames between the
// socket and the peer channels. dial transports reconnect with a
// bounded backoff. the loopback transport wires two peer managers
// together in process for tests and single-process demos.

type PeerTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultPeerTransportSettings() *PeerTransportSettings {
	return &PeerTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// the auth token proves possession of the node identity key.
// the public key travels in the claims and the signature is checked
// against it, so no key pre-exchange is needed for the link
func NodeAuthToken(identity *KeyPair) (string, error) {
	claims := jwt.MapClaims{
		"node_id":    identity.MemberId().String(),
		"public_key": identity.Public.String(),
		"kind":       identity.Kind.String(),
		"iat":        time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	privateKey := ed25519.NewKeyFromSeed(identity.Secret[:])
	return token.SignedString(privateKey)
}

func VerifyNodeAuthToken(tokenStr string) (MemberId, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"EdDSA"}))
	token, err := parser.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return nil, fmt.Errorf("bad claims")
		}
		publicKeyStr, ok := claims["public_key"].(string)
		if !ok {
			return nil, fmt.Errorf("missing public key claim")
		}
		publicKeyBytes, err := base58.Decode(publicKeyStr)
		if err != nil {
			return nil, err
		}
		publicKey, err := PublicKeyFromBytes(publicKeyBytes)
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(publicKey[:]), nil
	})
	if err != nil {
		return MemberId{}, err
	}
	claims := token.Claims.(jwt.MapClaims)
	nodeIdStr, ok := claims["node_id"].(string)
	if !ok {
		return MemberId{}, fmt.Errorf("missing node id claim")
	}
	return ParseMemberId(nodeIdStr)
}

// dial-side transport. maintains one authenticated link to the peer url
type PeerTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	peerManager *PeerManager
	peerUrl     string
	identity    *KeyPair

	settings *PeerTransportSettings
}

func NewPeerTransportWithDefaults(
	ctx context.Context,
	peerManager *PeerManager,
	peerUrl string,
	identity *KeyPair,
) *PeerTransport {
	return NewPeerTransport(ctx, peerManager, peerUrl, identity, DefaultPeerTransportSettings())
}

func NewPeerTransport(
	ctx context.Context,
	peerManager *PeerManager,
	peerUrl string,
	identity *KeyPair,
	settings *PeerTransportSettings,
) *PeerTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &PeerTransport{
		ctx:         cancelCtx,
		cancel:      cancel,
		peerManager: peerManager,
		peerUrl:     peerUrl,
		identity:    identity,
		settings:    settings,
	}
	go transport.run()
	return transport
}

func (self *PeerTransport) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.peerUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			authToken, err := NodeAuthToken(self.identity)
			if err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(authToken)); err != nil {
				return nil, err
			}
			// the auth echo confirms the peer accepted the token
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if _, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else if string(message) != authToken {
				return nil, fmt.Errorf("auth response error: bad bytes")
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[t]auth error %s = %s\n", self.peerUrl, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		runPeerLink(self.ctx, ws, self.peerManager, self.peerUrl, self.settings)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *PeerTransport) Close() {
	self.cancel()
}

// serve-side handler. meant to be mounted on the node's http router
type PeerListener struct {
	ctx context.Context

	peerManager *PeerManager

	settings *PeerTransportSettings

	upgrader *websocket.Upgrader
}

func NewPeerListenerWithDefaults(ctx context.Context, peerManager *PeerManager) *PeerListener {
	return NewPeerListener(ctx, peerManager, DefaultPeerTransportSettings())
}

func NewPeerListener(ctx context.Context, peerManager *PeerManager, settings *PeerTransportSettings) *PeerListener {
	return &PeerListener{
		ctx:         ctx,
		peerManager: peerManager,
		settings:    settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
	}
}

func (self *PeerListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// the first message is the auth token. echo it back on success
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}
	nodeId, err := VerifyNodeAuthToken(string(message))
	if err != nil {
		glog.Infof("[t]auth reject %s = %s\n", r.RemoteAddr, err)
		ws.Close()
		return
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
		ws.Close()
		return
	}

	glog.V(2).Infof("[t]auth accept %s node=%s\n", r.RemoteAddr, nodeId)
	runPeerLink(self.ctx, ws, self.peerManager, r.RemoteAddr, self.settings)
}

// pumps frames between the socket and a registered peer until either
// side goes down. empty binary messages are pings
func runPeerLink(
	ctx context.Context,
	ws *websocket.Conn,
	peerManager *PeerManager,
	peerUrl string,
	settings *PeerTransportSettings,
) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	peer := NewPeer(peerUrl)
	peerManager.UpdatePeer(peer)
	defer peerManager.RemovePeer(peer)

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-peer.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// a deadline timeout cannot be recovered for websocket
					glog.Infof("[ts]%s-> error = %s\n", peerUrl, err)
					return
				}
				glog.V(2).Infof("[ts]%s->\n", peerUrl)
			case <-time.After(settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	func() {
		defer func() {
			handleCancel()
			close(peer.receive)
		}()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[tr]%s<- error = %s\n", peerUrl, err)
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if len(message) == 0 {
					// ping
					glog.V(2).Infof("[tr]ping %s<-\n", peerUrl)
					continue
				}
				select {
				case <-handleCtx.Done():
					return
				case peer.receive <- message:
					glog.V(2).Infof("[tr]%s<-\n", peerUrl)
				case <-time.After(settings.ReadTimeout):
					glog.Infof("[tr]drop %s<-\n", peerUrl)
				}
			default:
			}
		}
	}()
}

// in-process pair of peer links between two peer managers
type LoopbackTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	a *PeerManager
	b *PeerManager

	peerA *Peer
	peerB *Peer

	forwardersDone sync.WaitGroup
	closeOnce      sync.Once
}

func NewLoopbackTransport(ctx context.Context, a *PeerManager, b *PeerManager) *LoopbackTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &LoopbackTransport{
		ctx:    cancelCtx,
		cancel: cancel,
		a:      a,
		b:      b,
		peerA:  NewPeer("loopback-b"),
		peerB:  NewPeer("loopback-a"),
	}

	transport.forwardersDone.Add(2)
	go transport.forward(transport.peerA.send, transport.peerB.receive)
	go transport.forward(transport.peerB.send, transport.peerA.receive)

	a.UpdatePeer(transport.peerA)
	b.UpdatePeer(transport.peerB)
	return transport
}

func (self *LoopbackTransport) forward(from chan []byte, to chan []byte) {
	defer self.forwardersDone.Done()
	for {
		select {
		case <-self.ctx.Done():
			return
		case frameBytes, ok := <-from:
			if !ok {
				return
			}
			select {
			case <-self.ctx.Done():
				return
			case to <- frameBytes:
			}
		}
	}
}

func (self *LoopbackTransport) Close() {
	self.closeOnce.Do(func() {
		self.a.RemovePeer(self.peerA)
		self.b.RemovePeer(self.peerB)
		self.cancel()
		self.forwardersDone.Wait()
		close(self.peerA.receive)
		close(self.peerB.receive)
	})
}
