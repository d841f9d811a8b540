package dht

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/golang-jwt/jwt/v5"
)

func TestNodeAuthTokenRoundTrip(t *testing.T) {
	identity := newTestMember(t)

	authToken, err := NodeAuthToken(identity)
	assert.Equal(t, err, nil)

	nodeId, err := VerifyNodeAuthToken(authToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.MemberId(), nodeId)

	// a tampered token is rejected
	_, err = VerifyNodeAuthToken(authToken + "x")
	assert.NotEqual(t, err, nil)

	_, err = VerifyNodeAuthToken("not a token")
	assert.NotEqual(t, err, nil)
}

func TestNodeAuthTokenKeyMismatch(t *testing.T) {
	identity := newTestMember(t)
	other := newTestMember(t)

	// claims carry one identity but the signature comes from another
	claims := jwt.MapClaims{
		"node_id":    identity.MemberId().String(),
		"public_key": identity.Public.String(),
		"kind":       identity.Kind.String(),
		"iat":        time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	forged, err := token.SignedString(ed25519.NewKeyFromSeed(other.Secret[:]))
	assert.Equal(t, err, nil)

	_, err = VerifyNodeAuthToken(forged)
	assert.NotEqual(t, err, nil)
}

func fastTransportSettings() *PeerTransportSettings {
	return &PeerTransportSettings{
		WsHandshakeTimeout: 1 * time.Second,
		AuthTimeout:        1 * time.Second,
		ReconnectTimeout:   200 * time.Millisecond,
		PingTimeout:        200 * time.Millisecond,
		WriteTimeout:       1 * time.Second,
		ReadTimeout:        5 * time.Second,
	}
}

func TestWebsocketPeerLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := fastTransportSettings()

	serverStore := NewRecordStoreWithDefaults(ctx)
	serverPeers := NewPeerManagerWithDefaults(ctx, serverStore)
	server := httptest.NewServer(NewPeerListener(ctx, serverPeers, settings))
	defer server.Close()

	descriptor, creator, _ := newTestRecord(t, serverStore)
	serverStore.SetRoutable(descriptor.Key, true)
	_, err := serverStore.SetValue(descriptor.Key, 0, []byte("served"), creator)
	assert.Equal(t, err, nil)

	clientStore := NewRecordStoreWithDefaults(ctx)
	clientPeers := NewPeerManagerWithDefaults(ctx, clientStore)
	identity := newTestMember(t)

	peerUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	transport := NewPeerTransport(ctx, clientPeers, peerUrl, identity, settings)
	defer transport.Close()

	waitFor(t, 5*time.Second, func() bool {
		return clientPeers.ActivePeerCount() == 1 && serverPeers.ActivePeerCount() == 1
	})

	// the record resolves over the authenticated link
	syncClient := NewSyncClient(ctx, clientStore, clientPeers, fastSyncSettings())
	fetched, err := syncClient.FetchRecord(ctx, descriptor.Key)
	assert.Equal(t, err, nil)
	assert.Equal(t, descriptor.Key, fetched.Key)

	value, err := clientStore.LocalValue(descriptor.Key, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, []byte("served"), value.Data)

	// writes on the serving side push to the dialer
	_, err = serverStore.SetValue(descriptor.Key, 0, []byte("served again"), creator)
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		value, err := clientStore.LocalValue(descriptor.Key, 0)
		return err == nil && value != nil && string(value.Data) == "served again"
	})

	// closing the dial transport tears the link down on both sides
	transport.Close()
	waitFor(t, 5*time.Second, func() bool {
		return clientPeers.ActivePeerCount() == 0 && serverPeers.ActivePeerCount() == 0
	})
}

// trackingListener records accepted connections so tests can sever
// hijacked websocket connections that http.Server close does not reach
type trackingListener struct {
	net.Listener

	mutex sync.Mutex
	conns []net.Conn
}

func (self *trackingListener) Accept() (net.Conn, error) {
	conn, err := self.Listener.Accept()
	if err != nil {
		return nil, err
	}
	self.mutex.Lock()
	self.conns = append(self.conns, conn)
	self.mutex.Unlock()
	return conn, nil
}

func (self *trackingListener) closeConns() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, conn := range self.conns {
		conn.Close()
	}
	self.conns = nil
}

func TestPeerTransportReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := fastTransportSettings()

	serverStore := NewRecordStoreWithDefaults(ctx)
	serverPeers := NewPeerManagerWithDefaults(ctx, serverStore)

	tcpListener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, err, nil)
	tracking := &trackingListener{Listener: tcpListener}
	httpServer := &http.Server{
		Handler: NewPeerListener(ctx, serverPeers, settings),
	}
	go httpServer.Serve(tracking)
	defer httpServer.Close()

	clientStore := NewRecordStoreWithDefaults(ctx)
	clientPeers := NewPeerManagerWithDefaults(ctx, clientStore)
	identity := newTestMember(t)

	peerUrl := fmt.Sprintf("ws://%s", tcpListener.Addr())
	transport := NewPeerTransport(ctx, clientPeers, peerUrl, identity, settings)
	defer transport.Close()

	waitFor(t, 5*time.Second, func() bool {
		return clientPeers.ActivePeerCount() == 1 && serverPeers.ActivePeerCount() == 1
	})

	// sever the accepted connections. the dialer drops the peer and retries
	tracking.closeConns()
	waitFor(t, 5*time.Second, func() bool {
		return clientPeers.ActivePeerCount() == 0
	})

	// the endpoint is still listening. the dialer comes back on its own
	waitFor(t, 10*time.Second, func() bool {
		return clientPeers.ActivePeerCount() == 1 && serverPeers.ActivePeerCount() == 1
	})
}
