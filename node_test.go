package dht

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// two attached nodes joined by a loopback link
func newTestNodes(t *testing.T, ctx context.Context) (*Node, *Node, *LoopbackTransport) {
	nodeA, err := NewNodeWithDefaults(ctx)
	assert.Equal(t, err, nil)
	nodeB, err := NewNodeWithDefaults(ctx)
	assert.Equal(t, err, nil)

	err = nodeA.Attach()
	assert.Equal(t, err, nil)
	err = nodeB.Attach()
	assert.Equal(t, err, nil)

	transport := NewLoopbackTransport(ctx, nodeA.PeerManager(), nodeB.PeerManager())

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = nodeA.WaitAttached(waitCtx)
	assert.Equal(t, err, nil)
	err = nodeB.WaitAttached(waitCtx)
	assert.Equal(t, err, nil)

	return nodeA, nodeB, transport
}

func newTestSchema(t *testing.T) (*Schema, *KeyPair, *KeyPair) {
	creator := newTestMember(t)
	member := newTestMember(t)
	schema := NewSchema(2, SchemaMember{
		MemberId:    member.MemberId(),
		SubkeyCount: 2,
	})
	return schema, creator, member
}

func TestNodeAttachmentLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := NewNodeWithDefaults(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, Detached, node.Attachment())

	var statesMutex sync.Mutex
	var states []AttachmentState
	node.AddUpdateCallback(func(update Update) {
		if v, ok := update.(*AttachmentChangeUpdate); ok {
			statesMutex.Lock()
			states = append(states, v.State)
			statesMutex.Unlock()
		}
	})

	err = node.Attach()
	assert.Equal(t, err, nil)
	assert.Equal(t, Attaching, node.Attachment())

	peer, err := NewNodeWithDefaults(ctx)
	assert.Equal(t, err, nil)
	err = peer.Attach()
	assert.Equal(t, err, nil)

	transport := NewLoopbackTransport(ctx, node.PeerManager(), peer.PeerManager())
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	err = node.WaitAttached(waitCtx)
	assert.Equal(t, err, nil)
	assert.Equal(t, FullyAttached, node.Attachment())

	// losing the only peer drops back to attaching
	transport.Close()
	waitFor(t, 2*time.Second, func() bool {
		return node.Attachment() == Attaching
	})

	node.Close()
	assert.Equal(t, Detached, node.Attachment())
	peer.Close()

	statesMutex.Lock()
	defer statesMutex.Unlock()
	assert.Equal(t, 0 < len(states), true)
	assert.Equal(t, Detached, states[len(states)-1])
}

func TestOpenRecordCredentials(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA, nodeB, transport := newTestNodes(t, ctx)
	defer transport.Close()
	defer nodeA.Close()
	defer nodeB.Close()

	schema, creator, member := newTestSchema(t)

	handleA, err := nodeA.RoutingContext().CreateRecord(ctx, KindKDX0, schema, creator)
	assert.Equal(t, err, nil)
	key := handleA.Key()

	// a schema member resolves a writable handle
	handleB, err := nodeB.RoutingContext().OpenRecord(ctx, key, member)
	assert.Equal(t, err, nil)
	assert.Equal(t, key, handleB.Key())
	_, err = handleB.SetValue(ctx, 2, []byte("from b"))
	assert.Equal(t, err, nil)

	// the creator also resolves writable
	handleCreator, err := nodeB.RoutingContext().OpenRecord(ctx, key, creator)
	assert.Equal(t, err, nil)
	handleCreator.Release()

	// a credential outside the schema is rejected
	stranger := newTestMember(t)
	_, err = nodeB.RoutingContext().OpenRecord(ctx, key, stranger)
	var unauthorizedErr *UnauthorizedWriterError
	assert.Equal(t, errors.As(err, &unauthorizedErr), true)

	// nil credential yields a read-only handle
	readOnly, err := nodeB.RoutingContext().OpenRecord(ctx, key, nil)
	assert.Equal(t, err, nil)
	_, err = readOnly.SetValue(ctx, 2, []byte("denied"))
	assert.Equal(t, errors.As(err, &unauthorizedErr), true)
	value, err := readOnly.GetValue(ctx, 2, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, []byte("from b"), value.Data)

	handleB.Release()
	readOnly.Release()
}

func TestWatchAcrossNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA, nodeB, transport := newTestNodes(t, ctx)
	defer transport.Close()
	defer nodeA.Close()
	defer nodeB.Close()

	schema, creator, member := newTestSchema(t)

	handleA, err := nodeA.RoutingContext().CreateRecord(ctx, KindKDX0, schema, creator)
	assert.Equal(t, err, nil)
	key := handleA.Key()

	handleB, err := nodeB.RoutingContext().OpenRecord(ctx, key, member)
	assert.Equal(t, err, nil)

	subscription, err := handleB.Watch(ctx, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, WatchActive, subscription.State())

	// a remote write arrives both as a value push and as a change
	// notification for the registered watch. the subscriber sees it once
	seq, err := handleA.SetValue(ctx, 0, []byte("first"))
	assert.Equal(t, err, nil)

	event := receiveEvent(t, subscription, 5*time.Second)
	assert.Equal(t, key, event.Key)
	assert.Equal(t, 0, event.Subkey)
	assert.Equal(t, seq, event.Seq)
	expectNoEvent(t, subscription, 300*time.Millisecond)

	value, err := handleB.GetValue(ctx, 0, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, []byte("first"), value.Data)

	// writes from b surface on a's side of the record as well
	_, err = handleB.SetValue(ctx, 3, []byte("reply"))
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		value, err := nodeA.Store().LocalValue(key, 3)
		return err == nil && value != nil && string(value.Data) == "reply"
	})

	handleA.Release()
	handleB.Release()
}

func TestReleaseCancelsSubscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA, nodeB, transport := newTestNodes(t, ctx)
	defer transport.Close()
	defer nodeA.Close()
	defer nodeB.Close()

	schema, creator, member := newTestSchema(t)

	handleA, err := nodeA.RoutingContext().CreateRecord(ctx, KindKDX0, schema, creator)
	assert.Equal(t, err, nil)

	handleB, err := nodeB.RoutingContext().OpenRecord(ctx, handleA.Key(), member)
	assert.Equal(t, err, nil)

	subscription, err := handleB.Watch(ctx, nil)
	assert.Equal(t, err, nil)

	handleB.Release()
	assert.Equal(t, WatchCanceled, subscription.State())
	_, ok := <-subscription.Events()
	assert.Equal(t, ok, false)

	// released handles reject further operations
	_, err = handleB.SetValue(ctx, 2, []byte("late"))
	assert.NotEqual(t, err, nil)
	_, err = handleB.GetValue(ctx, 2, false)
	assert.NotEqual(t, err, nil)

	// release twice is a no-op
	handleB.Release()
}

func TestNodeCloseExpiresSubscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA, nodeB, transport := newTestNodes(t, ctx)
	defer transport.Close()
	defer nodeA.Close()

	schema, creator, member := newTestSchema(t)

	handleA, err := nodeA.RoutingContext().CreateRecord(ctx, KindKDX0, schema, creator)
	assert.Equal(t, err, nil)

	handleB, err := nodeB.RoutingContext().OpenRecord(ctx, handleA.Key(), member)
	assert.Equal(t, err, nil)
	subscription, err := handleB.Watch(ctx, nil)
	assert.Equal(t, err, nil)

	nodeB.Close()

	assert.Equal(t, WatchExpired, subscription.State())
	_, ok := <-subscription.Events()
	assert.Equal(t, ok, false)
	assert.Equal(t, Detached, nodeB.Attachment())

	// handles derived from the closed node are invalid
	_, err = handleB.SetValue(ctx, 2, []byte("late"))
	assert.NotEqual(t, err, nil)

	// open on the closed node's routing context fails
	_, err = nodeB.RoutingContext().OpenRecord(ctx, handleA.Key(), member)
	assert.NotEqual(t, err, nil)
}

func TestNoUpdatesAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := NewNodeWithDefaults(ctx)
	assert.Equal(t, err, nil)
	err = node.Attach()
	assert.Equal(t, err, nil)

	var statesMutex sync.Mutex
	var states []AttachmentState
	node.AddUpdateCallback(func(update Update) {
		if v, ok := update.(*AttachmentChangeUpdate); ok {
			statesMutex.Lock()
			states = append(states, v.State)
			statesMutex.Unlock()
		}
	})

	// hammer the attachment recompute path while closing
	done := make(chan struct{})
	for i := 0; i < 4; i += 1 {
		go func() {
			defer func() {
				done <- struct{}{}
			}()
			for j := 0; j < 100; j += 1 {
				node.recomputeAttachment()
			}
		}()
	}

	node.Close()

	statesMutex.Lock()
	atClose := len(states)
	assert.Equal(t, 0 < atClose, true)
	assert.Equal(t, Detached, states[atClose-1])
	statesMutex.Unlock()

	for i := 0; i < 4; i += 1 {
		<-done
	}
	time.Sleep(50 * time.Millisecond)

	// nothing fired after close returned
	statesMutex.Lock()
	defer statesMutex.Unlock()
	assert.Equal(t, atClose, len(states))
}
