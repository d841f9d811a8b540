package dht

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// on-demand pull reconciliation of local record state against the
// authoritative network view. while the network has not yet propagated
// record metadata the protocol surfaces a distinguished retryable error
// instead of blocking, and the caller owns the backoff policy.

type InspectScope int

const (
	// local knowledge only
	ScopeLocal InspectScope = iota
	// pull the authoritative view and reconcile newest values
	ScopeSyncGet
	// like sync, but only subkeys already seen locally
	ScopeUpdateGet
)

func (self InspectScope) String() string {
	switch self {
	case ScopeLocal:
		return "local"
	case ScopeSyncGet:
		return "sync_get"
	case ScopeUpdateGet:
		return "update_get"
	default:
		return "unknown"
	}
}

// produced on demand, never persisted
type InspectionReport struct {
	Key               RecordKey
	Scope             InspectScope
	SubkeySeqs        map[int]uint32
	IsFullyReplicated bool
}

type SyncClientSettings struct {
	RequestTimeout time.Duration
	// defaults for `RetryInspect`
	RetryBackoff time.Duration
	MaxRetries   int
}

func DefaultSyncClientSettings() *SyncClientSettings {
	return &SyncClientSettings{
		RequestTimeout: 5 * time.Second,
		RetryBackoff:   500 * time.Millisecond,
		MaxRetries:     20,
	}
}

type SyncClient struct {
	ctx context.Context

	store *RecordStore
	peers *PeerManager

	settings *SyncClientSettings
}

func NewSyncClientWithDefaults(ctx context.Context, store *RecordStore, peers *PeerManager) *SyncClient {
	return NewSyncClient(ctx, store, peers, DefaultSyncClientSettings())
}

func NewSyncClient(ctx context.Context, store *RecordStore, peers *PeerManager, settings *SyncClientSettings) *SyncClient {
	return &SyncClient{
		ctx:      ctx,
		store:    store,
		peers:    peers,
		settings: settings,
	}
}

// reconciles the local view of the record against the authoritative one.
// returns `TryAgainError` while the replication state is not yet established
func (self *SyncClient) Inspect(ctx context.Context, key RecordKey, scope InspectScope) (*InspectionReport, error) {
	if _, err := self.store.Descriptor(key); err != nil {
		return nil, err
	}

	if scope == ScopeLocal || self.store.IsLocal(key) {
		if !self.store.IsRoutable(key) {
			return nil, &TryAgainError{Key: key, Detail: "record not yet routable"}
		}
		return self.localReport(key, scope)
	}

	if self.peers.ActivePeerCount() == 0 {
		return nil, &TryAgainError{Key: key, Detail: "no active peers"}
	}

	requestCtx, cancel := context.WithTimeout(ctx, self.settings.RequestTimeout)
	defer cancel()

	response, err := self.peers.Request(requestCtx, &InspectRequestMessage{
		Key:   key,
		Scope: scope,
	})
	if err != nil {
		return nil, &TryAgainError{Key: key, Detail: err.Error()}
	}
	inspectResponse, ok := response.(*InspectResponseMessage)
	if !ok {
		return nil, &TryAgainError{Key: key, Detail: "bad inspect response"}
	}
	if !inspectResponse.Found {
		return nil, &TryAgainError{Key: key, Detail: "record not yet propagated"}
	}

	// reconcile the authoritative values into the local cache.
	// losing candidates are discarded by the deterministic tie break
	for _, entry := range inspectResponse.Values {
		if scope == ScopeUpdateGet {
			if local, err := self.store.LocalValue(key, entry.Subkey); err != nil || local == nil {
				continue
			}
		}
		if _, err := self.store.ApplyRemoteValue(key, entry.Subkey, entry.Value); err != nil {
			glog.V(2).Infof("[sync]reject %s/%d = %s\n", key, entry.Subkey, err)
		}
	}
	self.store.SetRoutable(key, true)

	report, err := self.localReport(key, scope)
	if err != nil {
		return nil, err
	}
	report.IsFullyReplicated = inspectResponse.FullyReplicated
	return report, nil
}

func (self *SyncClient) localReport(key RecordKey, scope InspectScope) (*InspectionReport, error) {
	seqs, err := self.store.SubkeySeqs(key)
	if err != nil {
		return nil, err
	}
	return &InspectionReport{
		Key:               key,
		Scope:             scope,
		SubkeySeqs:        seqs,
		IsFullyReplicated: self.store.IsRoutable(key),
	}, nil
}

// fixed backoff with a capped retry count around `Inspect`.
// only `TryAgainError` is retried; all other errors surface immediately
func (self *SyncClient) RetryInspect(ctx context.Context, key RecordKey, scope InspectScope) (*InspectionReport, error) {
	var lastErr error
	for i := 0; i < self.settings.MaxRetries; i += 1 {
		report, err := self.Inspect(ctx, key, scope)
		if err == nil {
			return report, nil
		}
		if !IsTryAgain(err) {
			return nil, err
		}
		lastErr = err
		glog.V(2).Infof("[sync]retry %s = %s\n", key, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(self.settings.RetryBackoff):
		}
	}
	glog.Infof("[sync]retries exhausted %s = %s\n", key, lastErr)
	return nil, lastErr
}

// the newest known value after an optional forced network reconciliation
func (self *SyncClient) GetValue(ctx context.Context, key RecordKey, subkey int, forceRefresh bool) (*SubkeyValue, error) {
	if forceRefresh {
		if _, err := self.Inspect(ctx, key, ScopeSyncGet); err != nil {
			if !IsTryAgain(err) {
				return nil, err
			}
			// fall back to best local knowledge
		}
	}
	return self.store.LocalValue(key, subkey)
}

// resolves a record unknown locally by asking a peer for its
// schema, creator and current values
func (self *SyncClient) FetchRecord(ctx context.Context, key RecordKey) (*RecordDescriptor, error) {
	if descriptor, err := self.store.Descriptor(key); err == nil {
		return descriptor, nil
	}
	if self.peers.ActivePeerCount() == 0 {
		return nil, &RecordNotFoundError{Key: key}
	}

	requestCtx, cancel := context.WithTimeout(ctx, self.settings.RequestTimeout)
	defer cancel()

	response, err := self.peers.Request(requestCtx, &OpenRequestMessage{
		Key: key,
	})
	if err != nil {
		return nil, &RecordNotFoundError{Key: key}
	}
	openResponse, ok := response.(*OpenResponseMessage)
	if !ok || !openResponse.Found {
		return nil, &RecordNotFoundError{Key: key}
	}

	values := map[int]*SubkeyValue{}
	for _, entry := range openResponse.Values {
		values[entry.Subkey] = entry.Value
	}
	descriptor, err := self.store.ImportRecord(key, openResponse.SchemaBytes, openResponse.CreatorKey, values)
	if err != nil {
		return nil, err
	}
	self.store.SetRoutable(key, true)
	return descriptor, nil
}
