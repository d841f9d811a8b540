package dht

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"

	"github.com/oklog/ulid/v2"
)

// the local record store.
// owns records, subkey values and version counters, and enforces
// write authorization per schema. mutating operations on one record are
// serialized by a per-record lock held only across the sequence increment
// and local update, never across network round trips. operations on
// different records proceed independently.

type ChangeFunction func(key RecordKey, subkey int, value *SubkeyValue)

type RecordStoreSettings struct {
	// values larger than this are rejected locally
	MaxValueSize int
}

func DefaultRecordStoreSettings() *RecordStoreSettings {
	return &RecordStoreSettings{
		MaxValueSize: 32768,
	}
}

type RecordDescriptor struct {
	Key     RecordKey
	Schema  *Schema
	Creator MemberId
}

type record struct {
	mutex sync.Mutex

	key        RecordKey
	schema     *Schema
	creatorId  MemberId
	creatorKey PublicKey

	// subkey index -> newest known value
	subkeys map[int]*SubkeyValue

	// whether the network can currently serve this record
	routable bool
	// whether this node created the record
	local bool
}

func (self *record) descriptor() *RecordDescriptor {
	return &RecordDescriptor{
		Key:     self.key,
		Schema:  self.schema,
		Creator: self.creatorId,
	}
}

// the member id authorized to write the subkey
func (self *record) authorizedWriter(subkey int) (MemberId, bool) {
	memberId, exclusive, ok := self.schema.WriterForSubkey(subkey)
	if !ok {
		return MemberId{}, false
	}
	if exclusive {
		return self.creatorId, true
	}
	return memberId, true
}

type RecordStore struct {
	ctx context.Context

	settings *RecordStoreSettings

	mutex   sync.Mutex
	records map[RecordKey]*record

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewRecordStoreWithDefaults(ctx context.Context) *RecordStore {
	return NewRecordStore(ctx, DefaultRecordStoreSettings())
}

func NewRecordStore(ctx context.Context, settings *RecordStoreSettings) *RecordStore {
	return &RecordStore{
		ctx:             ctx,
		settings:        settings,
		records:         map[RecordKey]*record{},
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

// called after every locally applied change, from a separate goroutine
// so that a slow subscriber never blocks a writer
func (self *RecordStore) AddChangeCallback(changeCallback ChangeFunction) int {
	return self.changeCallbacks.Add(changeCallback)
}

func (self *RecordStore) RemoveChangeCallback(callbackId int) {
	self.changeCallbacks.Remove(callbackId)
}

func (self *RecordStore) change(key RecordKey, subkey int, value *SubkeyValue) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback := changeCallback
		go HandleError(func() {
			changeCallback(key, subkey, value)
		})
	}
}

// validates the schema, derives a deterministic record key and
// allocates an all-empty subkey mapping bound to the creator
func (self *RecordStore) CreateRecord(kind CryptoKind, schema *Schema, creator *KeyPair) (*RecordDescriptor, error) {
	if kind != KindKDX0 {
		return nil, fmt.Errorf("unsupported crypto kind: %s", kind)
	}
	if creator == nil {
		return nil, fmt.Errorf("creator keypair required")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	key := deriveRecordKey(kind, schema.Bytes(), ulid.Make())

	rec := &record{
		key:        key,
		schema:     schema,
		creatorId:  creator.MemberId(),
		creatorKey: creator.Public,
		subkeys:    map[int]*SubkeyValue{},
		local:      true,
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if _, ok := self.records[key]; ok {
		// nonce collision. practically unreachable
		return nil, fmt.Errorf("record key collision: %s", key)
	}
	self.records[key] = rec
	glog.V(2).Infof("[store]create %s subkeys=%d\n", key, schema.TotalSubkeys())
	return rec.descriptor(), nil
}

// registers a record learned from a peer.
// values are reconciled, not overwritten
func (self *RecordStore) ImportRecord(key RecordKey, schemaBytes []byte, creatorKey PublicKey, values map[int]*SubkeyValue) (*RecordDescriptor, error) {
	schema, err := SchemaFromBytes(schemaBytes)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	self.mutex.Lock()
	rec, ok := self.records[key]
	if !ok {
		rec = &record{
			key:        key,
			schema:     schema,
			creatorId:  MemberIdForKey(key.Kind, creatorKey),
			creatorKey: creatorKey,
			subkeys:    map[int]*SubkeyValue{},
		}
		self.records[key] = rec
	}
	self.mutex.Unlock()

	for subkey, value := range values {
		self.ApplyRemoteValue(key, subkey, value)
	}
	return rec.descriptor(), nil
}

func (self *RecordStore) Descriptor(key RecordKey) (*RecordDescriptor, error) {
	rec, err := self.get(key)
	if err != nil {
		return nil, err
	}
	return rec.descriptor(), nil
}

func (self *RecordStore) Keys() []RecordKey {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.records)
}

func (self *RecordStore) get(key RecordKey) (*record, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	rec, ok := self.records[key]
	if !ok {
		return nil, &RecordNotFoundError{Key: key}
	}
	return rec, nil
}

// allocates the next sequence for the subkey and stores the signed value.
// the new value is pushed to change subscribers asynchronously
func (self *RecordStore) SetValue(key RecordKey, subkey int, data []byte, writer *KeyPair) (uint32, error) {
	if writer == nil {
		return 0, &UnauthorizedWriterError{Key: key, Subkey: subkey}
	}
	if self.settings.MaxValueSize < len(data) {
		return 0, fmt.Errorf("value size %d exceeds maximum %d for record %s", len(data), self.settings.MaxValueSize, key)
	}
	rec, err := self.get(key)
	if err != nil {
		return 0, err
	}

	authorizedId, ok := rec.authorizedWriter(subkey)
	if !ok {
		return 0, &SubkeyOutOfRangeError{Key: key, Subkey: subkey, TotalSubkeys: rec.schema.TotalSubkeys()}
	}
	writerId := writer.MemberId()
	if writerId != authorizedId {
		return 0, &UnauthorizedWriterError{Key: key, Subkey: subkey, Writer: writerId}
	}

	rec.mutex.Lock()
	var seq uint32 = 1
	if prev, ok := rec.subkeys[subkey]; ok {
		seq = prev.Seq + 1
	}
	value := signSubkeyValue(key, subkey, seq, data, writer)
	rec.subkeys[subkey] = value
	rec.mutex.Unlock()

	glog.V(2).Infof("[store]set %s/%d seq=%d writer=%s\n", key, subkey, seq, writerId)
	self.change(key, subkey, value.Clone())
	return seq, nil
}

// applies a value observed from another network path.
// the signature and write authorization are verified, then the value
// competes with the local one under the deterministic tie break
func (self *RecordStore) ApplyRemoteValue(key RecordKey, subkey int, value *SubkeyValue) (bool, error) {
	rec, err := self.get(key)
	if err != nil {
		return false, err
	}

	authorizedId, ok := rec.authorizedWriter(subkey)
	if !ok {
		return false, &SubkeyOutOfRangeError{Key: key, Subkey: subkey, TotalSubkeys: rec.schema.TotalSubkeys()}
	}
	if value.Writer != authorizedId {
		return false, &UnauthorizedWriterError{Key: key, Subkey: subkey, Writer: value.Writer}
	}
	if MemberIdForKey(key.Kind, value.WriterKey) != value.Writer {
		return false, &UnauthorizedWriterError{Key: key, Subkey: subkey, Writer: value.Writer}
	}
	if !value.VerifyFor(key, subkey) {
		return false, &UnauthorizedWriterError{Key: key, Subkey: subkey, Writer: value.Writer}
	}

	rec.mutex.Lock()
	prev, ok := rec.subkeys[subkey]
	applied := !ok || compareSubkeyValues(prev, value) < 0
	if applied {
		rec.subkeys[subkey] = value.Clone()
	}
	rec.mutex.Unlock()

	if applied {
		glog.V(2).Infof("[store]reconcile %s/%d seq=%d writer=%s\n", key, subkey, value.Seq, value.Writer)
		self.change(key, subkey, value.Clone())
	}
	return applied, nil
}

// the best local knowledge of the subkey. nil if never written.
// forced network refresh is layered above by the routing context
func (self *RecordStore) LocalValue(key RecordKey, subkey int) (*SubkeyValue, error) {
	rec, err := self.get(key)
	if err != nil {
		return nil, err
	}
	if _, _, ok := rec.schema.WriterForSubkey(subkey); !ok {
		return nil, &SubkeyOutOfRangeError{Key: key, Subkey: subkey, TotalSubkeys: rec.schema.TotalSubkeys()}
	}
	rec.mutex.Lock()
	defer rec.mutex.Unlock()
	value, ok := rec.subkeys[subkey]
	if !ok {
		return nil, nil
	}
	return value.Clone(), nil
}

// snapshot of the newest known sequence per written subkey
func (self *RecordStore) SubkeySeqs(key RecordKey) (map[int]uint32, error) {
	rec, err := self.get(key)
	if err != nil {
		return nil, err
	}
	rec.mutex.Lock()
	defer rec.mutex.Unlock()
	seqs := map[int]uint32{}
	for subkey, value := range rec.subkeys {
		seqs[subkey] = value.Seq
	}
	return seqs, nil
}

func (self *RecordStore) SubkeyValues(key RecordKey) (map[int]*SubkeyValue, error) {
	rec, err := self.get(key)
	if err != nil {
		return nil, err
	}
	rec.mutex.Lock()
	defer rec.mutex.Unlock()
	values := map[int]*SubkeyValue{}
	for subkey, value := range rec.subkeys {
		values[subkey] = value.Clone()
	}
	return values, nil
}

// the record metadata and values in transferable form,
// for serving open and inspect requests from peers
func (self *RecordStore) ExportRecord(key RecordKey) (schemaBytes []byte, creatorKey PublicKey, values map[int]*SubkeyValue, err error) {
	rec, err := self.get(key)
	if err != nil {
		return nil, PublicKey{}, nil, err
	}
	values, err = self.SubkeyValues(key)
	if err != nil {
		return nil, PublicKey{}, nil, err
	}
	return rec.schema.Bytes(), rec.creatorKey, values, nil
}

func (self *RecordStore) IsLocal(key RecordKey) bool {
	rec, err := self.get(key)
	if err != nil {
		return false
	}
	return rec.local
}

func (self *RecordStore) IsRoutable(key RecordKey) bool {
	rec, err := self.get(key)
	if err != nil {
		return false
	}
	rec.mutex.Lock()
	defer rec.mutex.Unlock()
	return rec.routable
}

func (self *RecordStore) SetRoutable(key RecordKey, routable bool) {
	rec, err := self.get(key)
	if err != nil {
		return
	}
	rec.mutex.Lock()
	defer rec.mutex.Unlock()
	rec.routable = routable
}

// marks every record routable or not, e.g. on attachment changes
func (self *RecordStore) SetAllRoutable(routable bool) {
	self.mutex.Lock()
	records := maps.Values(self.records)
	self.mutex.Unlock()
	for _, rec := range records {
		rec.mutex.Lock()
		rec.routable = routable
		rec.mutex.Unlock()
	}
}

func (self *RecordStore) RecordCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.records)
}
