package dht

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/oklog/ulid/v2"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	member := newTestMember(t)
	key := deriveRecordKey(KindKDX0, NewSchema(1).Bytes(), ulid.Make())

	value := remoteCandidate(key, 2, 7, 123456, []byte("payload"), member)
	requestId := ulid.Make()

	frameBytes := EncodeEnvelope(requestId, &SetValueMessage{
		Key:    key,
		Subkey: 2,
		Value:  value,
	})

	envelope, err := DecodeEnvelope(frameBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, MessageTypeSetValue, envelope.Type)
	assert.Equal(t, requestId, envelope.RequestId)

	message, err := DecodeMessage(envelope)
	assert.Equal(t, err, nil)
	setValue, ok := message.(*SetValueMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, key, setValue.Key)
	assert.Equal(t, 2, setValue.Subkey)
	assert.Equal(t, value.Data, setValue.Value.Data)
	assert.Equal(t, value.Seq, setValue.Value.Seq)
	assert.Equal(t, value.Timestamp, setValue.Value.Timestamp)
	assert.Equal(t, value.Writer, setValue.Value.Writer)
	assert.Equal(t, value.Signature, setValue.Value.Signature)

	// the signature still verifies after the round trip
	assert.Equal(t, setValue.Value.VerifyFor(key, 2), true)

	_, err = DecodeEnvelope([]byte("garbage"))
	assert.NotEqual(t, err, nil)
}

func TestOpenResponseRoundTrip(t *testing.T) {
	creator := newTestMember(t)
	member := newTestMember(t)
	schema := NewSchema(2, SchemaMember{
		MemberId:    member.MemberId(),
		SubkeyCount: 2,
	})
	key := deriveRecordKey(KindKDX0, schema.Bytes(), ulid.Make())

	response := &OpenResponseMessage{
		Found:       true,
		SchemaBytes: schema.Bytes(),
		CreatorKey:  creator.Public,
		Values: []*SubkeyValueEntry{
			{Subkey: 2, Value: remoteCandidate(key, 2, 1, 1000, []byte("a"), member)},
			{Subkey: 3, Value: remoteCandidate(key, 3, 4, 2000, []byte("b"), member)},
		},
	}

	envelope, err := DecodeEnvelope(EncodeEnvelope(ulid.Make(), response))
	assert.Equal(t, err, nil)
	message, err := DecodeMessage(envelope)
	assert.Equal(t, err, nil)

	decoded, ok := message.(*OpenResponseMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, decoded.Found, true)
	assert.Equal(t, creator.Public, decoded.CreatorKey)
	assert.Equal(t, 2, len(decoded.Values))

	parsedSchema, err := SchemaFromBytes(decoded.SchemaBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, schema.ExclusiveCount, parsedSchema.ExclusiveCount)
	assert.Equal(t, schema.Members, parsedSchema.Members)

	// not found carries no record payload
	envelope, err = DecodeEnvelope(EncodeEnvelope(ulid.Make(), &OpenResponseMessage{}))
	assert.Equal(t, err, nil)
	message, err = DecodeMessage(envelope)
	assert.Equal(t, err, nil)
	decoded, ok = message.(*OpenResponseMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, decoded.Found, false)
	assert.Equal(t, 0, len(decoded.Values))
}

func TestInspectMessagesRoundTrip(t *testing.T) {
	key := deriveRecordKey(KindKDX0, NewSchema(3).Bytes(), ulid.Make())

	envelope, err := DecodeEnvelope(EncodeEnvelope(ulid.Make(), &InspectRequestMessage{
		Key:   key,
		Scope: ScopeSyncGet,
	}))
	assert.Equal(t, err, nil)
	message, err := DecodeMessage(envelope)
	assert.Equal(t, err, nil)
	request, ok := message.(*InspectRequestMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, key, request.Key)
	assert.Equal(t, ScopeSyncGet, request.Scope)

	envelope, err = DecodeEnvelope(EncodeEnvelope(ulid.Make(), &InspectResponseMessage{
		Found:           true,
		FullyReplicated: true,
		Seqs: []*SubkeySeqEntry{
			{Subkey: 0, Seq: 3},
			{Subkey: 2, Seq: 11},
		},
	}))
	assert.Equal(t, err, nil)
	message, err = DecodeMessage(envelope)
	assert.Equal(t, err, nil)
	inspectResponse, ok := message.(*InspectResponseMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, inspectResponse.Found, true)
	assert.Equal(t, inspectResponse.FullyReplicated, true)
	assert.Equal(t, 2, len(inspectResponse.Seqs))
	assert.Equal(t, uint32(11), inspectResponse.Seqs[1].Seq)
}

func TestWatchRegisterRoundTrip(t *testing.T) {
	key := deriveRecordKey(KindKDX0, NewSchema(1).Bytes(), ulid.Make())

	envelope, err := DecodeEnvelope(EncodeEnvelope(ulid.Make(), &WatchRegisterMessage{
		Key:      key,
		HasRange: true,
		First:    2,
		Last:     3,
	}))
	assert.Equal(t, err, nil)
	message, err := DecodeMessage(envelope)
	assert.Equal(t, err, nil)
	register, ok := message.(*WatchRegisterMessage)
	assert.Equal(t, ok, true)
	assert.Equal(t, key, register.Key)
	assert.Equal(t, register.HasRange, true)
	assert.Equal(t, 2, register.First)
	assert.Equal(t, 3, register.Last)
}
