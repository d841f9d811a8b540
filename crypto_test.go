package dht

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/oklog/ulid/v2"
)

func TestKeyPairRoundTrip(t *testing.T) {
	keyPair, err := GenerateKeyPair(KindKDX0)
	assert.Equal(t, err, nil)

	parsed, err := ParseKeyPair(keyPair.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, keyPair.Kind, parsed.Kind)
	assert.Equal(t, keyPair.Public, parsed.Public)
	assert.Equal(t, keyPair.Secret, parsed.Secret)
	assert.Equal(t, keyPair.String(), parsed.String())

	_, err = ParseKeyPair("not a keypair")
	assert.NotEqual(t, err, nil)

	_, err = ParseKeyPair("TOOLONGKIND:abc:def")
	assert.NotEqual(t, err, nil)
}

func TestRecordKeyRoundTrip(t *testing.T) {
	keyPair, err := GenerateKeyPair(KindKDX0)
	assert.Equal(t, err, nil)

	schema := NewSchema(2, SchemaMember{
		MemberId:    keyPair.MemberId(),
		SubkeyCount: 2,
	})
	key := deriveRecordKey(KindKDX0, schema.Bytes(), ulid.Make())

	parsed, err := ParseRecordKey(key.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, key, parsed)

	fromBytes, err := RecordKeyFromBytes(key.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, key, fromBytes)

	_, err = ParseRecordKey("nope")
	assert.NotEqual(t, err, nil)
}

func TestRecordKeyDeterministic(t *testing.T) {
	keyPair, err := GenerateKeyPair(KindKDX0)
	assert.Equal(t, err, nil)

	schema := NewSchema(1, SchemaMember{
		MemberId:    keyPair.MemberId(),
		SubkeyCount: 1,
	})
	nonce := ulid.Make()
	a := deriveRecordKey(KindKDX0, schema.Bytes(), nonce)
	b := deriveRecordKey(KindKDX0, schema.Bytes(), nonce)
	assert.Equal(t, a, b)

	// a different nonce yields a different key
	c := deriveRecordKey(KindKDX0, schema.Bytes(), ulid.Make())
	assert.NotEqual(t, a, c)
}

func TestMemberIdForKey(t *testing.T) {
	keyPair, err := GenerateKeyPair(KindKDX0)
	assert.Equal(t, err, nil)

	memberId := MemberIdForKey(KindKDX0, keyPair.Public)
	assert.Equal(t, memberId, keyPair.MemberId())

	parsed, err := ParseMemberId(memberId.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, memberId, parsed)

	other, err := GenerateKeyPair(KindKDX0)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, memberId, other.MemberId())
}

func TestSignVerify(t *testing.T) {
	keyPair, err := GenerateKeyPair(KindKDX0)
	assert.Equal(t, err, nil)

	message := []byte("attached and routable")
	signature := keyPair.Sign(message)
	assert.Equal(t, Verify(keyPair.Public, message, signature), true)
	assert.Equal(t, Verify(keyPair.Public, []byte("tampered"), signature), false)

	other, err := GenerateKeyPair(KindKDX0)
	assert.Equal(t, err, nil)
	assert.Equal(t, Verify(other.Public, message, signature), false)
}
