package dht

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestMember(t *testing.T) *KeyPair {
	keyPair, err := GenerateKeyPair(KindKDX0)
	assert.Equal(t, err, nil)
	return keyPair
}

func TestSchemaValidate(t *testing.T) {
	member := newTestMember(t)

	schema := NewSchema(2, SchemaMember{
		MemberId:    member.MemberId(),
		SubkeyCount: 2,
	})
	assert.Equal(t, schema.Validate(), nil)
	assert.Equal(t, 4, schema.TotalSubkeys())

	// a member with zero subkeys is invalid
	zeroSchema := NewSchema(1, SchemaMember{
		MemberId:    member.MemberId(),
		SubkeyCount: 0,
	})
	err := zeroSchema.Validate()
	var schemaErr *SchemaError
	assert.Equal(t, errors.As(err, &schemaErr), true)
	assert.Equal(t, SchemaInvalidMemberCount, schemaErr.Reason)

	// duplicate member ids are invalid
	duplicateSchema := NewSchema(
		0,
		SchemaMember{MemberId: member.MemberId(), SubkeyCount: 1},
		SchemaMember{MemberId: member.MemberId(), SubkeyCount: 2},
	)
	err = duplicateSchema.Validate()
	assert.Equal(t, errors.As(err, &schemaErr), true)
	assert.Equal(t, SchemaDuplicateMember, schemaErr.Reason)

	// exceeding the subkey ceiling is invalid
	overflowSchema := NewSchema(MaxSubkeys, SchemaMember{
		MemberId:    member.MemberId(),
		SubkeyCount: 1,
	})
	err = overflowSchema.Validate()
	assert.Equal(t, errors.As(err, &schemaErr), true)
	assert.Equal(t, SchemaOverflow, schemaErr.Reason)

	// the ceiling itself is valid
	maxSchema := NewSchema(MaxSubkeys-1, SchemaMember{
		MemberId:    member.MemberId(),
		SubkeyCount: 1,
	})
	assert.Equal(t, maxSchema.Validate(), nil)
}

func TestSchemaSubkeyOwnership(t *testing.T) {
	memberA := newTestMember(t)
	memberB := newTestMember(t)

	schema := NewSchema(
		2,
		SchemaMember{MemberId: memberA.MemberId(), SubkeyCount: 2},
		SchemaMember{MemberId: memberB.MemberId(), SubkeyCount: 3},
	)
	assert.Equal(t, schema.Validate(), nil)
	assert.Equal(t, 7, schema.TotalSubkeys())

	// the exclusive prefix belongs to the creator
	for subkey := 0; subkey < 2; subkey += 1 {
		_, exclusive, ok := schema.WriterForSubkey(subkey)
		assert.Equal(t, ok, true)
		assert.Equal(t, exclusive, true)
	}
	for subkey := 2; subkey < 4; subkey += 1 {
		memberId, exclusive, ok := schema.WriterForSubkey(subkey)
		assert.Equal(t, ok, true)
		assert.Equal(t, exclusive, false)
		assert.Equal(t, memberA.MemberId(), memberId)
	}
	for subkey := 4; subkey < 7; subkey += 1 {
		memberId, _, ok := schema.WriterForSubkey(subkey)
		assert.Equal(t, ok, true)
		assert.Equal(t, memberB.MemberId(), memberId)
	}

	_, _, ok := schema.WriterForSubkey(7)
	assert.Equal(t, ok, false)
	_, _, ok = schema.WriterForSubkey(-1)
	assert.Equal(t, ok, false)

	assert.Equal(t, schema.HasMember(memberA.MemberId()), true)
	assert.Equal(t, schema.HasMember(newTestMember(t).MemberId()), false)
}

func TestSchemaBytesRoundTrip(t *testing.T) {
	memberA := newTestMember(t)
	memberB := newTestMember(t)

	schema := NewSchema(
		3,
		SchemaMember{MemberId: memberA.MemberId(), SubkeyCount: 1},
		SchemaMember{MemberId: memberB.MemberId(), SubkeyCount: 4},
	)

	parsed, err := SchemaFromBytes(schema.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, schema.ExclusiveCount, parsed.ExclusiveCount)
	assert.Equal(t, schema.Members, parsed.Members)

	_, err = SchemaFromBytes([]byte("XXXX"))
	assert.NotEqual(t, err, nil)
	_, err = SchemaFromBytes(schema.Bytes()[:10])
	assert.NotEqual(t, err, nil)
}
