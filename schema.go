package dht

import (
	"encoding/binary"
	"fmt"
)

// SMPL (simple multi-party list) schema.
// a leading run of subkeys is writable only by the record creator,
// followed by one exclusive subkey range per member.
// the schema is immutable once a record is created.

const MaxSubkeys = 512

type SchemaMember struct {
	MemberId    MemberId
	SubkeyCount int
}

type Schema struct {
	ExclusiveCount int
	Members        []SchemaMember
}

func NewSchema(exclusiveCount int, members ...SchemaMember) *Schema {
	return &Schema{
		ExclusiveCount: exclusiveCount,
		Members:        members,
	}
}

func (self *Schema) Validate() error {
	if self.ExclusiveCount < 0 {
		return &SchemaError{
			Reason: SchemaInvalidMemberCount,
			Detail: fmt.Sprintf("exclusive count %d", self.ExclusiveCount),
		}
	}
	total := self.ExclusiveCount
	memberIds := map[MemberId]bool{}
	for _, member := range self.Members {
		if member.SubkeyCount <= 0 {
			return &SchemaError{
				Reason: SchemaInvalidMemberCount,
				Detail: fmt.Sprintf("member %s has subkey count %d", member.MemberId, member.SubkeyCount),
			}
		}
		if memberIds[member.MemberId] {
			return &SchemaError{
				Reason: SchemaDuplicateMember,
				Detail: member.MemberId.String(),
			}
		}
		memberIds[member.MemberId] = true
		total += member.SubkeyCount
	}
	if MaxSubkeys < total {
		return &SchemaError{
			Reason: SchemaOverflow,
			Detail: fmt.Sprintf("%d subkeys exceeds maximum %d", total, MaxSubkeys),
		}
	}
	return nil
}

func (self *Schema) TotalSubkeys() int {
	total := self.ExclusiveCount
	for _, member := range self.Members {
		total += member.SubkeyCount
	}
	return total
}

// the member that owns writes to the subkey,
// or exclusive=true when the subkey is in the creator-only range
func (self *Schema) WriterForSubkey(subkey int) (memberId MemberId, exclusive bool, ok bool) {
	if subkey < 0 || self.TotalSubkeys() <= subkey {
		return MemberId{}, false, false
	}
	if subkey < self.ExclusiveCount {
		return MemberId{}, true, true
	}
	next := self.ExclusiveCount
	for _, member := range self.Members {
		if subkey < next+member.SubkeyCount {
			return member.MemberId, false, true
		}
		next += member.SubkeyCount
	}
	return MemberId{}, false, false
}

func (self *Schema) HasMember(memberId MemberId) bool {
	for _, member := range self.Members {
		if member.MemberId == memberId {
			return true
		}
	}
	return false
}

// canonical byte form. feeds record key derivation,
// so the encoding must be stable across versions
func (self *Schema) Bytes() []byte {
	schemaBytes := []byte("SMPL")
	schemaBytes = binary.BigEndian.AppendUint16(schemaBytes, uint16(self.ExclusiveCount))
	schemaBytes = binary.BigEndian.AppendUint16(schemaBytes, uint16(len(self.Members)))
	for _, member := range self.Members {
		schemaBytes = append(schemaBytes, member.MemberId.Bytes()...)
		schemaBytes = binary.BigEndian.AppendUint16(schemaBytes, uint16(member.SubkeyCount))
	}
	return schemaBytes
}

func SchemaFromBytes(schemaBytes []byte) (*Schema, error) {
	if len(schemaBytes) < 8 || string(schemaBytes[0:4]) != "SMPL" {
		return nil, fmt.Errorf("cannot parse schema bytes")
	}
	exclusiveCount := int(binary.BigEndian.Uint16(schemaBytes[4:6]))
	memberCount := int(binary.BigEndian.Uint16(schemaBytes[6:8]))
	memberBytes := schemaBytes[8:]
	if len(memberBytes) != memberCount*(MemberIdLength+2) {
		return nil, fmt.Errorf("cannot parse schema bytes: truncated members")
	}
	members := make([]SchemaMember, memberCount)
	for i := 0; i < memberCount; i += 1 {
		offset := i * (MemberIdLength + 2)
		memberId, err := MemberIdFromBytes(memberBytes[offset : offset+MemberIdLength])
		if err != nil {
			return nil, err
		}
		members[i] = SchemaMember{
			MemberId:    memberId,
			SubkeyCount: int(binary.BigEndian.Uint16(memberBytes[offset+MemberIdLength : offset+MemberIdLength+2])),
		}
	}
	return &Schema{
		ExclusiveCount: exclusiveCount,
		Members:        members,
	}, nil
}
