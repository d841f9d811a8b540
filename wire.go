package dht

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/oklog/ulid/v2"
)

// binary codec for the peer sync protocol.
// messages are framed as an envelope carrying a message type tag,
// a request id for request/response correlation, and the message body.
// fields are encoded with protobuf wire primitives

type MessageType uint64

const (
	MessageTypeOpenRequest MessageType = iota + 1
	MessageTypeOpenResponse
	MessageTypeInspectRequest
	MessageTypeInspectResponse
	MessageTypeSetValue
	MessageTypeValueChange
	MessageTypeWatchRegister
)

type wireMessage interface {
	messageType() MessageType
	encodeBody() []byte
	decodeBody(body []byte) error
}

type Envelope struct {
	Type      MessageType
	RequestId ulid.ULID
	Body      []byte
}

func EncodeEnvelope(requestId ulid.ULID, message wireMessage) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(message.messageType()))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, requestId[:])
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, message.encodeBody())
	return b
}

func DecodeEnvelope(frameBytes []byte) (*Envelope, error) {
	envelope := &Envelope{}
	err := eachField(frameBytes, func(fieldNumber protowire.Number, wireType protowire.Type, value uint64, valueBytes []byte) error {
		switch fieldNumber {
		case 1:
			envelope.Type = MessageType(value)
		case 2:
			if len(valueBytes) != 16 {
				return fmt.Errorf("request id must be 16 bytes")
			}
			envelope.RequestId = ulid.ULID(valueBytes)
		case 3:
			envelope.Body = valueBytes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if envelope.Type == 0 {
		return nil, fmt.Errorf("envelope missing message type")
	}
	return envelope, nil
}

func DecodeMessage(envelope *Envelope) (wireMessage, error) {
	var message wireMessage
	switch envelope.Type {
	case MessageTypeOpenRequest:
		message = &OpenRequestMessage{}
	case MessageTypeOpenResponse:
		message = &OpenResponseMessage{}
	case MessageTypeInspectRequest:
		message = &InspectRequestMessage{}
	case MessageTypeInspectResponse:
		message = &InspectResponseMessage{}
	case MessageTypeSetValue:
		message = &SetValueMessage{}
	case MessageTypeValueChange:
		message = &ValueChangeMessage{}
	case MessageTypeWatchRegister:
		message = &WatchRegisterMessage{}
	default:
		return nil, fmt.Errorf("unknown message type: %d", envelope.Type)
	}
	if err := message.decodeBody(envelope.Body); err != nil {
		return nil, err
	}
	return message, nil
}

// walks top-level fields, handing varint values and bytes values to the visitor
func eachField(b []byte, visit func(fieldNumber protowire.Number, wireType protowire.Type, value uint64, valueBytes []byte) error) error {
	for 0 < len(b) {
		fieldNumber, wireType, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch wireType {
		case protowire.VarintType:
			value, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := visit(fieldNumber, wireType, value, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			valueBytes, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := visit(fieldNumber, wireType, 0, valueBytes); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(fieldNumber, wireType, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func encodeSubkeyValue(value *SubkeyValue) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, value.Data)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(value.Seq))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(value.Timestamp))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, value.Writer.Bytes())
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, value.WriterKey.Bytes())
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, value.Signature.Bytes())
	return b
}

func decodeSubkeyValue(b []byte) (*SubkeyValue, error) {
	value := &SubkeyValue{}
	err := eachField(b, func(fieldNumber protowire.Number, wireType protowire.Type, v uint64, valueBytes []byte) error {
		switch fieldNumber {
		case 1:
			value.Data = valueBytes
		case 2:
			value.Seq = uint32(v)
		case 3:
			value.Timestamp = int64(v)
		case 4:
			writer, err := MemberIdFromBytes(valueBytes)
			if err != nil {
				return err
			}
			value.Writer = writer
		case 5:
			writerKey, err := PublicKeyFromBytes(valueBytes)
			if err != nil {
				return err
			}
			value.WriterKey = writerKey
		case 6:
			if len(valueBytes) != len(Signature{}) {
				return fmt.Errorf("signature must be %d bytes", len(Signature{}))
			}
			value.Signature = Signature(valueBytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

type SubkeyValueEntry struct {
	Subkey int
	Value  *SubkeyValue
}

func encodeSubkeyValueEntry(entry *SubkeyValueEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(entry.Subkey))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeSubkeyValue(entry.Value))
	return b
}

func decodeSubkeyValueEntry(b []byte) (*SubkeyValueEntry, error) {
	entry := &SubkeyValueEntry{}
	err := eachField(b, func(fieldNumber protowire.Number, wireType protowire.Type, v uint64, valueBytes []byte) error {
		switch fieldNumber {
		case 1:
			entry.Subkey = int(v)
		case 2:
			value, err := decodeSubkeyValue(valueBytes)
			if err != nil {
				return err
			}
			entry.Value = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type OpenRequestMessage struct {
	Key RecordKey
}

func (self *OpenRequestMessage) messageType() MessageType {
	return MessageTypeOpenRequest
}

func (self *OpenRequestMessage) encodeBody() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, self.Key.Bytes())
	return b
}

func (self *OpenRequestMessage) decodeBody(body []byte) error {
	return eachField(body, func(fieldNumber protowire.Number, wireType protowire.Type, v uint64, valueBytes []byte) error {
		switch fieldNumber {
		case 1:
			key, err := RecordKeyFromBytes(valueBytes)
			if err != nil {
				return err
			}
			self.Key = key
		}
		return nil
	})
}

type OpenResponseMessage struct {
	Found       bool
	SchemaBytes []byte
	CreatorKey  PublicKey
	Values      []*SubkeyValueEntry
}

func (self *OpenResponseMessage) messageType() MessageType {
	return MessageTypeOpenResponse
}

func (self *OpenResponseMessage) encodeBody() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(self.Found))
	if self.Found {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, self.SchemaBytes)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, self.CreatorKey.Bytes())
		for _, entry := range self.Values {
			b = protowire.AppendTag(b, 4, protowire.BytesType)
			b = protowire.AppendBytes(b, encodeSubkeyValueEntry(entry))
		}
	}
	return b
}

func (self *OpenResponseMessage) decodeBody(body []byte) error {
	return eachField(body, func(fieldNumber protowire.Number, wireType protowire.Type, v uint64, valueBytes []byte) error {
		switch fieldNumber {
		case 1:
			self.Found = protowire.DecodeBool(v)
		case 2:
			self.SchemaBytes = valueBytes
		case 3:
			creatorKey, err := PublicKeyFromBytes(valueBytes)
			if err != nil {
				return err
			}
			self.CreatorKey = creatorKey
		case 4:
			entry, err := decodeSubkeyValueEntry(valueBytes)
			if err != nil {
				return err
			}
			self.Values = append(self.Values, entry)
		}
		return nil
	})
}

type InspectRequestMessage struct {
	Key   RecordKey
	Scope InspectScope
}

func (self *InspectRequestMessage) messageType() MessageType {
	return MessageTypeInspectRequest
}

func (self *InspectRequestMessage) encodeBody() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, self.Key.Bytes())
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(self.Scope))
	return b
}

func (self *InspectRequestMessage) decodeBody(body []byte) error {
	return eachField(body, func(fieldNumber protowire.Number, wireType protowire.Type, v uint64, valueBytes []byte) error {
		switch fieldNumber {
		case 1:
			key, err := RecordKeyFromBytes(valueBytes)
			if err != nil {
				return err
			}
			self.Key = key
		case 2:
			self.Scope = InspectScope(v)
		}
		return nil
	})
}

type SubkeySeqEntry struct {
	Subkey int
	Seq    uint32
}

type InspectResponseMessage struct {
	Found           bool
	FullyReplicated bool
	Seqs            []*SubkeySeqEntry
	Values          []*SubkeyValueEntry
}

func (self *InspectResponseMessage) messageType() MessageType {
	return MessageTypeInspectResponse
}

func (self *InspectResponseMessage) encodeBody() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(self.Found))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(self.FullyReplicated))
	for _, entry := range self.Seqs {
		var entryBytes []byte
		entryBytes = protowire.AppendTag(entryBytes, 1, protowire.VarintType)
		entryBytes = protowire.AppendVarint(entryBytes, uint64(entry.Subkey))
		entryBytes = protowire.AppendTag(entryBytes, 2, protowire.VarintType)
		entryBytes = protowire.AppendVarint(entryBytes, uint64(entry.Seq))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, entryBytes)
	}
	for _, entry := range self.Values {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSubkeyValueEntry(entry))
	}
	return b
}

func (self *InspectResponseMessage) decodeBody(body []byte) error {
	return eachField(body, func(fieldNumber protowire.Number, wireType protowire.Type, v uint64, valueBytes []byte) error {
		switch fieldNumber {
		case 1:
			self.Found = protowire.DecodeBool(v)
		case 2:
			self.FullyReplicated = protowire.DecodeBool(v)
		case 3:
			entry := &SubkeySeqEntry{}
			err := eachField(valueBytes, func(entryField protowire.Number, entryType protowire.Type, entryValue uint64, entryBytes []byte) error {
				switch entryField {
				case 1:
					entry.Subkey = int(entryValue)
				case 2:
					entry.Seq = uint32(entryValue)
				}
				return nil
			})
			if err != nil {
				return err
			}
			self.Seqs = append(self.Seqs, entry)
		case 4:
			entry, err := decodeSubkeyValueEntry(valueBytes)
			if err != nil {
				return err
			}
			self.Values = append(self.Values, entry)
		}
		return nil
	})
}

type SetValueMessage struct {
	Key    RecordKey
	Subkey int
	Value  *SubkeyValue
}

func (self *SetValueMessage) messageType() MessageType {
	return MessageTypeSetValue
}

func (self *SetValueMessage) encodeBody() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, self.Key.Bytes())
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(self.Subkey))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeSubkeyValue(self.Value))
	return b
}

func (self *SetValueMessage) decodeBody(body []byte) error {
	return eachField(body, func(fieldNumber protowire.Number, wireType protowire.Type, v uint64, valueBytes []byte) error {
		switch fieldNumber {
		case 1:
			key, err := RecordKeyFromBytes(valueBytes)
			if err != nil {
				return err
			}
			self.Key = key
		case 2:
			self.Subkey = int(v)
		case 3:
			value, err := decodeSubkeyValue(valueBytes)
			if err != nil {
				return err
			}
			self.Value = value
		}
		return nil
	})
}

type ValueChangeMessage struct {
	Key    RecordKey
	Subkey int
	Seq    uint32
}

func (self *ValueChangeMessage) messageType() MessageType {
	return MessageTypeValueChange
}

func (self *ValueChangeMessage) encodeBody() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, self.Key.Bytes())
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(self.Subkey))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(self.Seq))
	return b
}

func (self *ValueChangeMessage) decodeBody(body []byte) error {
	return eachField(body, func(fieldNumber protowire.Number, wireType protowire.Type, v uint64, valueBytes []byte) error {
		switch fieldNumber {
		case 1:
			key, err := RecordKeyFromBytes(valueBytes)
			if err != nil {
				return err
			}
			self.Key = key
		case 2:
			self.Subkey = int(v)
		case 3:
			self.Seq = uint32(v)
		}
		return nil
	})
}

type WatchRegisterMessage struct {
	Key      RecordKey
	HasRange bool
	First    int
	Last     int
}

func (self *WatchRegisterMessage) messageType() MessageType {
	return MessageTypeWatchRegister
}

func (self *WatchRegisterMessage) encodeBody() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, self.Key.Bytes())
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(self.HasRange))
	if self.HasRange {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(self.First))
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(self.Last))
	}
	return b
}

func (self *WatchRegisterMessage) decodeBody(body []byte) error {
	return eachField(body, func(fieldNumber protowire.Number, wireType protowire.Type, v uint64, valueBytes []byte) error {
		switch fieldNumber {
		case 1:
			key, err := RecordKeyFromBytes(valueBytes)
			if err != nil {
				return err
			}
			self.Key = key
		case 2:
			self.HasRange = protowire.DecodeBool(v)
		case 3:
			self.First = int(v)
		case 4:
			self.Last = int(v)
		}
		return nil
	})
}
