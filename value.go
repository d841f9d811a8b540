package dht

import (
	"bytes"
	"encoding/binary"
	"time"
)

// one addressable slot within a record, independently versioned.
// the sequence strictly increases on every successful write to the subkey
// and is the basis for conflict detection
type SubkeyValue struct {
	Data []byte
	// strictly increasing per subkey
	Seq uint32
	// signing time, unix microseconds
	Timestamp int64
	Writer    MemberId
	WriterKey PublicKey
	Signature Signature
}

// the signed message binds the value to the record, subkey, sequence and time
func subkeySignMessage(key RecordKey, subkey int, seq uint32, timestamp int64, data []byte) []byte {
	message := key.Bytes()
	message = binary.BigEndian.AppendUint32(message, uint32(subkey))
	message = binary.BigEndian.AppendUint32(message, seq)
	message = binary.BigEndian.AppendUint64(message, uint64(timestamp))
	message = append(message, data...)
	return message
}

func signSubkeyValue(key RecordKey, subkey int, seq uint32, data []byte, writer *KeyPair) *SubkeyValue {
	timestamp := time.Now().UnixMicro()
	message := subkeySignMessage(key, subkey, seq, timestamp, data)
	return &SubkeyValue{
		Data:      bytes.Clone(data),
		Seq:       seq,
		Timestamp: timestamp,
		Writer:    writer.MemberId(),
		WriterKey: writer.Public,
		Signature: writer.Sign(message),
	}
}

func (self *SubkeyValue) VerifyFor(key RecordKey, subkey int) bool {
	message := subkeySignMessage(key, subkey, self.Seq, self.Timestamp, self.Data)
	return Verify(self.WriterKey, message, self.Signature)
}

func (self *SubkeyValue) Clone() *SubkeyValue {
	out := *self
	out.Data = bytes.Clone(self.Data)
	return &out
}

// deterministic total order for conflicting values of the same subkey.
// highest sequence wins. on a sequence tie the later signature timestamp wins,
// and on a timestamp tie the larger writer id wins so that all nodes converge
// to the same value regardless of arrival order
func compareSubkeyValues(a *SubkeyValue, b *SubkeyValue) int {
	if a.Seq != b.Seq {
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	}
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Writer.Bytes(), b.Writer.Bytes())
}
