package dht

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/oklog/ulid/v2"
)

// the crypto capability used by the record engine.
// key generation, signing and verification are assumed primitives (ed25519);
// the engine only composes them.

const MemberIdLength = 20

// comparable
type CryptoKind [4]byte

// the only kind supported by this version
var KindKDX0 = CryptoKind{'K', 'D', 'X', '0'}

func CryptoKindFromString(kindStr string) (CryptoKind, error) {
	if len(kindStr) != 4 {
		return CryptoKind{}, fmt.Errorf("crypto kind must be 4 characters: %s", kindStr)
	}
	return CryptoKind([]byte(kindStr)), nil
}

func (self CryptoKind) String() string {
	return string(self[:])
}

// comparable
type PublicKey [ed25519.PublicKeySize]byte

func PublicKeyFromBytes(keyBytes []byte) (PublicKey, error) {
	if len(keyBytes) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	return PublicKey(keyBytes), nil
}

func (self PublicKey) Bytes() []byte {
	return self[:]
}

func (self PublicKey) String() string {
	return base58.Encode(self[:])
}

// comparable. ed25519 seed form
type SecretKey [ed25519.SeedSize]byte

func (self SecretKey) Bytes() []byte {
	return self[:]
}

func (self SecretKey) String() string {
	return base58.Encode(self[:])
}

// comparable
type Signature [ed25519.SignatureSize]byte

func (self Signature) Bytes() []byte {
	return self[:]
}

// derived from a public key. identifies a schema member
// comparable
type MemberId [MemberIdLength]byte

func MemberIdFromBytes(idBytes []byte) (MemberId, error) {
	if len(idBytes) != MemberIdLength {
		return MemberId{}, fmt.Errorf("member id must be %d bytes", MemberIdLength)
	}
	return MemberId(idBytes), nil
}

func ParseMemberId(idStr string) (MemberId, error) {
	idBytes, err := base58.Decode(idStr)
	if err != nil {
		return MemberId{}, err
	}
	return MemberIdFromBytes(idBytes)
}

func (self MemberId) Bytes() []byte {
	return self[:]
}

func (self MemberId) String() string {
	return base58.Encode(self[:])
}

type KeyPair struct {
	Kind   CryptoKind
	Public PublicKey
	Secret SecretKey
}

func GenerateKeyPair(kind CryptoKind) (*KeyPair, error) {
	if kind != KindKDX0 {
		return nil, fmt.Errorf("unsupported crypto kind: %s", kind)
	}
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	keyPair := &KeyPair{
		Kind:   kind,
		Public: PublicKey(publicKey),
		Secret: SecretKey(privateKey.Seed()),
	}
	return keyPair, nil
}

// text form is KIND:base58(public):base58(secret)
func ParseKeyPair(keyPairStr string) (*KeyPair, error) {
	parts := strings.Split(keyPairStr, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("cannot parse keypair: %s", keyPairStr)
	}
	kind, err := CryptoKindFromString(parts[0])
	if err != nil {
		return nil, err
	}
	publicBytes, err := base58.Decode(parts[1])
	if err != nil {
		return nil, err
	}
	publicKey, err := PublicKeyFromBytes(publicBytes)
	if err != nil {
		return nil, err
	}
	secretBytes, err := base58.Decode(parts[2])
	if err != nil {
		return nil, err
	}
	if len(secretBytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("secret key must be %d bytes", ed25519.SeedSize)
	}
	return &KeyPair{
		Kind:   kind,
		Public: publicKey,
		Secret: SecretKey(secretBytes),
	}, nil
}

func (self *KeyPair) String() string {
	return fmt.Sprintf("%s:%s:%s", self.Kind, self.Public, self.Secret)
}

func (self *KeyPair) MemberId() MemberId {
	return MemberIdForKey(self.Kind, self.Public)
}

func (self *KeyPair) Sign(message []byte) Signature {
	privateKey := ed25519.NewKeyFromSeed(self.Secret[:])
	return Signature(ed25519.Sign(privateKey, message))
}

func Verify(publicKey PublicKey, message []byte, signature Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(publicKey[:]), message, signature[:])
}

// the member id is a short digest of kind + public key
func MemberIdForKey(kind CryptoKind, publicKey PublicKey) MemberId {
	digest, err := blake2b.New(MemberIdLength, nil)
	if err != nil {
		panic(err)
	}
	digest.Write(kind[:])
	digest.Write(publicKey[:])
	return MemberId(digest.Sum(nil))
}

// comparable
type RecordKey struct {
	Kind CryptoKind
	Body [32]byte
}

// text form is KIND:base58(body)
func ParseRecordKey(keyStr string) (RecordKey, error) {
	parts := strings.Split(keyStr, ":")
	if len(parts) != 2 {
		return RecordKey{}, fmt.Errorf("cannot parse record key: %s", keyStr)
	}
	kind, err := CryptoKindFromString(parts[0])
	if err != nil {
		return RecordKey{}, err
	}
	bodyBytes, err := base58.Decode(parts[1])
	if err != nil {
		return RecordKey{}, err
	}
	if len(bodyBytes) != 32 {
		return RecordKey{}, fmt.Errorf("record key body must be 32 bytes")
	}
	return RecordKey{
		Kind: kind,
		Body: [32]byte(bodyBytes),
	}, nil
}

func RecordKeyFromBytes(keyBytes []byte) (RecordKey, error) {
	if len(keyBytes) != 36 {
		return RecordKey{}, fmt.Errorf("record key must be 36 bytes")
	}
	return RecordKey{
		Kind: CryptoKind(keyBytes[0:4]),
		Body: [32]byte(keyBytes[4:36]),
	}, nil
}

func (self RecordKey) Bytes() []byte {
	keyBytes := make([]byte, 36)
	copy(keyBytes[0:4], self.Kind[:])
	copy(keyBytes[4:36], self.Body[:])
	return keyBytes
}

func (self RecordKey) String() string {
	return fmt.Sprintf("%s:%s", self.Kind, base58.Encode(self.Body[:]))
}

// the record key is derived deterministically from the kind,
// the canonical schema bytes, and a creation nonce
func deriveRecordKey(kind CryptoKind, schemaBytes []byte, nonce ulid.ULID) RecordKey {
	digest := blake2b.Sum256(append(append(append([]byte{}, kind[:]...), schemaBytes...), nonce[:]...))
	return RecordKey{
		Kind: kind,
		Body: digest,
	}
}
