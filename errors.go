package dht

import (
	"errors"
	"fmt"
)

// error taxonomy for the record engine.
// schema and authorization errors are terminal for the triggering call.
// `TryAgainError` is the only error that is safe to retry with backoff.

type SchemaErrorReason string

const (
	SchemaInvalidMemberCount SchemaErrorReason = "invalid member count"
	SchemaOverflow           SchemaErrorReason = "schema overflow"
	SchemaDuplicateMember    SchemaErrorReason = "duplicate member"
)

type SchemaError struct {
	Reason SchemaErrorReason
	Detail string
}

func (self *SchemaError) Error() string {
	return fmt.Sprintf("schema error: %s (%s)", self.Reason, self.Detail)
}

type UnauthorizedWriterError struct {
	Key    RecordKey
	Subkey int
	Writer MemberId
}

func (self *UnauthorizedWriterError) Error() string {
	return fmt.Sprintf("unauthorized writer %s for record %s subkey %d", self.Writer, self.Key, self.Subkey)
}

type RecordNotFoundError struct {
	Key RecordKey
}

func (self *RecordNotFoundError) Error() string {
	return fmt.Sprintf("record not found: %s", self.Key)
}

type SubkeyOutOfRangeError struct {
	Key          RecordKey
	Subkey       int
	TotalSubkeys int
}

func (self *SubkeyOutOfRangeError) Error() string {
	return fmt.Sprintf("subkey %d out of range for record %s (%d subkeys)", self.Subkey, self.Key, self.TotalSubkeys)
}

// the replication state for the record is not yet established.
// back off and retry
type TryAgainError struct {
	Key    RecordKey
	Detail string
}

func (self *TryAgainError) Error() string {
	return fmt.Sprintf("not ready, try again: %s (%s)", self.Key, self.Detail)
}

func IsTryAgain(err error) bool {
	var tryAgainErr *TryAgainError
	return errors.As(err, &tryAgainErr)
}

type WatchUnavailableError struct {
	Key RecordKey
}

func (self *WatchUnavailableError) Error() string {
	return fmt.Sprintf("record cannot accept watchers: %s", self.Key)
}

type ExchangeErrorReason string

const (
	ExchangeMissingField   ExchangeErrorReason = "missing field"
	ExchangeMalformedValue ExchangeErrorReason = "malformed value"
)

type ExchangeError struct {
	Reason ExchangeErrorReason
	Field  string
	Cause  error
}

func (self *ExchangeError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("credential exchange: %s %q = %s", self.Reason, self.Field, self.Cause)
	}
	return fmt.Sprintf("credential exchange: %s %q", self.Reason, self.Field)
}

func (self *ExchangeError) Unwrap() error {
	return self.Cause
}
