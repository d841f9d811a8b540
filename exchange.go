package dht

import (
	"fmt"
	"os"
	"strings"
)

// out-of-band credential distribution between nodes.
// the file exchange writes plain text `label = value` lines; whatever is
// written for a credential or key must parse back into the identical value

type Credentials struct {
	Writer    *KeyPair
	RecordKey RecordKey
}

type CredentialExchange interface {
	Publish(credentials *Credentials) error
	Fetch() (*Credentials, error)
}

const (
	credentialWriterLabel    = "writer"
	credentialRecordKeyLabel = "record_key"
)

type FileCredentialExchange struct {
	path string
}

func NewFileCredentialExchange(path string) *FileCredentialExchange {
	return &FileCredentialExchange{
		path: path,
	}
}

func (self *FileCredentialExchange) Publish(credentials *Credentials) error {
	contents := fmt.Sprintf(
		"%s = %s\n%s = %s\n",
		credentialWriterLabel,
		credentials.Writer,
		credentialRecordKeyLabel,
		credentials.RecordKey,
	)
	return os.WriteFile(self.path, []byte(contents), 0600)
}

func (self *FileCredentialExchange) Fetch() (*Credentials, error) {
	contentBytes, err := os.ReadFile(self.path)
	if err != nil {
		return nil, err
	}
	return ParseCredentials(string(contentBytes))
}

// a missing field or a value that does not parse aborts the dependent
// flow rather than proceeding with partial state
func ParseCredentials(contents string) (*Credentials, error) {
	var writer *KeyPair
	var recordKey *RecordKey

	for _, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		label, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		label = strings.TrimSpace(label)
		value = strings.TrimSpace(value)

		switch label {
		case credentialWriterLabel:
			parsed, err := ParseKeyPair(value)
			if err != nil {
				return nil, &ExchangeError{
					Reason: ExchangeMalformedValue,
					Field:  credentialWriterLabel,
					Cause:  err,
				}
			}
			writer = parsed
		case credentialRecordKeyLabel:
			parsed, err := ParseRecordKey(value)
			if err != nil {
				return nil, &ExchangeError{
					Reason: ExchangeMalformedValue,
					Field:  credentialRecordKeyLabel,
					Cause:  err,
				}
			}
			recordKey = &parsed
		}
	}

	if writer == nil {
		return nil, &ExchangeError{
			Reason: ExchangeMissingField,
			Field:  credentialWriterLabel,
		}
	}
	if recordKey == nil {
		return nil, &ExchangeError{
			Reason: ExchangeMissingField,
			Field:  credentialRecordKeyLabel,
		}
	}
	return &Credentials{
		Writer:    writer,
		RecordKey: *recordKey,
	}, nil
}
