// Package codec translates between the registry wire format and the instance model.
//
// Codecs are pure: they never perform I/O and never keep state between calls. Snapshot and
// delta decoding is tolerant per record, a malformed instance is reported back as a
// *DecodeError next to the successfully decoded ones instead of failing the whole payload.
package codec

import (
	"fmt"

	"eureka-client/instance"
)

type Codec interface {
	EncodeInstance(rec *instance.Record) ([]byte, error)
	DecodeInstance(data []byte) (*instance.Record, error)

	EncodeApplications(s *instance.Snapshot) ([]byte, error)
	// DecodeApplications returns the snapshot plus one error per rejected record.
	DecodeApplications(data []byte) (*instance.Snapshot, []error, error)

	EncodeDelta(d *instance.Delta) ([]byte, error)
	DecodeDelta(data []byte) (*instance.Delta, []error, error)

	ContentType() string
}

// DecodeError reports a payload or record that could not be decoded.
type DecodeError struct {
	InstanceID string // empty when the record had no usable id
	Field      string
	Reason     string
}

func (e *DecodeError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("codec: instance %q: %s: %s", e.InstanceID, e.Field, e.Reason)
	}
	if e.Field != "" {
		return fmt.Sprintf("codec: %s: %s", e.Field, e.Reason)
	}
	return "codec: " + e.Reason
}
