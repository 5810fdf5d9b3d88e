package kitten

import (
	"encoding/json"
	"errors"
	"fmt"
)

type EnvelopeType string

const (
	EnvelopeTypeConnect EnvelopeType = "connect"
	EnvelopeTypeChange  EnvelopeType = "change"
)

// unknown envelope types are expected from newer servers. Callers drop them.
var ErrUnknownEnvelope = errors.New("Unknown envelope type.")

type Envelope interface {
	EnvelopeType() EnvelopeType
}

// full snapshot: every kitten, a bounded recent history, and the epoch version
type ConnectEnvelope struct {
	Kittens []*Kitten
	Changes []*Change
	Version Version
}

func (self *ConnectEnvelope) EnvelopeType() EnvelopeType {
	return EnvelopeTypeConnect
}

// one change and the emails it affects, as decided by the server
type ChangeEnvelope struct {
	Change  *Change
	Kittens []string
}

func (self *ChangeEnvelope) EnvelopeType() EnvelopeType {
	return EnvelopeTypeChange
}

type envelopeHeader struct {
	Type EnvelopeType
}

type connectFrame struct {
	Type EnvelopeType
	*ConnectEnvelope
}

type changeFrame struct {
	Type EnvelopeType
	*ChangeEnvelope
}

func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	var frame any
	switch v := envelope.(type) {
	case *ConnectEnvelope:
		frame = &connectFrame{
			Type:            EnvelopeTypeConnect,
			ConnectEnvelope: v,
		}
	case *ChangeEnvelope:
		frame = &changeFrame{
			Type:           EnvelopeTypeChange,
			ChangeEnvelope: v,
		}
	default:
		return nil, fmt.Errorf("Unknown envelope: %T", v)
	}
	return json.Marshal(frame)
}

func RequireEncodeEnvelope(envelope Envelope) []byte {
	b, err := EncodeEnvelope(envelope)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	header := &envelopeHeader{}
	if err := json.Unmarshal(b, header); err != nil {
		return nil, fmt.Errorf("Bad envelope: %w", err)
	}

	var envelope Envelope
	switch header.Type {
	case EnvelopeTypeConnect:
		connect := &ConnectEnvelope{}
		if err := json.Unmarshal(b, connect); err != nil {
			return nil, fmt.Errorf("Bad connect envelope: %w", err)
		}
		// drop entries the server could not have meant
		kittens := make([]*Kitten, 0, len(connect.Kittens))
		for _, kitten := range connect.Kittens {
			if kitten != nil {
				kittens = append(kittens, kitten)
			}
		}
		connect.Kittens = kittens
		changes := make([]*Change, 0, len(connect.Changes))
		for _, change := range connect.Changes {
			if change != nil {
				changes = append(changes, change)
			}
		}
		connect.Changes = changes
		envelope = connect
	case EnvelopeTypeChange:
		change := &ChangeEnvelope{}
		if err := json.Unmarshal(b, change); err != nil {
			return nil, fmt.Errorf("Bad change envelope: %w", err)
		}
		if change.Change == nil {
			return nil, errors.New("Bad change envelope: missing change.")
		}
		envelope = change
	default:
		return nil, fmt.Errorf("%w (%q)", ErrUnknownEnvelope, header.Type)
	}
	return envelope, nil
}
