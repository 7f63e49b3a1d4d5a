// Package codec encodes envelopes in the overlay's protobuf wire format.
//
// The format is hand-encoded with protowire so peers built from the shared
// Message.proto interoperate without generated code in this module.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/meshwork/meshnode/internal/domain"
)

// Message field numbers.
const (
	fieldUUID        protowire.Number = 1
	fieldType        protowire.Number = 2
	fieldSender      protowire.Number = 3
	fieldReceiver    protowire.Number = 4
	fieldPropagation protowire.Number = 5
	fieldSignature   protowire.Number = 6
	fieldCommand     protowire.Number = 7
	fieldResponse    protowire.Number = 8
	fieldFileRequest protowire.Number = 9
	fieldFileChunk   protowire.Number = 10
	fieldNATRequest  protowire.Number = 11
	fieldNATCheck    protowire.Number = 12
	fieldFindNode    protowire.Number = 13
	fieldFoundNodes  protowire.Number = 14
)

// Protobuf implements domain.Codec.
type Protobuf struct{}

// New returns the protobuf codec.
func New() Protobuf { return Protobuf{} }

var _ domain.Codec = Protobuf{}

// ─── Encoding ───────────────────────────────────────────────────────────────

// Marshal encodes env. Zero-valued scalars are omitted as in proto3.
func (Protobuf) Marshal(env *domain.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", domain.ErrMalformedEnvelope)
	}
	var b []byte
	b = appendString(b, fieldUUID, env.UUID)
	if env.Type != 0 {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(env.Type))
	}
	b = appendMessage(b, fieldSender, appendContact(nil, env.Sender))
	b = appendMessage(b, fieldReceiver, appendContact(nil, env.Receiver))
	b = appendBool(b, fieldPropagation, env.Propagation)
	if len(env.Signature) > 0 {
		b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, env.Signature)
	}
	if env.Payload == nil {
		return b, nil
	}

	var body []byte
	var num protowire.Number
	switch p := env.Payload.(type) {
	case *domain.Command:
		num = fieldCommand
		body = appendString(body, 1, p.Command)
		body = appendBool(body, 2, p.ShouldRespond)
	case *domain.CommandResponse:
		num = fieldResponse
		body = appendString(body, 1, p.Value)
		body = appendVarint(body, 2, uint64(p.Status))
	case *domain.FileRequest:
		num = fieldFileRequest
		body = appendString(body, 1, p.Path)
	case *domain.FileChunk:
		num = fieldFileChunk
		body = appendString(body, 1, p.UUID)
		body = appendString(body, 2, p.Filename)
		body = appendVarint(body, 3, uint64(p.Filesize))
		body = appendVarint(body, 4, uint64(p.Ordinal))
		if len(p.Data) > 0 {
			body = protowire.AppendTag(body, 5, protowire.BytesType)
			body = protowire.AppendBytes(body, p.Data)
		}
	case *domain.NATRequest:
		num = fieldNATRequest
		body = appendString(body, 1, p.GUID.String())
	case *domain.NATCheck:
		num = fieldNATCheck
		body = appendString(body, 1, p.GUID.String())
	case *domain.FindNode:
		num = fieldFindNode
		body = appendString(body, 1, p.GUID.String())
	case *domain.FoundNodes:
		num = fieldFoundNodes
		for _, c := range p.Nodes {
			body = protowire.AppendTag(body, 1, protowire.BytesType)
			body = protowire.AppendBytes(body, appendContact(nil, c))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", domain.ErrMalformedEnvelope, p)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b, nil
}

func appendContact(b []byte, c domain.Contact) []byte {
	w := c.ToWire()
	b = appendString(b, 1, w.GUID)
	b = appendString(b, 2, w.IP)
	b = appendVarint(b, 3, uint64(w.Port))
	b = appendBool(b, 4, w.IsNAT)
	return b
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

// ─── Decoding ───────────────────────────────────────────────────────────────

// Unmarshal decodes data and validates type/payload agreement. Unknown
// fields are skipped.
func (Protobuf) Unmarshal(data []byte) (*domain.Envelope, error) {
	env := &domain.Envelope{}
	var payloadNum protowire.Number
	var payloadBody []byte

	err := walk(data, func(num protowire.Number, v fieldValue) error {
		switch num {
		case fieldUUID:
			env.UUID = string(v.bytes)
		case fieldType:
			env.Type = domain.MessageType(int32(v.varint))
		case fieldSender, fieldReceiver:
			c, err := decodeContact(v.bytes)
			if err != nil {
				return err
			}
			if num == fieldSender {
				env.Sender = c
			} else {
				env.Receiver = c
			}
		case fieldPropagation:
			env.Propagation = v.varint != 0
		case fieldSignature:
			env.Signature = append([]byte(nil), v.bytes...)
		case fieldCommand, fieldResponse, fieldFileRequest, fieldFileChunk,
			fieldNATRequest, fieldNATCheck, fieldFindNode, fieldFoundNodes:
			// Last oneof member wins, as in proto3.
			payloadNum, payloadBody = num, v.bytes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if payloadNum != 0 {
		p, err := decodePayload(payloadNum, payloadBody)
		if err != nil {
			return nil, err
		}
		env.Payload = p
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func decodePayload(num protowire.Number, body []byte) (domain.Payload, error) {
	switch num {
	case fieldCommand:
		p := &domain.Command{}
		return p, walk(body, func(n protowire.Number, v fieldValue) error {
			switch n {
			case 1:
				p.Command = string(v.bytes)
			case 2:
				p.ShouldRespond = v.varint != 0
			}
			return nil
		})
	case fieldResponse:
		p := &domain.CommandResponse{}
		return p, walk(body, func(n protowire.Number, v fieldValue) error {
			switch n {
			case 1:
				p.Value = string(v.bytes)
			case 2:
				p.Status = domain.ResponseStatus(int32(v.varint))
			}
			return nil
		})
	case fieldFileRequest:
		p := &domain.FileRequest{}
		return p, walk(body, func(n protowire.Number, v fieldValue) error {
			if n == 1 {
				p.Path = string(v.bytes)
			}
			return nil
		})
	case fieldFileChunk:
		p := &domain.FileChunk{}
		return p, walk(body, func(n protowire.Number, v fieldValue) error {
			switch n {
			case 1:
				p.UUID = string(v.bytes)
			case 2:
				p.Filename = string(v.bytes)
			case 3:
				p.Filesize = int64(v.varint)
			case 4:
				p.Ordinal = int64(v.varint)
			case 5:
				p.Data = append([]byte(nil), v.bytes...)
			}
			return nil
		})
	case fieldNATRequest:
		g, err := decodeGUIDMessage(body)
		return &domain.NATRequest{GUID: g}, err
	case fieldNATCheck:
		g, err := decodeGUIDMessage(body)
		return &domain.NATCheck{GUID: g}, err
	case fieldFindNode:
		g, err := decodeGUIDMessage(body)
		return &domain.FindNode{GUID: g}, err
	case fieldFoundNodes:
		p := &domain.FoundNodes{}
		return p, walk(body, func(n protowire.Number, v fieldValue) error {
			if n != 1 {
				return nil
			}
			c, err := decodeContact(v.bytes)
			if err != nil {
				return err
			}
			p.Nodes = append(p.Nodes, c)
			return nil
		})
	}
	return nil, fmt.Errorf("%w: payload field %d", domain.ErrMalformedEnvelope, num)
}

// decodeGUIDMessage reads the single guid string of NATRequest, NATCheck and
// FindNode. An absent guid decodes as 0.
func decodeGUIDMessage(body []byte) (domain.GUID, error) {
	var s string
	err := walk(body, func(n protowire.Number, v fieldValue) error {
		if n == 1 {
			s = string(v.bytes)
		}
		return nil
	})
	if err != nil || s == "" {
		return 0, err
	}
	g, err := domain.ParseGUID(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	return g, nil
}

func decodeContact(body []byte) (domain.Contact, error) {
	var w domain.WireContact
	err := walk(body, func(n protowire.Number, v fieldValue) error {
		switch n {
		case 1:
			w.GUID = string(v.bytes)
		case 2:
			w.IP = string(v.bytes)
		case 3:
			w.Port = int32(v.varint)
		case 4:
			w.IsNAT = v.varint != 0
		}
		return nil
	})
	if err != nil {
		return domain.Contact{}, err
	}
	c, err := domain.ContactFromWire(w)
	if err != nil {
		return domain.Contact{}, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	return c, nil
}

// fieldValue carries a decoded scalar or length-delimited value.
type fieldValue struct {
	varint uint64
	bytes  []byte
}

// walk visits every field of one message level.
func walk(b []byte, fn func(protowire.Number, fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		var v fieldValue
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", domain.ErrMalformedEnvelope, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}
