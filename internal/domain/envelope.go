package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// ─── Message Types ──────────────────────────────────────────────────────────

// MessageType tags an envelope. Values match the wire enum.
type MessageType int32

const (
	MessageUndefined MessageType = iota
	MessageCommand
	MessageCommandResponse
	MessageFileRequest
	MessageFileChunk
	MessageNATRequest
	MessageNATCheck
	MessagePing
	MessagePingResponse
	MessageLeave
	MessageFindNode
	MessageFoundNodes

	// MessageTypeCount is one past the last defined type.
	MessageTypeCount
)

var messageTypeNames = [MessageTypeCount]string{
	MessageUndefined:       "UNDEFINED",
	MessageCommand:         "COMMAND",
	MessageCommandResponse: "COMMAND_RESPONSE",
	MessageFileRequest:     "FILE_REQUEST",
	MessageFileChunk:       "FILE_CHUNK",
	MessageNATRequest:      "NAT_REQUEST",
	MessageNATCheck:        "NAT_CHECK",
	MessagePing:            "PING",
	MessagePingResponse:    "PING_RESPONSE",
	MessageLeave:           "LEAVE",
	MessageFindNode:        "FIND_NODE",
	MessageFoundNodes:      "FOUND_NODES",
}

// String returns the wire name of the type.
func (t MessageType) String() string {
	if t < 0 || t >= MessageTypeCount {
		return fmt.Sprintf("MessageType(%d)", int32(t))
	}
	return messageTypeNames[t]
}

// Valid reports whether t is a defined, non-UNDEFINED type.
func (t MessageType) Valid() bool {
	return t > MessageUndefined && t < MessageTypeCount
}

// MessageTypes lists every routable type.
func MessageTypes() []MessageType {
	out := make([]MessageType, 0, MessageTypeCount-1)
	for t := MessageUndefined + 1; t < MessageTypeCount; t++ {
		out = append(out, t)
	}
	return out
}

// ─── Payloads ───────────────────────────────────────────────────────────────

// Payload is the closed set of envelope bodies.
type Payload interface {
	messageType() MessageType
}

// ResponseStatus is the outcome carried by a COMMAND_RESPONSE.
type ResponseStatus int32

const (
	StatusFail ResponseStatus = 0
	StatusOK   ResponseStatus = 1
)

func (s ResponseStatus) String() string {
	if s == StatusOK {
		return "OK"
	}
	return "FAIL"
}

// Command asks a peer to run a command string.
type Command struct {
	Command       string
	ShouldRespond bool
}

// CommandResponse answers a Command with the same envelope uuid.
type CommandResponse struct {
	Value  string
	Status ResponseStatus
}

// FileRequest asks a peer to stream a file.
type FileRequest struct {
	Path string
}

// FileChunk is one ordinal-indexed piece of a file. Chunks may arrive in any order.
type FileChunk struct {
	UUID     string
	Filename string
	Filesize int64
	Ordinal  int64
	Data     []byte
}

// NATRequest asks a helper to test whether the requester is reachable.
type NATRequest struct {
	GUID GUID
}

// NATCheck reports the helper's verdict. GUID equals the requester's GUID
// when the requester was reachable, 0 otherwise.
type NATCheck struct {
	GUID GUID
}

// FindNode asks for the contacts closest to GUID.
type FindNode struct {
	GUID GUID
}

// FoundNodes answers FindNode.
type FoundNodes struct {
	Nodes []Contact
}

func (*Command) messageType() MessageType         { return MessageCommand }
func (*CommandResponse) messageType() MessageType { return MessageCommandResponse }
func (*FileRequest) messageType() MessageType     { return MessageFileRequest }
func (*FileChunk) messageType() MessageType       { return MessageFileChunk }
func (*NATRequest) messageType() MessageType      { return MessageNATRequest }
func (*NATCheck) messageType() MessageType        { return MessageNATCheck }
func (*FindNode) messageType() MessageType        { return MessageFindNode }
func (*FoundNodes) messageType() MessageType      { return MessageFoundNodes }

// ─── Envelope ───────────────────────────────────────────────────────────────

// Envelope is the unit exchanged between peers.
type Envelope struct {
	UUID        string
	Type        MessageType
	Sender      Contact
	Receiver    Contact
	Propagation bool
	Signature   []byte
	Payload     Payload
}

// payloadless lists the types that carry no body.
func payloadless(t MessageType) bool {
	return t == MessagePing || t == MessagePingResponse || t == MessageLeave
}

// Validate checks that the type is known and agrees with the payload variant.
func (e *Envelope) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: type %s", ErrMalformedEnvelope, e.Type)
	}
	if payloadless(e.Type) {
		if e.Payload != nil {
			return fmt.Errorf("%w: %s carries a payload", ErrMalformedEnvelope, e.Type)
		}
		return nil
	}
	if isNilPayload(e.Payload) {
		return fmt.Errorf("%w: %s without payload", ErrMalformedEnvelope, e.Type)
	}
	if got := e.Payload.messageType(); got != e.Type {
		return fmt.Errorf("%w: type %s with %s payload", ErrMalformedEnvelope, e.Type, got)
	}
	return nil
}

// isNilPayload reports whether p is nil or a typed nil pointer.
func isNilPayload(p Payload) bool {
	switch v := p.(type) {
	case nil:
		return true
	case *Command:
		return v == nil
	case *CommandResponse:
		return v == nil
	case *FileRequest:
		return v == nil
	case *FileChunk:
		return v == nil
	case *NATRequest:
		return v == nil
	case *NATCheck:
		return v == nil
	case *FindNode:
		return v == nil
	case *FoundNodes:
		return v == nil
	}
	return false
}

// Clone returns a copy that shares no slices with e.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Signature != nil {
		c.Signature = append([]byte(nil), e.Signature...)
	}
	if isNilPayload(e.Payload) {
		return &c
	}
	switch p := e.Payload.(type) {
	case *Command:
		cp := *p
		c.Payload = &cp
	case *CommandResponse:
		cp := *p
		c.Payload = &cp
	case *FileRequest:
		cp := *p
		c.Payload = &cp
	case *FileChunk:
		cp := *p
		cp.Data = append([]byte(nil), p.Data...)
		c.Payload = &cp
	case *NATRequest:
		cp := *p
		c.Payload = &cp
	case *NATCheck:
		cp := *p
		c.Payload = &cp
	case *FindNode:
		cp := *p
		c.Payload = &cp
	case *FoundNodes:
		c.Payload = &FoundNodes{Nodes: append([]Contact(nil), p.Nodes...)}
	}
	return &c
}

// ─── Builders ───────────────────────────────────────────────────────────────

// NewEnvelope builds an envelope with a fresh correlation uuid.
func NewEnvelope(t MessageType, sender, receiver Contact, payload Payload) *Envelope {
	return &Envelope{
		UUID:     uuid.NewString(),
		Type:     t,
		Sender:   sender,
		Receiver: receiver,
		Payload:  payload,
	}
}

// Reply builds a response to req that keeps req's uuid and targets its sender.
func Reply(req *Envelope, sender Contact, t MessageType, payload Payload) *Envelope {
	return &Envelope{
		UUID:     req.UUID,
		Type:     t,
		Sender:   sender,
		Receiver: req.Sender,
		Payload:  payload,
	}
}
