package domain

import (
	"errors"
	"testing"
)

// Fails to compile when a message type is added without a name.
func _() {
	var x [1]struct{}
	_ = x[len(messageTypeNames)-int(MessageTypeCount)]
}

func TestMessageType_Values(t *testing.T) {
	tests := []struct {
		t    MessageType
		want int32
		name string
	}{
		{MessageUndefined, 0, "UNDEFINED"},
		{MessageCommand, 1, "COMMAND"},
		{MessageCommandResponse, 2, "COMMAND_RESPONSE"},
		{MessageFileRequest, 3, "FILE_REQUEST"},
		{MessageFileChunk, 4, "FILE_CHUNK"},
		{MessageNATRequest, 5, "NAT_REQUEST"},
		{MessageNATCheck, 6, "NAT_CHECK"},
		{MessagePing, 7, "PING"},
		{MessagePingResponse, 8, "PING_RESPONSE"},
		{MessageLeave, 9, "LEAVE"},
		{MessageFindNode, 10, "FIND_NODE"},
		{MessageFoundNodes, 11, "FOUND_NODES"},
	}
	for _, tt := range tests {
		if int32(tt.t) != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, int32(tt.t), tt.want)
		}
		if tt.t.String() != tt.name {
			t.Errorf("String() = %q, want %q", tt.t.String(), tt.name)
		}
	}
	if MessageType(99).String() != "MessageType(99)" {
		t.Errorf("unknown type String() = %q", MessageType(99).String())
	}
	if len(MessageTypes()) != 11 {
		t.Errorf("MessageTypes() len = %d, want 11", len(MessageTypes()))
	}
}

func TestEnvelope_Validate(t *testing.T) {
	me := NewContact(Address{"127.0.0.1", 1}, WithGUID(1))
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"ping", Envelope{Type: MessagePing, Sender: me}, false},
		{"leave", Envelope{Type: MessageLeave, Sender: me}, false},
		{"ping with payload", Envelope{Type: MessagePing, Payload: &FindNode{}}, true},
		{"find node", Envelope{Type: MessageFindNode, Payload: &FindNode{GUID: 3}}, false},
		{"find node without payload", Envelope{Type: MessageFindNode}, true},
		{"typed nil find node", Envelope{Type: MessageFindNode, Payload: (*FindNode)(nil)}, true},
		{"typed nil found nodes", Envelope{Type: MessageFoundNodes, Payload: (*FoundNodes)(nil)}, true},
		{"typed nil chunk", Envelope{Type: MessageFileChunk, Payload: (*FileChunk)(nil)}, true},
		{"mismatched payload", Envelope{Type: MessageFoundNodes, Payload: &FindNode{}}, true},
		{"undefined", Envelope{Type: MessageUndefined}, true},
		{"out of range", Envelope{Type: MessageType(42)}, true},
		{"command", Envelope{Type: MessageCommand, Payload: &Command{Command: "echo"}}, false},
		{"chunk", Envelope{Type: MessageFileChunk, Payload: &FileChunk{UUID: "u"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("Validate() error = %v, want ErrMalformedEnvelope", err)
			}
		})
	}
}

func TestNewEnvelope_FreshUUID(t *testing.T) {
	me := NewContact(Address{"127.0.0.1", 1}, WithGUID(1))
	peer := NewContact(Address{"127.0.0.1", 2}, WithGUID(2))

	a := NewEnvelope(MessagePing, me, peer, nil)
	b := NewEnvelope(MessagePing, me, peer, nil)
	if a.UUID == "" || a.UUID == b.UUID {
		t.Errorf("uuids = %q, %q; want distinct non-empty", a.UUID, b.UUID)
	}
	if a.Propagation || a.Signature != nil {
		t.Error("new envelope should not be flagged or signed")
	}
}

func TestReply_EchoesUUID(t *testing.T) {
	me := NewContact(Address{"127.0.0.1", 1}, WithGUID(1))
	peer := NewContact(Address{"127.0.0.1", 2}, WithGUID(2))

	req := NewEnvelope(MessageFindNode, peer, me, &FindNode{GUID: 9})
	resp := Reply(req, me, MessageFoundNodes, &FoundNodes{})
	if resp.UUID != req.UUID {
		t.Errorf("Reply UUID = %q, want %q", resp.UUID, req.UUID)
	}
	if resp.Receiver != peer {
		t.Errorf("Reply receiver = %v, want %v", resp.Receiver, peer)
	}
	if resp.Sender != me {
		t.Errorf("Reply sender = %v, want %v", resp.Sender, me)
	}
}

func TestEnvelope_CloneIsDeep(t *testing.T) {
	env := &Envelope{
		Type:      MessageFileChunk,
		Signature: []byte{1, 2},
		Payload:   &FileChunk{UUID: "u", Data: []byte("abc")},
	}
	c := env.Clone()
	c.Signature[0] = 9
	c.Payload.(*FileChunk).Data[0] = 'z'
	if env.Signature[0] != 1 {
		t.Error("Clone shares the signature slice")
	}
	if env.Payload.(*FileChunk).Data[0] != 'a' {
		t.Error("Clone shares the chunk data")
	}

	typedNil := &Envelope{Type: MessageFindNode, Payload: (*FindNode)(nil)}
	if c := typedNil.Clone(); c.Payload != typedNil.Payload {
		t.Error("Clone of a typed nil payload changed it")
	}
}
