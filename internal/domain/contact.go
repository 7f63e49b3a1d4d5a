// Package domain holds the overlay's core types: peer identity, the protocol
// envelope, and the interfaces that separate the control plane from its
// collaborators (transport, codec, command execution, file transfer).
package domain

import (
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
)

// ─── GUID ───────────────────────────────────────────────────────────────────

// GUID is a peer's random identifier and its position in the identifier space.
type GUID uint64

// unsetGUID is written to the wire for receivers known only by address.
const unsetGUID = "not_set"

// RandomGUID draws a uniform identifier in [0, 2^64). Not cryptographic.
func RandomGUID() GUID {
	return GUID(rand.Uint64())
}

// ParseGUID parses the decimal wire form of a GUID.
func ParseGUID(s string) (GUID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse guid %q: %w", s, err)
	}
	return GUID(v), nil
}

// String returns the decimal form used on the wire.
func (g GUID) String() string {
	return strconv.FormatUint(uint64(g), 10)
}

// Distance is the XOR metric. Smaller is closer.
func Distance(a, b GUID) GUID {
	return a ^ b
}

// ─── Address ────────────────────────────────────────────────────────────────

// Address is a reachable network endpoint. Several peers may share one.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ParseAddress parses "host:port".
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("parse address %q: invalid port", s)
	}
	return Address{Host: host, Port: port}, nil
}

// String returns "host:port".
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ─── Contact ────────────────────────────────────────────────────────────────

// Contact describes a network participant. Identity is the GUID alone: the
// address of a peer may change (e.g. behind NAT) without changing who it is.
type Contact struct {
	Address Address `json:"address"`
	GUID    GUID    `json:"guid"`
	IsNAT   bool    `json:"is_nat"`
}

// ContactOption customizes NewContact.
type ContactOption func(*contactOptions)

type contactOptions struct {
	guid    GUID
	hasGUID bool
	isNAT   bool
}

// WithGUID fixes the contact's identifier instead of drawing a random one.
func WithGUID(g GUID) ContactOption {
	return func(o *contactOptions) {
		o.guid = g
		o.hasGUID = true
	}
}

// WithNAT marks the contact as sitting behind NAT.
func WithNAT(isNAT bool) ContactOption {
	return func(o *contactOptions) {
		o.isNAT = isNAT
	}
}

// NewContact builds a contact. The GUID defaults to RandomGUID().
func NewContact(addr Address, opts ...ContactOption) Contact {
	var o contactOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !o.hasGUID {
		o.guid = RandomGUID()
	}
	return Contact{Address: addr, GUID: o.guid, IsNAT: o.isNAT}
}

// Same reports whether both contacts denote the same peer.
func (c Contact) Same(other Contact) bool {
	return c.GUID == other.GUID
}

// WithNAT returns a copy with the NAT flag replaced.
func (c Contact) WithNAT(isNAT bool) Contact {
	c.IsNAT = isNAT
	return c
}

// String renders the contact for logs.
func (c Contact) String() string {
	return fmt.Sprintf("%s@%s", c.GUID, c.Address)
}

// ─── Wire form ──────────────────────────────────────────────────────────────

// WireContact is the on-the-wire contact: the GUID travels as a string.
type WireContact struct {
	GUID  string
	IP    string
	Port  int32
	IsNAT bool
}

// ToWire copies the contact into its wire form. GUID 0 is sent as "not_set".
func (c Contact) ToWire() WireContact {
	guid := unsetGUID
	if c.GUID != 0 {
		guid = c.GUID.String()
	}
	return WireContact{
		GUID:  guid,
		IP:    c.Address.Host,
		Port:  int32(c.Address.Port),
		IsNAT: c.IsNAT,
	}
}

// ContactFromWire rebuilds a contact. A missing or "not_set" GUID yields 0,
// which only ever appears on receivers addressed by endpoint.
func ContactFromWire(w WireContact) (Contact, error) {
	c := Contact{
		Address: Address{Host: w.IP, Port: int(w.Port)},
		IsNAT:   w.IsNAT,
	}
	if w.GUID == "" || w.GUID == unsetGUID {
		return c, nil
	}
	g, err := ParseGUID(w.GUID)
	if err != nil {
		return Contact{}, err
	}
	c.GUID = g
	return c, nil
}
