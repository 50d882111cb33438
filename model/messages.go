package model

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/getlantern/errors"
	"github.com/getlantern/msgpack"
)

const (
	LatestVersion = 1
)

const (
	TypeError       = 1
	TypeDiscover    = 2
	TypeDiscovered  = 3
	TypeSlotRequest = 4
	TypeSlot        = 5
)

// Protocol identifiers surfaced in discovery descriptors.
const (
	NSUpload    = "urn:xmpp:http:upload:0"
	NSDiscoInfo = "http://jabber.org/protocol/disco#info"

	IdentityCategory = "store"
	IdentityType     = "file"

	FieldFormType    = "FORM_TYPE"
	FieldMaxFileSize = "max-file-size"
)

var (
	enc = binary.LittleEndian // typical byte order for most CPU architectures
)

type Version uint8

type Sequence uint32

type Type uint8

const headerLength = 10

// Message is a message encoded as follows:
//
//   +---------+----------+------+----------------+--------------+
//   | Version | Sequence | Type | Payload Length |    Payload   |
//   +---------+----------+------+----------------+--------------+
//   |    1    |     4    |  1   |        4       | <=4294967296 |
//   +---------+----------+------+----------------+--------------+
//
// All multi-byte numeric values are encoded in Little Endian byte order.
//
// Replies carry the sequence number of the message they answer, so a sender
// can correlate them without additional bookkeeping.
type Message []byte

// Parse checks the framing of raw inbound bytes and returns them as a
// Message. Bytes too short to hold a header, or whose declared payload length
// disagrees with what was actually received, are rejected here so that
// malformed input never panics the accessors.
func Parse(b []byte) (Message, error) {
	if len(b) < headerLength {
		return nil, errors.New("message of %d bytes is too short", len(b))
	}
	msg := Message(b)
	if msg.PayloadLength() != len(b)-headerLength {
		return nil, errors.New("message declares %d payload bytes but carries %d", msg.PayloadLength(), len(b)-headerLength)
	}
	return msg, nil
}

func (msg Message) Version() Version {
	return Version(msg[0])
}

func (msg Message) Sequence() Sequence {
	return Sequence(enc.Uint32(msg[1:]))
}

func (msg Message) SetSequence(sequence Sequence) {
	enc.PutUint32(msg[1:], uint32(sequence))
}

func (msg Message) Type() Type {
	return Type(msg[5])
}

func (msg Message) PayloadLength() int {
	return int(enc.Uint32(msg[6:]))
}

func (msg Message) Payload() []byte {
	return msg[headerLength : headerLength+msg.PayloadLength()]
}

type MessageBuilder struct {
	seq uint32
}

// NewMessage constructs a new message
func (b *MessageBuilder) NewMessage(msgType Type, payload []byte) Message {
	payloadLength := len(payload)
	msg := make(Message, headerLength+payloadLength)
	msg[0] = byte(LatestVersion)
	b.AttachNextSequence(msg)
	msg[5] = byte(msgType)
	enc.PutUint32(msg[6:], uint32(payloadLength))
	copy(msg[headerLength:], payload)
	return msg
}

// AttachNextSequence attaches the next sequence number to the given message
func (b *MessageBuilder) AttachNextSequence(msg Message) {
	msg.SetSequence(Sequence(atomic.AddUint32(&b.seq, 1)))
}

func (b *MessageBuilder) newMessagePacked(msgType Type, msg interface{}) (Message, error) {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return b.NewMessage(msgType, payload), nil
}

// Discover is a message that a client sends to ask an endpoint what it
// offers. It is encoded with MessagePack.
type Discover struct {
	// The endpoint address being queried
	To string
	// The requester's preferred language for human-readable text
	Language string
}

func (msg Message) Discover() (*Discover, error) {
	result := &Discover{}
	err := msgpack.Unmarshal(msg.Payload(), result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *MessageBuilder) NewDiscover(msg *Discover) (Message, error) {
	return b.newMessagePacked(TypeDiscover, msg)
}

// DiscoIdentity names what kind of service an endpoint is.
type DiscoIdentity struct {
	Category string
	Type     string
	Name     string
}

// DiscoField is a single var/value pair in a descriptor's extension form.
type DiscoField struct {
	Var   string
	Value string
}

// Discovered is the capability descriptor an endpoint answers a Discover
// with. It is encoded with MessagePack.
type Discovered struct {
	Identities []DiscoIdentity
	Features   []string
	Fields     []DiscoField
}

func (msg Message) Discovered() (*Discovered, error) {
	result := &Discovered{}
	err := msgpack.Unmarshal(msg.Payload(), result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *MessageBuilder) NewDiscovered(msg *Discovered) (Message, error) {
	return b.newMessagePacked(TypeDiscovered, msg)
}

// SlotRequest is a message that a client sends to request an upload slot for
// a single file. It is encoded with MessagePack.
type SlotRequest struct {
	// The endpoint address the request is directed at
	To string
	// The name of the file the client intends to upload
	Filename string
	// The declared size of the file in bytes
	Size uint64
	// The declared media type of the file
	ContentType string
	// The requester's preferred language for human-readable text
	Language string
}

func (msg Message) SlotRequest() (*SlotRequest, error) {
	result := &SlotRequest{}
	err := msgpack.Unmarshal(msg.Payload(), result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *MessageBuilder) NewSlotRequest(msg *SlotRequest) (Message, error) {
	return b.newMessagePacked(TypeSlotRequest, msg)
}

// Slot is the successful answer to a SlotRequest. It is encoded with
// MessagePack.
type Slot struct {
	// The signed URL the file may be PUT to until ExpiresAt
	PutURL string
	// The stable, unsigned URL the file can later be fetched from
	GetURL string
	// When the PUT URL stops working, in milliseconds since the UNIX epoch
	ExpiresAt int64
}

func (msg Message) Slot() (*Slot, error) {
	result := &Slot{}
	err := msgpack.Unmarshal(msg.Payload(), result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *MessageBuilder) NewSlot(msg *Slot) (Message, error) {
	return b.newMessagePacked(TypeSlot, msg)
}
