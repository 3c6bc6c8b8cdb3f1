package protocol

import "fmt"

// Message is one frame of the request/response protocol. AckRequestID is set
// by a sender expecting a response; a response carries the same value in
// AckResponseID together with a status. Zero means "no correlation".
type Message struct {
	OpCode        OpCode
	AckRequestID  int32
	AckResponseID int32
	Status        ResponseStatus
	Payload       []byte
}

// NewMessage builds a plain, correlation-free message.
func NewMessage(op OpCode, payload []byte) *Message {
	return &Message{OpCode: op, Payload: payload}
}

// NewPacketMessage builds a message carrying a serialized packet.
func NewPacketMessage(op OpCode, p Packet) *Message {
	return &Message{OpCode: op, Payload: Pack(p)}
}

// NewInt32Message builds a message whose payload is a single int32.
func NewInt32Message(op OpCode, v int32) *Message {
	w := NewWriter()
	w.WriteInt32(v)
	return &Message{OpCode: op, Payload: w.Bytes()}
}

// Encode produces the wire form of the frame.
func (m *Message) Encode() []byte {
	w := NewWriter()
	w.WriteUint16(uint16(m.OpCode))
	w.WriteInt32(m.AckRequestID)
	w.WriteInt32(m.AckResponseID)
	w.WriteUint8(byte(m.Status))
	w.WriteBytes(m.Payload)
	return w.Bytes()
}

// DecodeMessage parses one frame.
func DecodeMessage(data []byte) (*Message, error) {
	r := NewReader(data)
	m := &Message{
		OpCode:        OpCode(r.ReadUint16()),
		AckRequestID:  r.ReadInt32(),
		AckResponseID: r.ReadInt32(),
		Status:        ResponseStatus(r.ReadUint8()),
		Payload:       r.ReadBytes(),
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decoding message frame: %w", err)
	}
	return m, nil
}

// AsInt32 interprets the payload as a single int32.
func (m *Message) AsInt32() (int32, error) {
	r := NewReader(m.Payload)
	v := r.ReadInt32()
	return v, r.Err()
}

// AsString interprets the payload as raw text, falling back when empty.
func (m *Message) AsString(fallback string) string {
	if len(m.Payload) == 0 {
		return fallback
	}
	return string(m.Payload)
}
