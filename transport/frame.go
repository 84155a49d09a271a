// Package transport implements the wire framing and stop-and-wait
// reliable-delivery discipline that sits on top of a connectionless
// UDP socket. It has no notion of leadership or cluster membership;
// replica and client drive it.
package transport

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// MaxPayload is the largest payload a single data frame may carry.
const MaxPayload = 1020

const (
	tokenLeaderProbe = "LEADER"
	tokenEnd         = "END"
	prefixLeader     = "LEADER "
	prefixNotLeader  = "NOT_LEADER "
)

// Kind discriminates the frame shapes on the wire, per the spec's
// disambiguation rule: control-token prefix match first, then length.
type Kind int

const (
	KindMalformed Kind = iota
	KindLeaderProbe
	KindLeaderReply
	KindNotLeader
	KindEnd
	KindAck
	KindData
)

// Frame is a decoded datagram. Only the fields relevant to Kind are
// populated.
type Frame struct {
	Kind    Kind
	Addr    string // for KindLeaderReply / KindNotLeader
	Seq     uint32 // for KindAck / KindData
	Payload []byte // for KindData
}

// Classify decodes a raw datagram per the spec's disambiguation
// order: prefix match on control tokens; len==4 -> ACK; len>=4 -> data
// frame; anything else is malformed.
func Classify(b []byte) Frame {
	s := string(b)
	switch {
	case s == tokenLeaderProbe:
		return Frame{Kind: KindLeaderProbe}
	case strings.HasPrefix(s, prefixLeader):
		return Frame{Kind: KindLeaderReply, Addr: strings.TrimPrefix(s, prefixLeader)}
	case strings.HasPrefix(s, prefixNotLeader):
		return Frame{Kind: KindNotLeader, Addr: strings.TrimPrefix(s, prefixNotLeader)}
	case s == tokenEnd:
		return Frame{Kind: KindEnd}
	case len(b) == 4:
		return Frame{Kind: KindAck, Seq: binary.BigEndian.Uint32(b)}
	case len(b) > 4:
		return Frame{
			Kind:    KindData,
			Seq:     binary.BigEndian.Uint32(b[:4]),
			Payload: append([]byte(nil), b[4:]...),
		}
	default:
		return Frame{Kind: KindMalformed}
	}
}

// EncodeData builds a data-frame datagram: a 4-byte big-endian
// sequence number followed by payload. payload must be <= MaxPayload
// bytes.
func EncodeData(seq uint32, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, seq)
	copy(buf[4:], payload)
	return buf
}

// EncodeAck builds a bare 4-byte ACK datagram echoing seq.
func EncodeAck(seq uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, seq)
	return buf
}

// EncodeEnd returns the literal end-of-stream marker.
func EncodeEnd() []byte { return []byte(tokenEnd) }

// EncodeLeaderProbe returns the literal leader-discovery probe.
func EncodeLeaderProbe() []byte { return []byte(tokenLeaderProbe) }

// EncodeLeaderReply returns "LEADER <addr>".
func EncodeLeaderReply(addr string) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixLeader, addr))
}

// EncodeNotLeader returns "NOT_LEADER <addr>".
func EncodeNotLeader(addr string) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixNotLeader, addr))
}

// Chunks splits payload into pieces of at most MaxPayload bytes each,
// preserving order. A zero-length payload yields zero chunks (the
// caller still sends a trailing END).
func Chunks(payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(payload)+MaxPayload-1)/MaxPayload)
	for len(payload) > 0 {
		n := MaxPayload
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}
