package transport

import (
	"errors"
	"net"
	"time"

	logging "github.com/op/go-logging"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("transport")
}

// ErrMalformedFrame names the error kind for a datagram that is
// shorter than a minimal frame and matches no control token. No
// function in this package returns it: ReadFrame reports such a
// datagram as a KindMalformed frame, which callers log and skip.
var ErrMalformedFrame = errors.New("transport: malformed frame")

// ReadFrame blocks for up to timeout waiting for one datagram on
// conn, decodes it, and returns it along with the sender's address.
// A read timeout is returned unwrapped so callers can check
// (net.Error).Timeout().
func ReadFrame(conn net.PacketConn, timeout time.Duration, buf []byte) (Frame, net.Addr, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Frame{}, nil, err
	}
	n, addr, err := conn.ReadFrom(buf)
	if err != nil {
		return Frame{}, addr, err
	}
	return Classify(buf[:n]), addr, nil
}

// isTimeout reports whether err is a network read/write deadline
// expiry, as opposed to some other socket error.
func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// SendStream reliably delivers payload to dst over conn using
// stop-and-wait: for each chunk, send, wait up to ackTimeout for the
// matching ACK, and resend on timeout or mismatch. It retries forever
// on timeout (there is no sender-side retry limit on this side of the
// wire; the client applies its own MAX_RETRIES before abandoning a
// leader). After the final chunk, it sends the literal END marker.
func SendStream(conn net.PacketConn, dst net.Addr, payload []byte, ackTimeout time.Duration) error {
	buf := make([]byte, MaxPayload+4)
	for seq, chunk := range Chunks(payload) {
		frame := EncodeData(uint32(seq), chunk)
		for {
			if _, err := conn.WriteTo(frame, dst); err != nil {
				return err
			}
			reply, _, err := ReadFrame(conn, ackTimeout, buf)
			if err != nil {
				if isTimeout(err) {
					logger.Debugf("ack timeout for seq %d, retransmitting", seq)
					continue
				}
				return err
			}
			if reply.Kind == KindAck && reply.Seq == uint32(seq) {
				break
			}
			logger.Debugf("unexpected reply while awaiting ack for seq %d, retransmitting", seq)
		}
	}
	_, err := conn.WriteTo(EncodeEnd(), dst)
	return err
}

// RecvStream reliably receives a stream of data frames from peer over
// conn: it ACKs every data frame it sees (even duplicates or
// out-of-order ones, so the sender can make progress), appends
// in-order payloads, and stops at END. frameTimeout bounds how long it
// waits for each datagram; a timeout aborts the receive with the
// timeout error.
func RecvStream(conn net.PacketConn, peer net.Addr, frameTimeout time.Duration) ([]byte, error) {
	buf := make([]byte, MaxPayload+4)
	var received []byte
	var expected uint32
	for {
		frame, _, err := ReadFrame(conn, frameTimeout, buf)
		if err != nil {
			return nil, err
		}
		switch frame.Kind {
		case KindEnd:
			return received, nil
		case KindData:
			if frame.Seq == expected {
				received = append(received, frame.Payload...)
				expected++
			} else {
				logger.Debugf("out-of-order frame from %v: expected %d, got %d", peer, expected, frame.Seq)
			}
			if _, err := conn.WriteTo(EncodeAck(frame.Seq), peer); err != nil {
				return nil, err
			}
		default:
			logger.Debugf("unexpected frame kind %v while receiving stream from %v", frame.Kind, peer)
		}
	}
}
