package transport

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func udpPair(t *testing.T) (a, b *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	b, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestSendRecvStreamRoundTrip(t *testing.T) {
	sender, receiver := udpPair(t)
	payload := bytes.Repeat([]byte{0x7a}, MaxPayload*2+3)

	errCh := make(chan error, 1)
	go func() {
		errCh <- SendStream(sender, receiver.LocalAddr(), payload, 200*time.Millisecond)
	}()

	got, err := RecvStream(receiver, sender.LocalAddr(), time.Second)
	if err != nil {
		t.Fatalf("RecvStream: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("SendStream: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round-tripped payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestSendRecvStreamEmptyPayload(t *testing.T) {
	sender, receiver := udpPair(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- SendStream(sender, receiver.LocalAddr(), nil, 200*time.Millisecond)
	}()

	got, err := RecvStream(receiver, sender.LocalAddr(), time.Second)
	if err != nil {
		t.Fatalf("RecvStream: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("SendStream: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d bytes, want 0", len(got))
	}
}

// dropOnceConn drops the first outbound data frame whose sequence
// number is dropSeq, then behaves like a normal net.PacketConn. Used to
// exercise SendStream's retransmit-on-timeout path.
type dropOnceConn struct {
	*net.UDPConn
	dropSeq uint32
	dropped bool
}

func (c *dropOnceConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if !c.dropped {
		f := Classify(b)
		if f.Kind == KindData && f.Seq == c.dropSeq {
			c.dropped = true
			return len(b), nil
		}
	}
	return c.UDPConn.WriteTo(b, addr)
}

func TestSendStreamRetransmitsOnDataLoss(t *testing.T) {
	senderConn, receiver := udpPair(t)
	sender := &dropOnceConn{UDPConn: senderConn, dropSeq: 0}
	payload := []byte("retry-me")

	errCh := make(chan error, 1)
	go func() {
		errCh <- SendStream(sender, receiver.LocalAddr(), payload, 50*time.Millisecond)
	}()

	got, err := RecvStream(receiver, senderConn.LocalAddr(), time.Second)
	if err != nil {
		t.Fatalf("RecvStream: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("SendStream: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
	if !sender.dropped {
		t.Fatal("test did not actually exercise the drop path")
	}
}

func TestRecvStreamDiscardsOutOfOrderData(t *testing.T) {
	sender, receiver := udpPair(t)

	go func() {
		buf := make([]byte, MaxPayload+4)
		// send seq 1 before seq 0: receiver must discard it, not append.
		sender.WriteTo(EncodeData(1, []byte("second")), receiver.LocalAddr())
		ReadFrame(sender, time.Second, buf) // drain the ACK
		sender.WriteTo(EncodeData(0, []byte("first")), receiver.LocalAddr())
		ReadFrame(sender, time.Second, buf)
		sender.WriteTo(EncodeData(1, []byte("second")), receiver.LocalAddr())
		ReadFrame(sender, time.Second, buf)
		sender.WriteTo(EncodeEnd(), receiver.LocalAddr())
	}()

	got, err := RecvStream(receiver, sender.LocalAddr(), time.Second)
	if err != nil {
		t.Fatalf("RecvStream: %v", err)
	}
	if string(got) != "firstsecond" {
		t.Errorf("got %q, want %q", got, "firstsecond")
	}
}
