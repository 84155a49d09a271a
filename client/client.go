// Package client implements leader discovery, the stop-and-wait send
// phase with leader failover, and the reply receive phase described
// in the spec's client component.
package client

import (
	"errors"
	"net"
	"time"

	logging "github.com/op/go-logging"

	"github.com/bdeggleston/nebula/encode"
	"github.com/bdeggleston/nebula/transport"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("client")
}

// ErrLeaderUnavailable is returned when no replica responds to a
// leader-discovery probe, or when MAX_RETRIES consecutive send
// timeouts are followed by a failed re-discovery.
var ErrLeaderUnavailable = errors.New("client: leader unavailable")

// MaxRetries is the number of consecutive send timeouts tolerated
// before the client reruns leader discovery (spec fixes this at 3;
// original source variants used 3 or 5).
const MaxRetries = 3

const (
	discoveryTimeout = 1 * time.Second
	sendAckTimeout   = 2 * time.Second
	recvFrameTimeout = 2 * time.Second
)

// Client discovers the current leader of a fixed replica set, streams
// a payload to it with stop-and-wait reliability and failover, and
// receives the reply stream back.
type Client struct {
	conn     *net.UDPConn
	replicas []string
	leader   string
	decoder  encode.Decoder
}

// New binds an ephemeral local UDP socket and returns a Client that
// will discover its leader among replicaAddrs on first use.
func New(replicaAddrs []string, decoder encode.Decoder) (*Client, error) {
	laddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, replicas: replicaAddrs, decoder: decoder}, nil
}

// Close releases the client's UDP socket.
func (c *Client) Close() error { return c.conn.Close() }

// Discover polls each known replica with a LEADER probe in order and
// returns the leader address named in the first "LEADER <addr>" reply
// (a follower answers with the current leader's address, not its own).
// It fails with ErrLeaderUnavailable if none respond within
// discoveryTimeout each.
func (c *Client) Discover() (string, error) {
	buf := make([]byte, transport.MaxPayload+4)
	for _, addr := range c.replicas {
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			continue
		}
		if _, err := c.conn.WriteTo(transport.EncodeLeaderProbe(), raddr); err != nil {
			continue
		}
		frame, _, err := transport.ReadFrame(c.conn, discoveryTimeout, buf)
		if err != nil {
			continue
		}
		if frame.Kind == transport.KindLeaderReply {
			c.leader = frame.Addr
			return c.leader, nil
		}
	}
	return "", ErrLeaderUnavailable
}

// Send submits payload to the current (or newly discovered) leader
// using stop-and-wait, following NOT_LEADER redirects and rerunning
// discovery after MaxRetries consecutive timeouts. It ends the stream
// with the literal END marker.
func (c *Client) Send(payload []byte) error {
	if c.leader == "" {
		if _, err := c.Discover(); err != nil {
			return err
		}
	}

	buf := make([]byte, transport.MaxPayload+4)
	chunks := transport.Chunks(payload)

chunkLoop:
	for seq, chunk := range chunks {
		frame := transport.EncodeData(uint32(seq), chunk)
		retries := 0
		for {
			dst, err := net.ResolveUDPAddr("udp", c.leader)
			if err != nil {
				return err
			}
			if _, err := c.conn.WriteTo(frame, dst); err != nil {
				return err
			}

			reply, _, err := transport.ReadFrame(c.conn, sendAckTimeout, buf)
			if err != nil {
				retries++
				if retries >= MaxRetries {
					logger.Warningf("client: %d consecutive timeouts, rerunning discovery", retries)
					if _, derr := c.Discover(); derr != nil {
						return ErrLeaderUnavailable
					}
					retries = 0
				}
				continue
			}

			switch {
			case reply.Kind == transport.KindAck && reply.Seq == uint32(seq):
				continue chunkLoop
			case reply.Kind == transport.KindNotLeader:
				logger.Infof("client: redirected to %s", reply.Addr)
				c.leader = reply.Addr
				retries = 0
			default:
				// unrelated reply: retransmit the same chunk
			}
		}
	}

	dst, err := net.ResolveUDPAddr("udp", c.leader)
	if err != nil {
		return err
	}
	_, err = c.conn.WriteTo(transport.EncodeEnd(), dst)
	return err
}

// Receive collects the leader's reply stream (mirroring the leader's
// own reply-phase sender) and decodes it with the client's Decoder.
func (c *Client) Receive() ([]byte, error) {
	dst, err := net.ResolveUDPAddr("udp", c.leader)
	if err != nil {
		return nil, err
	}
	encoded, err := transport.RecvStream(c.conn, dst, recvFrameTimeout)
	if err != nil {
		return nil, err
	}
	return c.decoder.Decode(encoded)
}

// SendImage is the end-to-end client operation: discover (if needed),
// send payload, and return the decoded reply.
func (c *Client) SendImage(payload []byte) ([]byte, error) {
	if err := c.Send(payload); err != nil {
		return nil, err
	}
	return c.Receive()
}
