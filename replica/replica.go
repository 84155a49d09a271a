// Package replica owns a replica's UDP endpoint and dispatches
// inbound frames by role: the current leader enters request-serving
// mode, everyone else answers leader-discovery probes only.
package replica

import (
	"context"
	"errors"
	"net"
	"time"

	logging "github.com/op/go-logging"

	"github.com/bdeggleston/nebula/cluster"
	"github.com/bdeggleston/nebula/encode"
	"github.com/bdeggleston/nebula/topology"
	"github.com/bdeggleston/nebula/transport"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("replica")
}

// ErrEncodeFailed is surfaced when the encode collaborator fails; the
// request is abandoned and the client connection goes cold.
var ErrEncodeFailed = encode.ErrEncodeFailed

// downPollInterval is how often a DOWN replica checks whether it has
// recovered. idleReadTimeout bounds each datagram read so the
// dispatch loop can periodically re-check role/liveness and ctx
// cancellation.
const (
	downPollInterval   = 200 * time.Millisecond
	idleReadTimeout    = 1 * time.Second
	requestReadTimeout = 5 * time.Second
	leaderAckTimeout   = 1 * time.Second
)

// Replica owns the UDP endpoint bound to its deterministic address
// and runs the main dispatch loop.
type Replica struct {
	ID          topology.ID
	conn        *net.UDPConn
	state       *cluster.State
	carrierPath string
	encoder     encode.Encoder
}

// New binds the replica's deterministic UDP endpoint and returns a
// Replica ready to Run.
func New(id topology.ID, state *cluster.State, carrierPath string, encoder encode.Encoder) (*Replica, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", topology.Addr(id))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return NewWithConn(id, conn, state, carrierPath, encoder), nil
}

// NewWithConn builds a Replica around an already-bound UDP socket,
// letting tests bind an ephemeral address instead of the deterministic
// production endpoint.
func NewWithConn(id topology.ID, conn *net.UDPConn, state *cluster.State, carrierPath string, encoder encode.Encoder) *Replica {
	return &Replica{ID: id, conn: conn, state: state, carrierPath: carrierPath, encoder: encoder}
}

// Close releases the UDP endpoint.
func (r *Replica) Close() error { return r.conn.Close() }

// Run executes the dispatch loop until ctx is canceled: a DOWN
// replica sleeps and polls, the leader serves requests, everyone else
// answers discovery probes only.
func (r *Replica) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !r.state.IsUp(r.ID) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(downPollInterval):
			}
			continue
		}

		var err error
		if r.state.IsLeader(r.ID) {
			err = r.serveLeaderOnce(ctx)
		} else {
			err = r.serveFollowerOnce(ctx)
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.Errorf("replica %d socket error: %v", r.ID, err)
			continue
		}
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// serveFollowerOnce implements §4.4: respond to a probe with the
// current leader's address; respond to anything else with a redirect.
func (r *Replica) serveFollowerOnce(ctx context.Context) error {
	buf := make([]byte, transport.MaxPayload+4)
	frame, addr, err := transport.ReadFrame(r.conn, idleReadTimeout, buf)
	if err != nil {
		return err
	}
	leaderAddr := topology.Addr(r.state.Leader())
	if frame.Kind == transport.KindLeaderProbe {
		_, err = r.conn.WriteTo(transport.EncodeLeaderReply(leaderAddr), addr)
		return err
	}
	_, err = r.conn.WriteTo(transport.EncodeNotLeader(leaderAddr), addr)
	return err
}

// serveLeaderOnce implements §4.3: wait for the first valid frame of
// a new request (answering stray discovery probes and logging
// malformed input while idle), then receive, encode, and reply. Per
// spec.md §8's zero-byte-payload boundary case (original_source/
// working_server.rs:131-152 sets in-progress and captures
// client_addr on the first received datagram before checking whether
// it's END), an END received here is itself a valid request start: a
// client that sends only END is requesting an encode of an empty
// payload, not a malformed stream.
func (r *Replica) serveLeaderOnce(ctx context.Context) error {
	buf := make([]byte, transport.MaxPayload+4)

	var (
		frame transport.Frame
		addr  net.Addr
		err   error
	)
	for {
		frame, addr, err = transport.ReadFrame(r.conn, idleReadTimeout, buf)
		if err != nil {
			return err
		}
		switch frame.Kind {
		case transport.KindLeaderProbe:
			if _, err := r.conn.WriteTo(transport.EncodeLeaderReply(topology.Addr(r.ID)), addr); err != nil {
				return err
			}
			continue
		case transport.KindMalformed:
			logger.Warningf("replica %d received malformed frame from %v", r.ID, addr)
			continue
		case transport.KindData, transport.KindEnd:
			// first valid frame of a new request: a data frame starts
			// a normal request, an END starts a zero-byte request.
		default:
			logger.Warningf("replica %d received unexpected frame kind %v from %v", r.ID, frame.Kind, addr)
			continue
		}
		break
	}

	clientAddr := addr
	clientKey := clientAddr.String()
	r.state.SetInProgress(r.ID, true)
	r.state.InitExpectedSeq(clientKey)
	started := time.Now()

	var payload []byte
	if frame.Kind == transport.KindEnd {
		r.state.ClearExpectedSeq(clientKey)
	} else {
		payload, err = r.receiveRequest(clientAddr, clientKey, frame)
		if err != nil {
			r.state.SetInProgress(r.ID, false)
			r.state.ClearExpectedSeq(clientKey)
			return err
		}
		r.state.ClearExpectedSeq(clientKey)
	}

	r.state.SetInProgress(r.ID, false)

	reply, err := r.encoder.Encode(payload, r.carrierPath)
	if err != nil {
		logger.Errorf("replica %d encode failed for %v: %v", r.ID, clientAddr, err)
		return nil
	}

	if err := transport.SendStream(r.conn, clientAddr, reply, leaderAckTimeout); err != nil {
		return err
	}
	r.state.RecordRequestComplete(time.Since(started))
	return nil
}

// receiveRequest drives the leader's receive loop for one request: it
// folds the already-read first frame in, then keeps receiving data
// frames (ACKing every one, appending only in-order payload) until
// END, while still answering stray discovery probes from other peers.
func (r *Replica) receiveRequest(clientAddr net.Addr, clientKey string, first transport.Frame) ([]byte, error) {
	buf := make([]byte, transport.MaxPayload+4)
	var payload []byte

	accept := func(f transport.Frame) error {
		expected, _ := r.state.ExpectedSeq(clientKey)
		if f.Seq == expected {
			payload = append(payload, f.Payload...)
			r.state.AdvanceExpectedSeq(clientKey)
		} else {
			logger.Debugf("replica %d discarding out-of-order seq %d (expected %d) from %v", r.ID, f.Seq, expected, clientAddr)
		}
		_, err := r.conn.WriteTo(transport.EncodeAck(f.Seq), clientAddr)
		return err
	}

	if err := accept(first); err != nil {
		return nil, err
	}

	for {
		frame, addr, err := transport.ReadFrame(r.conn, requestReadTimeout, buf)
		if err != nil {
			return nil, err
		}
		switch frame.Kind {
		case transport.KindEnd:
			return payload, nil
		case transport.KindData:
			if err := accept(frame); err != nil {
				return nil, err
			}
		case transport.KindLeaderProbe:
			if _, err := r.conn.WriteTo(transport.EncodeLeaderReply(topology.Addr(r.ID)), addr); err != nil {
				return nil, err
			}
		case transport.KindMalformed:
			logger.Warningf("replica %d received malformed frame from %v mid-request", r.ID, addr)
		default:
			logger.Warningf("replica %d received unexpected frame kind %v mid-request", r.ID, frame.Kind)
		}
	}
}
