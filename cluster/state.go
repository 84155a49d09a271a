// Package cluster holds the process-wide coordination state shared by
// every goroutine in the replica set: liveness, leadership,
// in-progress flags, and per-client sequencing. All three replicas in
// a deployment share a single State (spec.md §3: "process-wide,
// shared by all tasks"; mirrored in original_source/working_server.rs,
// where every simulated server task closes over the same
// Arc<Mutex<...>> maps). It runs the failure-injection and
// leader-rotation background loops described in the coordination core,
// one pair of loops per replica ID, all guarded by the same lock.
package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"github.com/bdeggleston/nebula/topology"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("cluster")
}

// Config tunes the background loops. Zero-value Config is not usable;
// use DefaultConfig.
type Config struct {
	// FailureCheckInterval is how often the failure-injection loop
	// wakes up to consider failing.
	FailureCheckInterval time.Duration
	// FailureProbability is the chance, per wakeup, that a healthy
	// replica attempts to fail.
	FailureProbability float64
	// OutageDuration is how long a replica stays DOWN once it fails.
	OutageDuration time.Duration
	// RotationInterval is how often the rotation loop considers
	// handing off leadership.
	RotationInterval time.Duration
	// RotationDeferInterval is how long rotation waits before
	// retrying when the current leader is in progress.
	RotationDeferInterval time.Duration
}

// DefaultConfig matches the baseline intervals in the spec: a ~10s
// failure/rotation cadence, p=0.05 failure probability, ~15s outages.
func DefaultConfig() Config {
	return Config{
		FailureCheckInterval:  10 * time.Second,
		FailureProbability:    0.05,
		OutageDuration:        15 * time.Second,
		RotationInterval:      10 * time.Second,
		RotationDeferInterval: 2 * time.Second,
	}
}

// State is the mutex-guarded cluster-wide view every replica goroutine
// in the process shares. All fields named in spec.md §3 (status,
// leader, in_progress, down_count, expected_seq) live here behind one
// composite lock; no datagram I/O is ever performed while it is held
// (spec.md §9, invariant I6).
type State struct {
	mu sync.RWMutex

	cfg Config

	status      map[topology.ID]topology.Status
	leader      topology.ID
	inProgress  map[topology.ID]bool
	downCount   int
	expectedSeq map[string]uint32

	stats statsd.Statter
	rnd   *rand.Rand
}

// New creates cluster state shared by every replica in the process.
// stats may be nil, in which case a no-op statsd client is used so
// callers never need to nil-check it.
func New(cfg Config, stats statsd.Statter) *State {
	if stats == nil {
		stats, _ = statsd.NewNoopClient()
	}
	status := make(map[topology.ID]topology.Status, topology.N)
	for _, id := range topology.AllIDs() {
		status[id] = topology.Up
	}
	return &State{
		cfg:         cfg,
		status:      status,
		leader:      1,
		inProgress:  make(map[topology.ID]bool, topology.N),
		expectedSeq: make(map[string]uint32),
		stats:       stats,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Status returns the current liveness view of id.
func (s *State) Status(id topology.ID) topology.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[id]
}

// IsUp is a convenience wrapper around Status.
func (s *State) IsUp(id topology.ID) bool {
	return s.Status(id) == topology.Up
}

// Leader returns the replica currently believed to be leader.
func (s *State) Leader() topology.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader
}

// IsLeader reports whether id is the believed leader.
func (s *State) IsLeader(id topology.ID) bool {
	return s.Leader() == id
}

// InProgress reports whether id is actively serving a request.
func (s *State) InProgress(id topology.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inProgress[id]
}

// SetInProgress marks id's in-progress flag. Invariant I5: the
// failure-injection loop consults this before marking a replica DOWN.
func (s *State) SetInProgress(id topology.ID, v bool) {
	s.mu.Lock()
	s.inProgress[id] = v
	s.mu.Unlock()
}

// DownCount returns the number of replicas currently marked DOWN.
func (s *State) DownCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.downCount
}

// ExpectedSeq returns the next expected sequence number for
// clientKey, and whether it has been initialized yet.
func (s *State) ExpectedSeq(clientKey string) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.expectedSeq[clientKey]
	return seq, ok
}

// InitExpectedSeq initializes clientKey's expected sequence to 0 if
// it isn't already present.
func (s *State) InitExpectedSeq(clientKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.expectedSeq[clientKey]; !ok {
		s.expectedSeq[clientKey] = 0
	}
}

// AdvanceExpectedSeq increments clientKey's expected sequence number,
// used after an in-order data frame is accepted.
func (s *State) AdvanceExpectedSeq(clientKey string) {
	s.mu.Lock()
	s.expectedSeq[clientKey]++
	s.mu.Unlock()
}

// ClearExpectedSeq erases clientKey's sequencing state, on END or when
// a request is abandoned. Leader handover clears every client's state
// through clearAllExpectedSeq instead.
func (s *State) ClearExpectedSeq(clientKey string) {
	s.mu.Lock()
	delete(s.expectedSeq, clientKey)
	s.mu.Unlock()
}

// clearAllExpectedSeq wipes every client's sequencing state. Called on
// leader handover: a new leader must not honor stale counters.
func (s *State) clearAllExpectedSeq() {
	s.mu.Lock()
	s.expectedSeq = make(map[string]uint32)
	s.mu.Unlock()
}

// RunFailureInjection runs the failure-injection loop for replica
// self until ctx is canceled. One instance is started per replica;
// all instances share this same State (mirroring
// original_source/working_server.rs's per-server
// fault_tolerance_thread, which closes over one shared status map).
func (s *State) RunFailureInjection(ctx context.Context, self topology.ID) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.FailureCheckInterval):
		}

		if !s.attemptFailure(self) {
			continue
		}

		logger.Warningf("replica %d simulating failure", self)
		s.stats.Inc("nebula.failure.start", 1, 1.0)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.OutageDuration):
		}

		s.mu.Lock()
		s.status[self] = topology.Up
		s.downCount--
		s.mu.Unlock()
		logger.Infof("replica %d recovered", self)
		s.stats.Inc("nebula.failure.end", 1, 1.0)
	}
}

// attemptFailure evaluates one failure-injection decision under lock
// and mutates status/downCount on acceptance. It never performs I/O
// while holding the lock.
func (s *State) attemptFailure(self topology.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rnd.Float64() >= s.cfg.FailureProbability {
		return false
	}
	if s.downCount >= 1 {
		// at-most-one-down: another replica is already down.
		return false
	}
	if s.inProgress[self] {
		// never fail a replica actively serving a request.
		return false
	}

	s.status[self] = topology.Down
	s.downCount++
	return true
}

// RunRotation runs the leader-rotation loop for replica self until ctx
// is canceled. Only the instance whose self equals the current leader
// ever acts; the rest are no-ops each tick, mirroring
// original_source/working_server.rs's load_balancing_thread (every
// server_id runs one, but only the leader's does anything).
func (s *State) RunRotation(ctx context.Context, self topology.ID) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RotationInterval):
		}
		s.rotateOnce(ctx, self)
	}
}

// rotateOnce performs a single rotation attempt for self, deferring
// (via a short sleep/retry) while self is in progress.
func (s *State) rotateOnce(ctx context.Context, self topology.ID) {
	for {
		s.mu.Lock()
		if s.leader != self {
			s.mu.Unlock()
			return
		}
		if s.inProgress[self] {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.RotationDeferInterval):
			}
			continue
		}

		next := s.nextLeaderLocked()
		changed := next != s.leader
		s.leader = next
		s.mu.Unlock()

		if changed {
			s.clearAllExpectedSeq()
			logger.Infof("replica %d rotated leadership to %d", self, next)
			s.stats.Inc("nebula.rotation", 1, 1.0)
		}
		return
	}
}

// nextLeaderLocked scans IDs starting from (leader mod N) + 1,
// wrapping, and returns the first UP ID that isn't the current
// leader. Caller must hold s.mu. If no other replica is UP, the
// current leader is retained.
func (s *State) nextLeaderLocked() topology.ID {
	current := s.leader
	candidate := topology.Next(current)
	for i := 0; i < topology.N; i++ {
		if candidate != current && s.status[candidate] == topology.Up {
			return candidate
		}
		candidate = topology.Next(candidate)
	}
	return current
}

// RecordRequestComplete emits the request-completion metric used by
// operators to watch throughput; called by replica once a reply
// stream finishes.
func (s *State) RecordRequestComplete(d time.Duration) {
	s.stats.Inc("nebula.request.complete", 1, 1.0)
	s.stats.TimingDuration("nebula.request.duration", d, 1.0)
}
