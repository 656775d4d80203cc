// Package election implements the Bully leader-election protocol: startup
// discovery via HELLO/HELLO_ACK, challenge of higher PIDs via
// ELECTION/OK, and leadership announcement via LEADER. Leadership goes to
// the live peer with the highest PID. Round numbers ride along with
// HELLO_ACK and LEADER, and a peer adopting a leader also adopts its round
// when that round is higher; ELECTION and OK carry no round, so a newly
// elected leader announces its own round.
package election

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bergadano/quorumd/internal/config"
	"github.com/bergadano/quorumd/internal/protocol"
)

// Role is the election state of a peer.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

const noLeader = -1

// Sender publishes an envelope on the shared multicast group.
type Sender func(protocol.Envelope) error

// Engine runs the Bully state machine for one peer. All mutating methods
// are safe for concurrent use; callers (the Node Controller's dispatch
// loop) invoke HandleX methods as messages are decoded.
type Engine struct {
	mu sync.Mutex

	pid    int
	role   Role
	leader int
	round  int

	tunables config.Tunables
	send     Sender
	log      *logrus.Entry

	electionSeq   int
	sawHigherOK   bool
	helloResolved bool

	onBecomeLeader   func()
	onBecomeFollower func(leader int)
}

// New builds an election Engine. onBecomeLeader is invoked when this peer
// wins an election; onBecomeFollower is invoked whenever a leader (self
// excluded) is adopted, whether from HELLO_ACK or LEADER.
func New(pid int, tunables config.Tunables, send Sender, log *logrus.Entry, onBecomeLeader func(), onBecomeFollower func(leader int)) *Engine {
	return &Engine{
		pid:              pid,
		role:             Follower,
		leader:           noLeader,
		tunables:         tunables,
		send:             send,
		log:              log,
		onBecomeLeader:   onBecomeLeader,
		onBecomeFollower: onBecomeFollower,
	}
}

// Role reports the engine's current role.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// KnownLeader reports the currently adopted leader PID, or false if none.
func (e *Engine) KnownLeader() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leader == noLeader {
		return 0, false
	}
	return e.leader, true
}

// Round reports the locally held round number.
func (e *Engine) Round() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

// AdvanceRound sets the locally held round number if r is greater, used by
// the consensus engine to keep election and consensus round views aligned.
func (e *Engine) AdvanceRound(r int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r > e.round {
		e.round = r
	}
}

// Start performs startup discovery: broadcast HELLO, then wait HelloTimeout
// for a HELLO_ACK before starting an election.
func (e *Engine) Start() {
	e.mu.Lock()
	seq := e.electionSeq
	e.mu.Unlock()

	_ = e.send(protocol.New(protocol.Hello, e.pid, nil))
	time.AfterFunc(e.tunables.HelloTimeout, func() { e.onHelloTimeout(seq) })
}

func (e *Engine) onHelloTimeout(seq int) {
	e.mu.Lock()
	if seq != e.electionSeq || e.helloResolved {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.startElection()
}

// HandleHello replies with HELLO_ACK if this peer currently believes itself
// (or a known leader) to be established.
func (e *Engine) HandleHello(from int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if from == e.pid {
		return
	}
	if e.role == Leader {
		_ = e.send(protocol.New(protocol.HelloAck, e.pid, map[string]any{"leader": e.pid, "round": e.round}))
		return
	}
	if e.leader != noLeader {
		_ = e.send(protocol.New(protocol.HelloAck, e.pid, map[string]any{"leader": e.leader, "round": e.round}))
	}
}

// HandleHelloAck adopts the announced leader and round on startup. Per the
// design notes, a sitting leader wins over preemption by a higher-PID
// newcomer: acceptance here simply cancels this peer's own startup timer.
func (e *Engine) HandleHelloAck(leaderPID, round int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.helloResolved {
		return
	}
	e.helloResolved = true
	e.electionSeq++
	e.adoptLeaderLocked(leaderPID, round)
}

// HandleElection replies OK to a lower challenger and starts its own
// candidacy in response: a peer that outranks the challenger both yields an
// OK and immediately contests for leadership itself.
func (e *Engine) HandleElection(from int) {
	e.mu.Lock()
	if from == e.pid {
		e.mu.Unlock()
		return
	}
	e.helloResolved = true
	shouldChallenge := from < e.pid
	e.mu.Unlock()

	if shouldChallenge {
		_ = e.send(protocol.New(protocol.OK, e.pid, nil))
		e.startElection()
	}
}

// HandleOK records that a higher PID is contesting; the candidate yields
// and waits for that peer's LEADER announcement.
func (e *Engine) HandleOK(from int) {
	e.mu.Lock()
	if from <= e.pid || e.role != Candidate {
		e.mu.Unlock()
		return
	}
	e.sawHigherOK = true
	e.role = Follower
	seq := e.electionSeq
	e.mu.Unlock()

	e.log.Debugf("yielding to higher pid %d, awaiting leader announcement", from)
	time.AfterFunc(e.tunables.BullyTimeout, func() { e.onAwaitLeaderTimeout(seq) })
}

func (e *Engine) onAwaitLeaderTimeout(seq int) {
	e.mu.Lock()
	if seq != e.electionSeq || e.role == Leader {
		e.mu.Unlock()
		return
	}
	if e.leader != noLeader {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.log.Debug("no leader announcement arrived, restarting candidacy")
	e.startElection()
}

// HandleLeader adopts an announced leader unless a higher-PID leader is
// already known.
func (e *Engine) HandleLeader(from, round int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if from == e.pid {
		return
	}
	e.helloResolved = true
	if e.leader != noLeader && e.leader > from {
		return
	}
	e.electionSeq++
	e.adoptLeaderLocked(from, round)
}

// adoptLeaderLocked must be called with mu held.
func (e *Engine) adoptLeaderLocked(leaderPID, round int) {
	if round > e.round {
		e.round = round
	}
	if e.leader == leaderPID && e.role == Follower {
		return // idempotent: no churn on repeat announcements
	}
	e.leader = leaderPID
	e.role = Follower
	e.log.WithField("leader", leaderPID).Info("adopted leader")
	if e.onBecomeFollower != nil {
		go e.onBecomeFollower(leaderPID)
	}
}

// StartElectionNow forces a fresh candidacy, used when the failure detector
// observes the known leader has gone quiet.
func (e *Engine) StartElectionNow() {
	e.mu.Lock()
	e.leader = noLeader
	e.mu.Unlock()
	e.startElection()
}

func (e *Engine) startElection() {
	e.mu.Lock()
	e.role = Candidate
	e.sawHigherOK = false
	e.helloResolved = true
	e.electionSeq++
	seq := e.electionSeq
	e.mu.Unlock()

	e.log.Info("starting election")
	_ = e.send(protocol.New(protocol.Election, e.pid, nil))
	time.AfterFunc(e.tunables.BullyTimeout, func() { e.onBullyTimeout(seq) })
}

func (e *Engine) onBullyTimeout(seq int) {
	e.mu.Lock()
	if seq != e.electionSeq || e.role != Candidate {
		e.mu.Unlock()
		return
	}
	if e.sawHigherOK {
		e.mu.Unlock()
		return
	}
	e.role = Leader
	e.leader = e.pid
	round := e.round
	e.mu.Unlock()

	e.log.Info("won election, announcing leadership")
	_ = e.send(protocol.New(protocol.Leader, e.pid, map[string]any{"pid": e.pid, "round": round}))
	if e.onBecomeLeader != nil {
		go e.onBecomeLeader()
	}
}
