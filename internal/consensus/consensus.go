// Package consensus implements the leader-driven periodic majority round:
// round-number reconciliation, START, VALUE collection, RESPONSE
// collection, and majority commit. State is kept entirely in memory and
// lost on restart; there is no durable log across rounds.
package consensus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bergadano/quorumd/internal/config"
	"github.com/bergadano/quorumd/internal/protocol"
)

// Sender publishes an envelope on the shared multicast group.
type Sender func(protocol.Envelope) error

// ValueSupplier computes the value a peer contributes for a given round.
// The default supplier returns the peer's own PID, which keeps behavior
// deterministic for tests; real deployments may inject a different source.
type ValueSupplier func(peer, round int) int

// DefaultValueSupplier returns the peer's PID as its value.
func DefaultValueSupplier(peer, round int) int { return peer }

// Outcome records one resolved round for introspection. History is kept
// purely in memory — it is lost on restart, like every other piece of
// state the controller owns.
type Outcome struct {
	Round        int
	Committed    bool
	Value        int
	Participants int
}

type phase int

const (
	idle phase = iota
	querying
	queryDone
	starting
	valuesOpen
	responsesOpen
)

// roundBuffer tracks the per-round bookkeeping every peer (leader included)
// needs to compute and emit its own VALUE/RESPONSE.
type roundBuffer struct {
	values       map[int]int
	valueSent    bool
	windowArmed  bool
	responseSent bool
}

const historyCap = 20

// Engine drives the consensus protocol for one peer: follower duties
// unconditionally, plus leader orchestration while LeaderRunning.
type Engine struct {
	mu sync.Mutex

	pid           int
	tunables      config.Tunables
	valueSupplier ValueSupplier
	send          Sender
	log           *logrus.Entry
	liveCount     func(time.Time) int
	metrics       *Metrics

	localRound int
	buffers    map[int]*roundBuffer

	genSeq       int
	leaderActive bool
	leaderPhase  phase
	leaderRound  int

	roundQueryResponses map[int]int
	responseVotes       map[int]int

	history []Outcome
}

// New builds a consensus Engine. liveCount reports the number of peers
// currently believed alive (including self), used for majority thresholds.
func New(pid int, tunables config.Tunables, supplier ValueSupplier, send Sender, log *logrus.Entry, liveCount func(time.Time) int, metrics *Metrics) *Engine {
	if supplier == nil {
		supplier = DefaultValueSupplier
	}
	return &Engine{
		pid:           pid,
		tunables:      tunables,
		valueSupplier: supplier,
		send:          send,
		log:           log,
		liveCount:     liveCount,
		metrics:       metrics,
		buffers:       make(map[int]*roundBuffer),
	}
}

// Round reports this peer's locally held round number.
func (e *Engine) Round() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localRound
}

// History returns a copy of the resolved-round ring buffer, newest last.
func (e *Engine) History() []Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Outcome, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) bufferFor(round int) *roundBuffer {
	b, ok := e.buffers[round]
	if !ok {
		b = &roundBuffer{values: make(map[int]int)}
		e.buffers[round] = b
		e.pruneBuffersLocked()
	}
	return b
}

// pruneBuffersLocked drops bookkeeping for rounds well behind the local
// round view, so a long-running peer doesn't accumulate unbounded state.
func (e *Engine) pruneBuffersLocked() {
	for round := range e.buffers {
		if round < e.localRound-historyCap {
			delete(e.buffers, round)
		}
	}
}

// BecomeLeader starts leader orchestration: after LeaderQueryDelay it
// queries followers for their round view, reconciles, then drives rounds
// every ConsensusInterval until Resign is called.
func (e *Engine) BecomeLeader() {
	e.mu.Lock()
	e.leaderActive = true
	e.genSeq++
	seq := e.genSeq
	e.mu.Unlock()

	time.AfterFunc(e.tunables.LeaderQueryDelay, func() { e.startRoundQuery(seq) })
}

// Resign cancels leader orchestration. Any in-flight timers observe the
// bumped generation and become no-ops.
func (e *Engine) Resign() {
	e.mu.Lock()
	e.leaderActive = false
	e.genSeq++
	e.leaderPhase = idle
	e.mu.Unlock()
}

func (e *Engine) startRoundQuery(seq int) {
	e.mu.Lock()
	if !e.activeLocked(seq) {
		e.mu.Unlock()
		return
	}
	e.leaderPhase = querying
	e.roundQueryResponses = make(map[int]int)
	e.mu.Unlock()

	e.log.Debug("querying round number")
	_ = e.send(protocol.New(protocol.RoundQuery, e.pid, nil))
	time.AfterFunc(e.tunables.RoundQueryTimeout, func() { e.finishRoundQuery(seq) })
}

func (e *Engine) finishRoundQuery(seq int) {
	e.mu.Lock()
	if !e.activeLocked(seq) {
		e.mu.Unlock()
		return
	}
	reconciled := reconcileRound(e.localRound, e.roundQueryResponses)
	e.localRound = reconciled
	e.leaderRound = reconciled
	e.leaderPhase = queryDone
	e.mu.Unlock()

	e.log.WithField("round", reconciled).Debug("round reconciled")
	_ = e.send(protocol.New(protocol.RoundUpdate, e.pid, map[string]any{"round": reconciled}))

	e.mu.Lock()
	e.leaderPhase = starting
	e.mu.Unlock()
	time.AfterFunc(e.tunables.LeaderConsensusDelay, func() { e.startRound(seq) })
}

// reconcileRound picks the strict-majority round among collected
// ROUND_RESPONSEs, falling back to the leader's own round if no value has
// a strict majority, then takes the max against the leader's own round.
func reconcileRound(selfRound int, responses map[int]int) int {
	counts := make(map[int]int)
	for _, r := range responses {
		counts[r]++
	}
	threshold := len(responses)/2 + 1
	best := selfRound
	for r, c := range counts {
		if c >= threshold && r > best {
			best = r
		}
	}
	if best < selfRound {
		best = selfRound
	}
	return best
}

func (e *Engine) startRound(seq int) {
	e.mu.Lock()
	if !e.activeLocked(seq) {
		e.mu.Unlock()
		return
	}
	round := e.leaderRound
	e.leaderPhase = valuesOpen
	e.responseVotes = make(map[int]int)
	e.mu.Unlock()

	e.log.WithField("round", round).Info("starting consensus round")
	_ = e.send(protocol.New(protocol.StartConsensus, e.pid, map[string]any{"round": round, "leader": e.pid}))
	time.AfterFunc(e.tunables.ValueProcessDelay, func() { e.closeValueWindow(seq, round) })
}

func (e *Engine) closeValueWindow(seq, round int) {
	e.mu.Lock()
	if e.activeLocked(seq) {
		e.leaderPhase = responsesOpen
	}
	e.mu.Unlock()
	time.AfterFunc(e.tunables.ResponseProcessDelay, func() { e.commit(seq, round) })
}

func (e *Engine) commit(seq, round int) {
	e.mu.Lock()
	if !e.activeLocked(seq) {
		e.mu.Unlock()
		return
	}
	votes := make(map[int]int, len(e.responseVotes))
	for pid, v := range e.responseVotes {
		votes[pid] = v
	}
	// Further RESPONSEs for this round are no longer tallied once the
	// window is closing: clearing the map here (still under lock) keeps
	// HandleResponse's concurrent writes from racing the copy above.
	e.responseVotes = nil
	live := 1
	if e.liveCount != nil {
		live = e.liveCount(time.Now())
	}
	e.mu.Unlock()

	value, ok := majority(votes, live)
	outcome := Outcome{Round: round, Committed: ok, Value: value, Participants: len(votes)}

	e.mu.Lock()
	e.history = append(e.history, outcome)
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
	e.leaderRound = round + 1
	e.localRound = e.leaderRound
	e.leaderPhase = idle
	e.mu.Unlock()

	if ok {
		e.log.WithFields(logrus.Fields{"round": round, "value": value}).Info("round committed")
		if e.metrics != nil {
			e.metrics.RoundsCommitted.Inc()
		}
	} else {
		e.log.WithField("round", round).Info("round aborted: no majority")
		if e.metrics != nil {
			e.metrics.RoundsAborted.Inc()
		}
	}

	time.AfterFunc(e.tunables.ConsensusInterval, func() { e.startRoundQuery(seq) })
}

// majority returns the value with strict majority support among live peers,
// or (0, false) if no value qualifies. Ties never resolve arbitrarily.
func majority(votes map[int]int, live int) (int, bool) {
	counts := make(map[int]int)
	for _, v := range votes {
		counts[v]++
	}
	threshold := live/2 + 1
	for v, c := range counts {
		if c >= threshold {
			return v, true
		}
	}
	return 0, false
}

func (e *Engine) activeLocked(seq int) bool {
	return e.leaderActive && seq == e.genSeq
}

// HandleRoundQuery replies with this peer's own round view.
func (e *Engine) HandleRoundQuery(from int) {
	if from == e.pid {
		return
	}
	e.mu.Lock()
	round := e.localRound
	e.mu.Unlock()
	_ = e.send(protocol.New(protocol.RoundResponse, e.pid, map[string]any{"round": round}))
}

// HandleRoundResponse records a peer's round view for the leader's
// reconciliation tally. Harmless no-op on followers (the map is nil there).
func (e *Engine) HandleRoundResponse(from, round int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.roundQueryResponses == nil {
		return
	}
	e.roundQueryResponses[from] = round
}

// HandleRoundUpdate adopts the leader's reconciled round if it is newer.
func (e *Engine) HandleRoundUpdate(round int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if round > e.localRound {
		e.localRound = round
	}
}

// HandleStartConsensus adopts the round and emits this peer's VALUE. A
// repeated START_CONSENSUS for a round whose VALUE was already sent is a
// no-op: exactly one VALUE is emitted per peer per round. If a VALUE from
// another peer already armed the window, it is not armed a second time.
func (e *Engine) HandleStartConsensus(round, leaderPID int) {
	e.mu.Lock()
	if round < e.localRound {
		e.mu.Unlock()
		return
	}
	if round > e.localRound {
		e.localRound = round
	}
	buf := e.bufferFor(round)
	sendValue := !buf.valueSent
	buf.valueSent = true
	armNow := !buf.windowArmed
	if armNow {
		buf.windowArmed = true
	}
	e.mu.Unlock()

	if sendValue {
		value := e.valueSupplier(e.pid, round)
		_ = e.send(protocol.New(protocol.Value, e.pid, map[string]any{"round": round, "value": value}))
	}

	if armNow {
		time.AfterFunc(e.tunables.ValueProcessDelay, func() { e.emitResponse(round) })
	}
}

// HandleValue buffers an observed value for the round. If no window has
// been armed yet for this round (a VALUE arrived before START_CONSENSUS,
// per the accepted Open Question resolution), a lazy window is armed here.
func (e *Engine) HandleValue(from, round, value int) {
	e.mu.Lock()
	if round < e.localRound {
		e.mu.Unlock()
		return
	}
	buf := e.bufferFor(round)
	buf.values[from] = value
	armNow := !buf.windowArmed
	if armNow {
		buf.windowArmed = true
	}
	e.mu.Unlock()

	if armNow {
		time.AfterFunc(e.tunables.ValueProcessDelay, func() { e.emitResponse(round) })
	}
}

func (e *Engine) emitResponse(round int) {
	e.mu.Lock()
	buf, ok := e.buffers[round]
	if !ok || buf.responseSent {
		e.mu.Unlock()
		return
	}
	buf.responseSent = true
	best := 0
	for _, v := range buf.values {
		if v > best {
			best = v
		}
	}
	e.mu.Unlock()

	_ = e.send(protocol.New(protocol.Response, e.pid, map[string]any{"round": round, "response": best}))
}

// HandleResponse tallies a peer's response toward the leader's commit
// decision. No-op on followers.
func (e *Engine) HandleResponse(from, round, response int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responseVotes == nil || round != e.leaderRound {
		return
	}
	e.responseVotes[from] = response
}
