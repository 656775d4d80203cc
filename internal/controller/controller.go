// Package controller owns the single-writer per-peer state and the
// dispatch loop that routes decoded messages to the membership, election,
// and consensus engines.
package controller

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/bergadano/quorumd/internal/config"
	"github.com/bergadano/quorumd/internal/consensus"
	"github.com/bergadano/quorumd/internal/election"
	"github.com/bergadano/quorumd/internal/logging"
	"github.com/bergadano/quorumd/internal/membership"
	"github.com/bergadano/quorumd/internal/protocol"
	"github.com/bergadano/quorumd/internal/transport"
)

// Node is one peer's runtime: transport, liveness table, election and
// consensus engines, and the dispatch loop wiring them together.
type Node struct {
	pid       int
	tunables  config.Tunables
	log       *logrus.Logger
	endpoint  transport.Endpoint
	liveness  *membership.Table
	election  *election.Engine
	consensus *consensus.Engine

	registry *prometheus.Registry
	liveGauge prometheus.Gauge
	electionsWon prometheus.Counter
}

// New constructs a Node bound to the given transport endpoint.
func New(pid int, tunables config.Tunables, endpoint transport.Endpoint, log *logrus.Logger, supplier consensus.ValueSupplier) *Node {
	reg := prometheus.NewRegistry()
	liveGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quorumd_live_peers",
		Help: "Number of peers currently considered alive, including self.",
	})
	electionsWon := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quorumd_elections_won_total",
		Help: "Number of elections this peer has won.",
	})
	reg.MustRegister(liveGauge, electionsWon)
	consensusMetrics := consensus.NewMetrics(reg)

	n := &Node{
		pid:          pid,
		tunables:     tunables,
		log:          log,
		endpoint:     endpoint,
		liveness:     membership.NewTable(pid, tunables.FailTimeout),
		registry:     reg,
		liveGauge:    liveGauge,
		electionsWon: electionsWon,
	}

	send := func(e protocol.Envelope) error {
		b, err := protocol.Encode(e)
		if err != nil {
			return err
		}
		return n.endpoint.Send(b)
	}

	n.election = election.New(pid, tunables, send, logging.For(log, pid, "election"), n.onBecomeLeader, n.onBecomeFollower)
	n.consensus = consensus.New(pid, tunables, supplier, send, logging.For(log, pid, "consensus"), n.liveness.LiveCount, consensusMetrics)
	return n
}

func (n *Node) onBecomeLeader() {
	n.electionsWon.Inc()
	n.consensus.HandleRoundUpdate(n.election.Round())
	n.consensus.BecomeLeader()
}

func (n *Node) onBecomeFollower(leader int) {
	if leader != n.pid {
		n.consensus.Resign()
	}
}

// Start launches the receive loop, the heartbeat/sweep ticker, and the
// startup discovery handshake. It blocks until the endpoint's receive loop
// terminates (a fatal transport error).
func (n *Node) Start() error {
	go n.heartbeatLoop()
	n.election.Start()
	return n.recvLoop()
}

// ServeMetrics mounts the Prometheus handler and blocks serving HTTP on
// addr. Intended to run in its own goroutine alongside Start.
func (n *Node) ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}

func (n *Node) recvLoop() error {
	buf := make([]byte, 8192)
	for {
		nRead, _, err := n.endpoint.Recv(buf)
		if err != nil {
			n.log.WithError(err).Error("transport receive failed, exiting")
			return err
		}
		env, err := protocol.Decode(buf[:nRead])
		if err != nil {
			n.log.WithError(err).Debug("dropped malformed datagram")
			continue
		}
		n.liveness.Touch(env.From, time.Now())
		n.dispatch(env)
	}
}

func (n *Node) dispatch(e protocol.Envelope) {
	switch e.Type {
	case protocol.Hello:
		n.election.HandleHello(e.From)
	case protocol.HelloAck:
		leader, _ := e.Int("leader")
		round, _ := e.Int("round")
		n.election.HandleHelloAck(leader, round)
	case protocol.Election:
		n.election.HandleElection(e.From)
	case protocol.OK:
		n.election.HandleOK(e.From)
	case protocol.Leader:
		pid, _ := e.Int("pid")
		round, _ := e.Int("round")
		n.election.HandleLeader(pid, round)
	case protocol.Heartbeat:
		// Liveness already touched above; nothing further to do.
	case protocol.RoundQuery:
		n.consensus.HandleRoundQuery(e.From)
	case protocol.RoundResponse:
		round, _ := e.Int("round")
		n.consensus.HandleRoundResponse(e.From, round)
	case protocol.RoundUpdate:
		round, _ := e.Int("round")
		n.consensus.HandleRoundUpdate(round)
		n.election.AdvanceRound(round)
	case protocol.StartConsensus:
		round, _ := e.Int("round")
		leader, _ := e.Int("leader")
		n.consensus.HandleStartConsensus(round, leader)
	case protocol.Value:
		round, _ := e.Int("round")
		value, _ := e.Int("value")
		n.consensus.HandleValue(e.From, round, value)
	case protocol.Response:
		round, _ := e.Int("round")
		response, _ := e.Int("response")
		n.consensus.HandleResponse(e.From, round, response)
	default:
		// Unknown type: dropped for forward compatibility.
	}
}

func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.tunables.HeartbeatInt)
	defer ticker.Stop()
	for now := range ticker.C {
		env := protocol.New(protocol.Heartbeat, n.pid, nil)
		b, err := protocol.Encode(env)
		if err == nil {
			_ = n.endpoint.Send(b)
		}
		n.liveGauge.Set(float64(n.liveness.LiveCount(now)))

		failed := n.liveness.Sweep(now)
		for _, pid := range failed {
			n.log.WithField("peer", pid).Warn("peer failed")
			if leader, ok := n.election.KnownLeader(); ok && leader == pid {
				n.consensus.Resign()
				go n.election.StartElectionNow()
			}
		}
	}
}
