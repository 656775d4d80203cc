package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bergadano/quorumd/internal/config"
	"github.com/bergadano/quorumd/internal/election"
	"github.com/bergadano/quorumd/internal/logging"
	"github.com/bergadano/quorumd/internal/transport"
)

func fastTunables() config.Tunables {
	t, _ := config.Profile("fast", config.Default())
	t.HelloTimeout = 30 * time.Millisecond
	t.BullyTimeout = 60 * time.Millisecond
	t.LeaderQueryDelay = 20 * time.Millisecond
	t.RoundQueryTimeout = 30 * time.Millisecond
	t.LeaderConsensusDelay = 20 * time.Millisecond
	t.ValueProcessDelay = 30 * time.Millisecond
	t.ResponseProcessDelay = 30 * time.Millisecond
	t.ConsensusInterval = time.Hour
	t.HeartbeatInt = 20 * time.Millisecond
	t.FailTimeout = 150 * time.Millisecond
	return t
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSoloNodeBecomesLeaderAndCommitsOwnValue(t *testing.T) {
	bus := transport.NewBus()
	link := bus.Join(1)
	tunables := fastTunables()
	log := logging.New(1, false)
	log.SetOutput(discardWriter{})

	n := New(1, tunables, link, log, func(peer, round int) int { return 42 })
	go func() { _ = n.Start() }()

	require.Eventually(t, func() bool {
		return n.election.Role() == election.Leader
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		h := n.consensus.History()
		return len(h) >= 1 && h[0].Committed && h[0].Value == 42
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLeaderFailureTriggersReElection(t *testing.T) {
	bus := transport.NewBus()
	tunables := fastTunables()

	link1 := bus.Join(1)
	log1 := logging.New(1, false)
	log1.SetOutput(discardWriter{})
	n1 := New(1, tunables, link1, log1, nil)

	link2 := bus.Join(2)
	log2 := logging.New(2, false)
	log2.SetOutput(discardWriter{})
	n2 := New(2, tunables, link2, log2, nil)

	go func() { _ = n1.Start() }()
	go func() { _ = n2.Start() }()

	require.Eventually(t, func() bool {
		l1, ok1 := n1.election.KnownLeader()
		l2, ok2 := n2.election.KnownLeader()
		return ok1 && l1 == 2 && ok2 && l2 == 2
	}, 2*time.Second, 5*time.Millisecond)

	_ = link2.Close()

	require.Eventually(t, func() bool {
		l1, ok1 := n1.election.KnownLeader()
		return ok1 && l1 == 1 && n1.election.Role() == election.Leader
	}, 2*time.Second, 5*time.Millisecond)
}
