package forkjoin

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type PhaserTestSuite struct {
	suite.Suite
}

func TestPhaserTestSuite(t *testing.T) {
	suite.Run(t, new(PhaserTestSuite))
}

func (ts *PhaserTestSuite) TestNewPhaserWithPartiesStartsAtPhaseZero() {
	ph := NewPhaserWithParties(3)
	ts.Equal(0, ph.Phase())
	ts.Equal(3, ph.RegisteredParties())
	ts.Equal(3, ph.UnarrivedParties())
	ts.Equal(0, ph.ArrivedParties())
}

// TestCyclicBarrier mirrors the four-party, three-iteration scenario: every
// party arrives and awaits advance each round, and onAdvance fires exactly
// once per round.
func (ts *PhaserTestSuite) TestCyclicBarrier() {
	const parties = 4
	const rounds = 3

	ph := NewPhaserWithParties(parties)
	var advances int32
	ph.OnAdvance(func(phase, registered int) bool {
		atomic.AddInt32(&advances, 1)
		return false
	})

	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				_, err := ph.ArriveAndAwaitAdvance()
				ts.NoError(err)
			}
		}()
	}
	wg.Wait()

	ts.Equal(int32(rounds), atomic.LoadInt32(&advances))
	ts.Equal(rounds, ph.Phase())
}

// TestDeregisterToZeroTerminates exercises the default onAdvance behavior:
// once every party has deregistered, the phaser terminates on its own.
func (ts *PhaserTestSuite) TestDeregisterToZeroTerminates() {
	const parties = 4
	ph := NewPhaserWithParties(parties)

	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ph.ArriveAndDeregister()
		}()
	}
	wg.Wait()

	ts.Eventually(func() bool { return ph.IsTerminated() }, time.Second, time.Millisecond)
	ts.Equal(0, ph.RegisteredParties())
	ts.Equal(-1, ph.Phase())
}

func (ts *PhaserTestSuite) TestArriveOnUnregisteredPhaserErrors() {
	ph := NewPhaser()
	_, err := ph.Arrive()
	ts.ErrorIs(err, ErrDeregisterUnregistered)
}

func (ts *PhaserTestSuite) TestAwaitAdvanceWithZeroPartiesReturnsImmediately() {
	ph := NewPhaser()
	phase := ph.AwaitAdvance(0)
	ts.Equal(0, phase)
}

func (ts *PhaserTestSuite) TestForceTerminationReleasesWaiters() {
	ph := NewPhaserWithParties(2)

	done := make(chan struct{})
	go func() {
		ph.AwaitAdvance(0)
		close(done)
	}()

	// give the waiter time to enqueue
	time.Sleep(20 * time.Millisecond)
	ph.ForceTermination()

	select {
	case <-done:
	case <-time.After(time.Second):
		ts.Fail("waiter was not released by ForceTermination")
	}
	ts.True(ph.IsTerminated())
	ts.Equal(-1, ph.Phase())
}

// TestHierarchicalRegistration checks that a child phaser with non-zero
// parties registers exactly one party at its parent, sharing the parent's
// root (spec.md §4.5 hierarchical registration).
func (ts *PhaserTestSuite) TestHierarchicalRegistration() {
	root := NewPhaserWithParties(1)
	child := NewPhaserWithParentAndParties(root, 2)

	ts.Equal(2, root.RegisteredParties())
	ts.Same(root, child.Parent())
	ts.Same(root, child.Root())
	ts.Same(root, root.Root())

	// A zero-party child registers nothing extra at the parent.
	quietChild := NewPhaserWithParent(root)
	ts.Equal(2, root.RegisteredParties())
	ts.Equal(0, quietChild.RegisteredParties())
}

func (ts *PhaserTestSuite) TestAwaitAdvanceInterruptiblyTimesOut() {
	ph := NewPhaserWithParties(2) // one party never arrives
	_, err := ph.AwaitAdvanceInterruptibly(0, 20*time.Millisecond)
	ts.ErrorIs(err, ErrTimeout)
}

func (ts *PhaserTestSuite) TestRegisterMidCycleJoinsCurrentPhase() {
	ph := NewPhaserWithParties(1)
	phase := ph.Register()
	ts.Equal(0, phase)
	ts.Equal(2, ph.RegisteredParties())
}

func (ts *PhaserTestSuite) TestBulkRegisterOverflowPanics() {
	ph := NewPhaser()
	ts.Panics(func() {
		ph.BulkRegister(MaxParties + 1)
	})
}
