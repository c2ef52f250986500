package forkjoin

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/go-foundations/forkjoin/internal/bits"
	"github.com/go-foundations/forkjoin/internal/queue"
)

// MaxParties bounds how many parties a single Phaser may register (spec.md
// §5 resource bound).
const MaxParties = 65535

// waitNode is the phaser's QNode (spec.md §3 Wait node): the data an
// awaiting goroutine parks behind on the appropriate parity queue.
type waitNode struct {
	phase         int32
	interruptible bool
	timed         bool
	remaining     time.Duration
	release       chan struct{}
	released      atomic.Bool
}

func newWaitNode(phase int32) *waitNode {
	return &waitNode{phase: phase, release: make(chan struct{})}
}

func (n *waitNode) signal() {
	if n.released.CompareAndSwap(false, true) {
		close(n.release)
	}
}

// Phaser is a reusable, hierarchical phase barrier (spec.md §3/§4.5).
type Phaser struct {
	state atomic.Int64 // bits.PackPhaserState

	parent *Phaser
	root   *Phaser

	evenQ *queue.Treiber[*waitNode]
	oddQ  *queue.Treiber[*waitNode]

	regMu sync.Mutex // short lock for cross-level registration consistency

	onAdvance atomic.Pointer[func(phase, registeredParties int) bool]
}

// NewPhaser constructs a root phaser with zero registered parties.
func NewPhaser() *Phaser {
	return newPhaser(nil, 0)
}

// NewPhaserWithParties constructs a root phaser pre-registered with n
// parties.
func NewPhaserWithParties(n int) *Phaser {
	return newPhaser(nil, n)
}

// NewPhaserWithParent constructs a phaser registered as a child of parent,
// with zero parties of its own.
func NewPhaserWithParent(parent *Phaser) *Phaser {
	return newPhaser(parent, 0)
}

// NewPhaserWithParentAndParties constructs a child phaser pre-registered
// with n parties (and, per the invariant that a child with parties>0 must
// itself be registered at its parent, one party at parent).
func NewPhaserWithParentAndParties(parent *Phaser, n int) *Phaser {
	return newPhaser(parent, n)
}

func newPhaser(parent *Phaser, parties int) *Phaser {
	ph := &Phaser{parent: parent}
	if parent == nil {
		ph.root = ph
		ph.evenQ = queue.NewTreiber[*waitNode]()
		ph.oddQ = queue.NewTreiber[*waitNode]()
	} else {
		ph.root = parent.Root()
		ph.evenQ = ph.root.evenQ
		ph.oddQ = ph.root.oddQ
	}
	ph.state.Store(int64(bits.PackPhaserState(uint32(parties), uint32(parties), 0, false)))
	if parties > 0 && parent != nil {
		parent.Register()
	}
	return ph
}

func (ph *Phaser) unpack() (unarrived, parties uint32, phase int32, terminated bool) {
	return bits.UnpackPhaserState(uint64(ph.state.Load()))
}

// Phase returns the current generation counter; negative iff terminated.
func (ph *Phaser) Phase() int {
	_, _, phase, terminated := ph.unpack()
	if terminated {
		return -1
	}
	return int(phase)
}

func (ph *Phaser) RegisteredParties() int {
	_, parties, _, _ := ph.unpack()
	return int(parties)
}

func (ph *Phaser) ArrivedParties() int {
	unarrived, parties, _, _ := ph.unpack()
	return int(parties) - int(unarrived)
}

func (ph *Phaser) UnarrivedParties() int {
	unarrived, _, _, _ := ph.unpack()
	return int(unarrived)
}

func (ph *Phaser) Parent() *Phaser { return ph.parent }
func (ph *Phaser) Root() *Phaser   { return ph.root }

func (ph *Phaser) IsTerminated() bool {
	_, _, _, terminated := ph.unpack()
	return terminated
}

// OnAdvance installs the user-overridable advance hook: when it returns
// true the phaser terminates instead of advancing (spec.md §4.5).
func (ph *Phaser) OnAdvance(fn func(phase, registeredParties int) bool) {
	ph.onAdvance.Store(&fn)
}

// runOnAdvance invokes the user hook if one was installed. The default
// behavior (no hook installed) terminates the phaser once no parties
// remain registered, matching the source runtime's default onAdvance.
func (ph *Phaser) runOnAdvance(phase, parties int) bool {
	if f := ph.onAdvance.Load(); f != nil {
		return (*f)(phase, parties)
	}
	return parties == 0
}

// Register adds one party to the phaser, returning the phase it registered
// for (spec.md §4.5 Registration).
func (ph *Phaser) Register() int {
	return ph.BulkRegister(1)
}

// BulkRegister adds n parties at once.
func (ph *Phaser) BulkRegister(n int) int {
	if n <= 0 {
		_, _, phase, _ := ph.unpack()
		return int(phase)
	}

	ph.regMu.Lock()
	defer ph.regMu.Unlock()

	// If an advance is currently in progress at a non-root (unarrived==0
	// but phase hasn't yet been rewritten), spin until it completes so we
	// never join a phase mid-flight (spec.md §4.5 Registration).
	if ph.parent != nil {
		for {
			unarrived, _, _, terminated := ph.unpack()
			if terminated || unarrived > 0 || ph.RegisteredParties() == 0 {
				break
			}
			time.Sleep(time.Microsecond)
		}
	}

	wasZero := ph.RegisteredParties() == 0
	var phase int32
	for {
		old := ph.state.Load()
		unarrived, parties, ph32, terminated := bits.UnpackPhaserState(uint64(old))
		if terminated {
			return -1
		}
		newParties := uint64(parties) + uint64(n)
		if newParties > MaxParties {
			panic(ErrPartiesOverflow)
		}
		newUnarrived := uint64(unarrived) + uint64(n)
		next := int64(bits.PackPhaserState(uint32(newUnarrived), uint32(newParties), ph32, false))
		if ph.state.CompareAndSwap(old, next) {
			phase = ph32
			break
		}
	}

	if wasZero && ph.parent != nil {
		ph.parent.Register()
	}
	return int(phase)
}

// Arrive records one arrival without deregistering (spec.md §4.5).
func (ph *Phaser) Arrive() (int, error) {
	return ph.doArrive(false)
}

// ArriveAndDeregister records one arrival and also removes the calling
// party's registration.
func (ph *Phaser) ArriveAndDeregister() (int, error) {
	return ph.doArrive(true)
}

func (ph *Phaser) doArrive(deregister bool) (int, error) {
	for {
		old := ph.state.Load()
		unarrived, parties, phase, terminated := bits.UnpackPhaserState(uint64(old))
		if terminated {
			return -1, ErrPhaserTerminated
		}
		if unarrived == 0 {
			return int(phase), ErrDeregisterUnregistered
		}

		newUnarrived := unarrived - 1
		newParties := parties
		if deregister {
			if parties == 0 {
				return int(phase), ErrDeregisterUnregistered
			}
			newParties = parties - 1
			if newUnarrived > newParties {
				newUnarrived = newParties
			}
		}

		if newUnarrived > 0 {
			next := int64(bits.PackPhaserState(newUnarrived, newParties, phase, false))
			if ph.state.CompareAndSwap(old, next) {
				return int(phase), nil
			}
			continue
		}

		// Last arrival of this phase at this node.
		if ph.parent == nil {
			ph.advanceRoot(old, newParties, phase)
			return int(phase), nil
		}

		// Tentatively reset unarrived to parties (provisional; will be
		// reconciled once the parent's advance completes) and propagate
		// one arrival upward.
		next := int64(bits.PackPhaserState(newParties, newParties, phase, false))
		if !ph.state.CompareAndSwap(old, next) {
			continue
		}
		if deregister && newParties == 0 {
			ph.parent.ArriveAndDeregister()
		} else {
			ph.parent.Arrive()
		}
		ph.reconcileState()
		return int(phase), nil
	}
}

// advanceRoot performs the root's advance-or-terminate transition and
// returns the freshly-published state word.
func (ph *Phaser) advanceRoot(old int64, parties uint32, phase int32) int64 {
	for {
		terminate := ph.runOnAdvance(int(phase), int(parties))
		var next int64
		if terminate {
			next = int64(bits.PackPhaserState(0, parties, phase, true))
		} else {
			newPhase := phase + 1
			if newPhase < 0 {
				newPhase = 0 // wrap past 2^31-1 back to 0 (spec.md §8)
			}
			next = int64(bits.PackPhaserState(parties, parties, newPhase, false))
		}
		if ph.state.CompareAndSwap(old, next) {
			ph.releaseParity(phase)
			return next
		}
		old = ph.state.Load()
		_, parties, phase, _ = bits.UnpackPhaserState(uint64(old))
	}
}

// releaseParity wakes every waiter queued for the phase that just ended:
// waiters captured `phase`, so they are queued on evenQ/oddQ keyed by
// phase parity, and every waiter whose captured phase no longer matches
// the live phase is released (spec.md §4.5 internalAwaitAdvance "release").
func (ph *Phaser) releaseParity(endedPhase int32) {
	q := ph.queueFor(endedPhase)
	q.DrainMatching(
		func(n *waitNode) bool { return n.phase == endedPhase },
		func(n *waitNode) { n.signal() },
	)
}

func (ph *Phaser) queueFor(phase int32) *queue.Treiber[*waitNode] {
	if phase%2 == 0 {
		return ph.evenQ
	}
	return ph.oddQ
}

// reconcileState rewrites a non-root's cached phase to the root's once the
// root has advanced past it (spec.md §4.5 reconcileState).
func (ph *Phaser) reconcileState() {
	if ph.root == ph {
		return
	}
	for {
		_, _, rootPhase, rootTerminated := ph.root.unpack()
		old := ph.state.Load()
		unarrived, parties, phase, terminated := bits.UnpackPhaserState(uint64(old))
		if terminated {
			return
		}
		if rootTerminated {
			next := int64(bits.PackPhaserState(0, parties, phase, true))
			if ph.state.CompareAndSwap(old, next) {
				return
			}
			continue
		}
		if phase == rootPhase || unarrived != 0 {
			return
		}
		next := int64(bits.PackPhaserState(parties, parties, rootPhase, false))
		if ph.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// ArriveAndAwaitAdvance arrives and blocks until the phase advances past
// the one just arrived at (spec.md §4.5 / §8 round-trip property).
func (ph *Phaser) ArriveAndAwaitAdvance() (int, error) {
	phase, err := ph.Arrive()
	if err != nil {
		return phase, err
	}
	return ph.AwaitAdvance(phase), nil
}

// AwaitAdvance blocks until the phase differs from the one supplied,
// returning the new phase (negative if terminated). phase==0 with zero
// registered parties returns 0 immediately without blocking (spec.md §8
// boundary behavior).
func (ph *Phaser) AwaitAdvance(phase int) int {
	p, _ := ph.awaitAdvance(phase, false, 0)
	return p
}

// AwaitAdvanceInterruptibly is like AwaitAdvance but returns ErrTimeout if
// an optional timeout elapses first.
func (ph *Phaser) AwaitAdvanceInterruptibly(phase int, timeout ...time.Duration) (int, error) {
	if len(timeout) > 0 {
		return ph.awaitAdvance(phase, true, timeout[0])
	}
	return ph.awaitAdvance(phase, false, 0)
}

func (ph *Phaser) awaitAdvance(phase int, timed bool, timeout time.Duration) (int, error) {
	if phase < 0 {
		return phase, nil
	}
	ph.reconcileState()

	cur := ph.Phase()
	if cur != phase {
		return cur, nil
	}
	if ph.RegisteredParties() == 0 {
		return phase, nil
	}

	node := newWaitNode(int32(phase))
	q := ph.queueFor(int32(phase))
	q.Push(node)

	// Re-check after enqueue: the advance may have happened concurrently
	// between our phase read above and the push.
	if ph.Phase() != phase {
		node.signal()
	}

	w := currentWorker()
	wait := func() error {
		if timed {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case <-node.release:
				return nil
			case <-timer.C:
				return ErrTimeout
			}
		}
		<-node.release
		return nil
	}

	var err error
	if w != nil {
		err = w.pool.awaitBlocker(w, blockerFunc{
			block:      wait,
			releasable: func() bool { return node.released.Load() },
		})
	} else {
		err = wait()
	}
	if err != nil {
		return phase, err
	}
	ph.reconcileState()
	return ph.Phase(), nil
}

// ForceTermination sets the terminated bit on the root and releases both
// parity queues; subsequent waits return immediately with a negative
// phase (spec.md §4.5).
func (ph *Phaser) ForceTermination() {
	root := ph.Root()
	for {
		old := root.state.Load()
		unarrived, parties, phase, terminated := bits.UnpackPhaserState(uint64(old))
		if terminated {
			break
		}
		next := int64(bits.PackPhaserState(unarrived, parties, phase, true))
		if root.state.CompareAndSwap(old, next) {
			break
		}
	}
	root.evenQ.DrainMatching(func(*waitNode) bool { return true }, func(n *waitNode) { n.signal() })
	root.oddQ.DrainMatching(func(*waitNode) bool { return true }, func(n *waitNode) { n.signal() })
}
