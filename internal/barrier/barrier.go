// Package barrier implements the per-node pool of multi-generation
// reduction barriers. A generation triggers when the sum of its signed
// arrival deltas cancels the base arrival count; alongside triggering,
// each generation can fold arrival values through a reduction operator.
package barrier

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/mpokorny/legion/internal/handle"
	"github.com/mpokorny/legion/internal/id"
	"github.com/mpokorny/legion/internal/node"
	"github.com/mpokorny/legion/internal/redop"
	"go.uber.org/zap"
)

// Pool is the per-node table of barrier slots, indexed by id. It also
// owns the process-wide adjustment timestamp counter, whose high bits
// carry the node id.
type Pool struct {
	Config

	timestamp atomic.Uint64

	mu       sync.Mutex
	slots    []*Impl
	freeHead *Impl
	remote   map[id.ID]*Impl

	log *zap.Logger
}

func New(cfg Config) (*Pool, error) {
	cfg = cfg.Merge(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		Config: cfg,
		remote: make(map[id.ID]*Impl),
		log:    cfg.Logger.Named("barrier"),
	}
	p.timestamp.Store(uint64(cfg.NodeID) << handle.TimestampNodeShift)
	cfg.Adjust.Handle(p.handleAdjust)
	cfg.Subscribe.Handle(p.handleSubscribe)
	cfg.Trigger.Handle(p.handleTrigger)
	return p, nil
}

func (p *Pool) nextTimestamp() handle.Timestamp {
	return handle.Timestamp(p.timestamp.Add(1))
}

// Impl is the mutable state of one barrier slot.
type Impl struct {
	me    id.ID
	owner node.ID

	generation atomic.Uint32

	mu            sync.Mutex
	genSubscribed uint32
	// firstGeneration anchors result indexing for this lifetime of the
	// slot; freeGeneration is the generation past which the slot may be
	// reclaimed.
	firstGeneration  uint32
	freeGeneration   uint32
	baseArrivalCount int64
	generations      map[uint32]*generationState
	// remoteSubscribeGens holds, per node, the latest generation that
	// node wants delivery for; entries are removed once fulfilled.
	remoteSubscribeGens map[node.ID]uint32
	// remoteTriggerGens holds, per node, the latest generation already
	// delivered.
	remoteTriggerGens map[node.ID]uint32
	// heldTriggers parks out-of-order trigger messages on non-owners,
	// keyed by their previous generation.
	heldTriggers map[uint32]uint32

	redopID       redop.ID
	redop         *redop.Op
	initialValue  []byte
	valueCapacity int
	finalValues   []byte

	nextFree *Impl
}

func newImpl(me id.ID, owner node.ID) *Impl {
	return &Impl{
		me:                  me,
		owner:               owner,
		generations:         make(map[uint32]*generationState),
		remoteSubscribeGens: make(map[node.ID]uint32),
		remoteTriggerGens:   make(map[node.ID]uint32),
		heldTriggers:        make(map[uint32]uint32),
	}
}

func (p *Pool) lookup(i id.ID) *Impl {
	if i.Kind() != id.KindBarrier {
		panic(errors.AssertionFailedf("barrier pool cannot resolve id %v", i))
	}
	if i.Owner() == p.NodeID {
		p.mu.Lock()
		defer p.mu.Unlock()
		idx := i.Index()
		if idx >= uint64(len(p.slots)) {
			panic(errors.AssertionFailedf("barrier id %v names an unallocated local slot", i))
		}
		return p.slots[idx]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	impl, ok := p.remote[i]
	if !ok {
		impl = newImpl(i, i.Owner())
		p.remote[i] = impl
	}
	return impl
}

func (p *Pool) allocSlot() (*Impl, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if impl := p.freeHead; impl != nil {
		p.freeHead = impl.nextFree
		impl.nextFree = nil
		return impl, nil
	}
	if len(p.slots) >= p.MaxSlots {
		return nil, errors.Newf("barrier slot pool exhausted (%d slots)", p.MaxSlots)
	}
	impl := newImpl(id.Build(id.KindBarrier, p.NodeID, uint64(len(p.slots))), p.NodeID)
	p.slots = append(p.slots, impl)
	return impl, nil
}

// generationFor finds or creates the tracker for an open generation.
// Caller holds impl.mu.
func (p *Pool) generationFor(impl *Impl, gen uint32) *generationState {
	gs, ok := impl.generations[gen]
	if !ok {
		gs = newGenerationState()
		impl.generations[gen] = gs
		p.log.Info("added tracker for barrier generation",
			zap.Stringer("id", impl.me), zap.Uint32("gen", gen))
	}
	return gs
}

// CreateBarrier allocates a barrier owned by this node. With a non-zero
// redopID, initialValue seeds each generation's accumulated value and
// must be exactly the operator's left-hand-side size.
func (p *Pool) CreateBarrier(expectedArrivals uint32, redopID redop.ID, initialValue []byte) (handle.Barrier, error) {
	var op *redop.Op
	if redopID == 0 {
		if len(initialValue) != 0 {
			return handle.Barrier{}, errors.New("initial value requires a reduction operator")
		}
	} else {
		var err error
		op, err = p.Redops.Lookup(redopID)
		if err != nil {
			return handle.Barrier{}, err
		}
		if len(initialValue) != op.SizeofLHS {
			return handle.Barrier{}, errors.Newf(
				"initial value is %d bytes, operator lhs is %d", len(initialValue), op.SizeofLHS)
		}
	}

	impl, err := p.allocSlot()
	if err != nil {
		return handle.Barrier{}, err
	}

	impl.mu.Lock()
	impl.baseArrivalCount = int64(expectedArrivals)
	impl.firstGeneration = impl.generation.Load()
	// Let the barrier rearm as many times as necessary.
	impl.freeGeneration = math.MaxUint32
	impl.redopID = redopID
	impl.redop = op
	impl.initialValue = append([]byte(nil), initialValue...)
	impl.valueCapacity = 0
	impl.finalValues = nil
	b := handle.Barrier{ID: impl.me, Gen: impl.generation.Load() + 1}
	impl.mu.Unlock()

	p.log.Info("barrier created",
		zap.Stringer("barrier", b),
		zap.Uint32("baseCount", expectedArrivals),
		zap.Uint32("redop", uint32(redopID)))
	return b, nil
}

// DestroyBarrier is a best-effort deallocation request.
func (p *Pool) DestroyBarrier(b handle.Barrier) {
	p.log.Info("barrier destruction request", zap.Stringer("barrier", b))
}

// AlterArrivalCount raises the expected arrival count for b's
// generation. The returned handle carries the adjustment timestamp so a
// later matching arrival can cite it.
func (p *Pool) AlterArrivalCount(b handle.Barrier, delta int64) (handle.Barrier, error) {
	ts := p.nextTimestamp()
	err := p.adjustArrival(b.ID, b.Gen, delta, ts, handle.NoEvent, nil)
	return handle.Barrier{ID: b.ID, Gen: b.Gen, Timestamp: ts}, err
}

// Arrive submits count arrivals to b's generation, optionally deferred
// on waitOn and optionally carrying a reduction value.
func (p *Pool) Arrive(b handle.Barrier, count int64, waitOn handle.Event, reduceValue []byte) error {
	return p.adjustArrival(b.ID, b.Gen, -count, b.Timestamp, waitOn, reduceValue)
}

// HasTriggered reports whether b's generation has completed. On a
// non-owner, a "no" answer subscribes to the owner as a side effect.
func (p *Pool) HasTriggered(e handle.Event) (bool, bool) {
	impl := p.lookup(e.ID)
	if e.Gen <= impl.generation.Load() {
		return true, false
	}

	if impl.owner != p.NodeID {
		impl.mu.Lock()
		previousSubscription := impl.genSubscribed
		if impl.genSubscribed < e.Gen {
			impl.genSubscribed = e.Gen
		}
		impl.mu.Unlock()
		if previousSubscription < e.Gen {
			p.sendSubscribe(impl.owner, e.ID, e.Gen)
		}
	}
	return false, false
}

// HasTriggeredFaultAware implements handle.Registrar for barrier ids.
// Barriers carry no poison in this scope.
func (p *Pool) HasTriggeredFaultAware(e handle.Event) (bool, bool) {
	return p.HasTriggered(e)
}

func (p *Pool) sendSubscribe(owner node.ID, barrierID id.ID, gen uint32) {
	p.log.Info("subscribing to barrier",
		zap.Stringer("id", barrierID), zap.Uint32("gen", gen))
	err := p.Config.Subscribe.Send(bg(), owner, SubscribeMessage{
		Node:         p.NodeID,
		BarrierID:    barrierID,
		SubscribeGen: gen,
	})
	if err != nil {
		p.log.Error("barrier subscribe send failed",
			zap.Stringer("id", barrierID), zap.Error(err))
	}
}

// AddWaiter registers w for the generation named by e. Non-owners
// subscribe upstream if HasTriggered has not already done so.
func (p *Pool) AddWaiter(e handle.Event, w handle.Waiter) {
	impl := p.lookup(e.ID)

	triggerNow := false
	subscribeNeeded := false
	impl.mu.Lock()
	if e.Gen > impl.generation.Load() {
		gs := p.generationFor(impl, e.Gen)
		gs.localWaiters = append(gs.localWaiters, w)
		if impl.owner != p.NodeID && impl.genSubscribed < e.Gen {
			impl.genSubscribed = e.Gen
			subscribeNeeded = true
		}
	} else {
		triggerNow = true
	}
	impl.mu.Unlock()

	if subscribeNeeded {
		p.sendSubscribe(impl.owner, e.ID, e.Gen)
	}
	if triggerNow {
		w.OnTriggered(e, false)
	}
}

type remoteNotification struct {
	node        node.ID
	triggerGen  uint32
	previousGen uint32
}

// adjustArrival routes an adjustment: deferred on an untriggered
// precondition, forwarded to a remote owner, or applied locally with
// the trigger cascade.
//
// A positive delta's timestamp is its creation time on the submitting
// node; a negative delta's timestamp names the positive adjustment the
// arrival must wait for.
func (p *Pool) adjustArrival(
	i id.ID,
	gen uint32,
	delta int64,
	ts handle.Timestamp,
	waitOn handle.Event,
	reduceValue []byte,
) error {
	impl := p.lookup(i)
	b := handle.Barrier{ID: i, Gen: gen, Timestamp: ts}

	if waitOn.Exists() {
		if triggered, _ := p.Registrar.HasTriggeredFaultAware(waitOn); !triggered {
			if impl.owner != p.NodeID {
				// Defer on the owner node: if waitOn triggers there, the
				// arrival takes effect without another hop.
				p.log.Info("forwarding deferred barrier arrival",
					zap.Stringer("barrier", b), zap.Stringer("waitOn", waitOn),
					zap.Int64("delta", delta))
				return p.Config.Adjust.Send(bg(), impl.owner, AdjustMessage{
					Node:        p.NodeID,
					Barrier:     b,
					Delta:       delta,
					WaitOn:      waitOn,
					ReduceValue: dup(reduceValue),
				})
			}
			p.log.Info("deferring barrier arrival",
				zap.Stringer("barrier", b), zap.Stringer("waitOn", waitOn),
				zap.Int64("delta", delta))
			p.Registrar.AddWaiter(waitOn, &deferredArrival{
				pool:        p,
				barrier:     b,
				delta:       delta,
				reduceValue: dup(reduceValue),
			})
			return nil
		}
	}

	if impl.owner != p.NodeID {
		// All adjustments are applied by the owner.
		return p.Config.Adjust.Send(bg(), impl.owner, AdjustMessage{
			Node:        p.NodeID,
			Barrier:     b,
			Delta:       delta,
			ReduceValue: dup(reduceValue),
		})
	}

	p.log.Info("barrier adjustment",
		zap.Stringer("barrier", b), zap.Int64("delta", delta), zap.Uint64("ts", uint64(ts)))

	// Triggering can't happen while holding the lock; remember which
	// generations to notify and do it at the end.
	var triggerGen uint32
	var localNotifications []handle.Waiter
	var remoteNotifications []remoteNotification
	var oldestPrevious uint32
	var finalValuesCopy []byte

	impl.mu.Lock()
	if impl.generation.Load() >= impl.freeGeneration {
		impl.mu.Unlock()
		panic(errors.AssertionFailedf("adjustment on reclaimed barrier %v", impl.me))
	}
	if impl.baseArrivalCount <= 0 {
		impl.mu.Unlock()
		panic(errors.AssertionFailedf("barrier %v has no arrival count", impl.me))
	}
	if gen <= impl.generation.Load() {
		impl.mu.Unlock()
		panic(errors.AssertionFailedf(
			"barrier %v adjustment for past generation %d (current %d)",
			impl.me, gen, impl.generation.Load()))
	}

	p.generationFor(impl, gen).handleAdjustment(p.log, ts, delta)

	// An update to the next generation may close one or more
	// generations in sequence.
	if gen == impl.generation.Load()+1 {
		for {
			next := impl.generation.Load() + 1
			gs, ok := impl.generations[next]
			if !ok || impl.baseArrivalCount+gs.unguardedDelta != 0 {
				break
			}
			localNotifications = append(localNotifications, gs.localWaiters...)
			triggerGen = next
			impl.generation.Store(next)
			delete(impl.generations, next)
		}

		if triggerGen != 0 {
			g := impl.generation.Load()
			for n, subGen := range impl.remoteSubscribeGens {
				rn := remoteNotification{node: n}
				if subGen <= g {
					// Subscription fulfilled in full.
					rn.triggerGen = subGen
					delete(impl.remoteSubscribeGens, n)
				} else {
					rn.triggerGen = g
				}
				if prev, ok := impl.remoteTriggerGens[n]; ok {
					rn.previousGen = prev
				} else {
					rn.previousGen = impl.firstGeneration
				}
				impl.remoteTriggerGens[n] = rn.triggerGen
				if len(remoteNotifications) == 0 || rn.previousGen < oldestPrevious {
					oldestPrevious = rn.previousGen
				}
				remoteNotifications = append(remoteNotifications, rn)
			}
		}
	}

	// Reduction data is applied even while the adjustment itself is
	// held, so reduce values never need to be kept around.
	if len(reduceValue) > 0 {
		if impl.redop == nil {
			impl.mu.Unlock()
			panic(errors.AssertionFailedf("reduce value for barrier %v without an operator", impl.me))
		}
		if len(reduceValue) != impl.redop.SizeofRHS {
			impl.mu.Unlock()
			panic(errors.AssertionFailedf(
				"reduction payload is %d bytes, operator rhs is %d",
				len(reduceValue), impl.redop.SizeofRHS))
		}
		relGen := int(gen - impl.firstGeneration)
		impl.growValues(relGen)
		lhs := impl.finalValues[(relGen-1)*impl.redop.SizeofLHS:]
		impl.redop.Apply(lhs[:impl.redop.SizeofLHS], reduceValue, 1, true)
	}

	// Generations can trigger without any value-carrying arrival; their
	// result is the bare initial value, so the buffer must cover every
	// triggered generation.
	if triggerGen != 0 && impl.redop != nil {
		impl.growValues(int(triggerGen - impl.firstGeneration))
	}

	// Copy the triggered slice of results while the state is stable so
	// remote notifications have something stable after the lock drops.
	if triggerGen != 0 && impl.redop != nil && len(remoteNotifications) > 0 {
		lhsSize := impl.redop.SizeofLHS
		relGen := int(oldestPrevious + 1 - impl.firstGeneration)
		count := int(triggerGen - oldestPrevious)
		finalValuesCopy = dup(impl.finalValues[(relGen-1)*lhsSize : (relGen-1+count)*lhsSize])
	}
	impl.mu.Unlock()

	if triggerGen == 0 {
		return nil
	}

	p.log.Info("barrier trigger",
		zap.Stringer("id", impl.me), zap.Uint32("gen", triggerGen))

	triggered := handle.Event{ID: impl.me, Gen: triggerGen}
	for _, w := range localNotifications {
		w.OnTriggered(triggered, false)
	}

	var sendErr error
	for _, rn := range remoteNotifications {
		var data []byte
		if finalValuesCopy != nil {
			lhsSize := impl.redop.SizeofLHS
			off := int(rn.previousGen-oldestPrevious) * lhsSize
			n := int(rn.triggerGen-rn.previousGen) * lhsSize
			data = finalValuesCopy[off : off+n]
		}
		p.log.Info("sending remote barrier trigger",
			zap.Stringer("id", impl.me), zap.Stringer("node", rn.node),
			zap.Uint32("previousGen", rn.previousGen), zap.Uint32("triggerGen", rn.triggerGen))
		err := p.Config.Trigger.Send(bg(), rn.node, TriggerMessage{
			Node:            p.NodeID,
			BarrierID:       impl.me,
			TriggerGen:      rn.triggerGen,
			PreviousGen:     rn.previousGen,
			FirstGeneration: impl.firstGeneration,
			RedopID:         impl.redopID,
			FinalValues:     dup(data),
		})
		if err != nil {
			p.log.Error("barrier trigger send failed",
				zap.Stringer("id", impl.me), zap.Stringer("node", rn.node), zap.Error(err))
			sendErr = err
		}
	}
	return sendErr
}

// growValues extends finalValues to cover relGen generations, seeding
// the newly visible entries with the initial value. Caller holds
// impl.mu and has checked impl.redop.
func (impl *Impl) growValues(relGen int) {
	for impl.valueCapacity < relGen {
		impl.finalValues = append(impl.finalValues, impl.initialValue...)
		impl.valueCapacity++
	}
}

// GetResult copies the accumulated reduction value for b's generation
// into value. It returns false if the generation has not triggered on
// this node yet.
func (p *Pool) GetResult(b handle.Barrier, value []byte) bool {
	impl := p.lookup(b.ID)
	impl.mu.Lock()
	defer impl.mu.Unlock()

	if b.Gen > impl.generation.Load() {
		return false
	}
	if impl.redop == nil {
		panic(errors.AssertionFailedf("barrier %v has no reduction", impl.me))
	}
	if len(value) != impl.redop.SizeofLHS {
		panic(errors.AssertionFailedf(
			"result buffer is %d bytes, operator lhs is %d", len(value), impl.redop.SizeofLHS))
	}
	relGen := int(b.Gen - impl.firstGeneration)
	if relGen <= 0 || relGen > impl.valueCapacity {
		panic(errors.AssertionFailedf(
			"barrier %v has no stored result for generation %d", impl.me, b.Gen))
	}
	lhsSize := impl.redop.SizeofLHS
	copy(value, impl.finalValues[(relGen-1)*lhsSize:relGen*lhsSize])
	return true
}

// drainTriggered collects, in generation order, the local waiters of
// every generation up to and including trigGen. Caller holds impl.mu.
func (impl *Impl) drainTriggered(trigGen uint32) []handle.Waiter {
	var gens []uint32
	for gen := range impl.generations {
		if gen <= trigGen {
			gens = append(gens, gen)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	var waiters []handle.Waiter
	for _, gen := range gens {
		waiters = append(waiters, impl.generations[gen].localWaiters...)
		delete(impl.generations, gen)
	}
	return waiters
}

func dup(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return append([]byte(nil), data...)
}
