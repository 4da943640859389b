// Package event implements the per-node pool of generational events.
// Each slot is exclusively owned by its home node for authoritative
// state transitions; remote nodes hold a cached view that is never ahead
// of the authoritative state.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/mpokorny/legion/internal/handle"
	"github.com/mpokorny/legion/internal/id"
	"github.com/mpokorny/legion/internal/node"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PoisonedGenerationLimit caps the per-slot poison list. A slot that
// accumulates this many poisoned generations is pinned and never
// returns to the free list.
const PoisonedGenerationLimit = 16

// Pool is the per-node table of event slots, indexed by id.
type Pool struct {
	Config

	mu       sync.Mutex
	slots    []*Impl
	freeHead *Impl
	remote   map[id.ID]*Impl

	log       *zap.Logger
	poisonLog *zap.Logger
}

func New(cfg Config) (*Pool, error) {
	cfg = cfg.Merge(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		Config:    cfg,
		remote:    make(map[id.ID]*Impl),
		log:       cfg.Logger.Named("event"),
		poisonLog: cfg.Logger.Named("poison"),
	}
	cfg.Subscribe.Handle(p.handleSubscribe)
	cfg.Trigger.Handle(p.handleTrigger)
	cfg.Update.Handle(p.handleUpdate)
	return p, nil
}

func (p *Pool) registrar() handle.Registrar {
	if p.Registrar != nil {
		return p.Registrar
	}
	return p
}

// Impl is the mutable state of one event slot. generation and
// numPoisoned are atomics: triggers append to poisonedGenerations, then
// store numPoisoned, then store generation, so a reader that observes a
// generation may read the poison list without the lock.
type Impl struct {
	me    id.ID
	owner node.ID

	generation  atomic.Uint32
	numPoisoned atomic.Uint32
	// poisonedGenerations[i] is written at most once, before the
	// numPoisoned store that publishes it.
	poisonedGenerations [PoisonedGenerationLimit]uint32

	hasLocalTriggers atomic.Bool

	mu                  sync.Mutex
	genSubscribed       uint32
	currentLocalWaiters []handle.Waiter
	futureLocalWaiters  map[uint32][]handle.Waiter
	remoteWaiters       node.Set
	// localTriggers maps generations this non-owner node has triggered
	// but whose official poison status is still pending from the owner.
	localTriggers map[uint32]bool

	nextFree *Impl
}

func newImpl(me id.ID, owner node.ID) *Impl {
	return &Impl{
		me:                 me,
		owner:              owner,
		futureLocalWaiters: make(map[uint32][]handle.Waiter),
		localTriggers:      make(map[uint32]bool),
	}
}

// currentEvent returns the handle for the next untriggered generation.
func (e *Impl) currentEvent() handle.Event {
	return handle.Event{ID: e.me, Gen: e.generation.Load() + 1}
}

// isGenerationPoisoned is safe without the slot lock after an acquire
// load of numPoisoned.
func (e *Impl) isGenerationPoisoned(gen uint32) bool {
	n := e.numPoisoned.Load()
	if n == 0 {
		return false
	}
	for i := uint32(0); i < n; i++ {
		if e.poisonedGenerations[i] == gen {
			return true
		}
	}
	return false
}

func (e *Impl) poisonSnapshot() []uint32 {
	n := e.numPoisoned.Load()
	if n == 0 {
		return nil
	}
	out := make([]uint32, n)
	copy(out, e.poisonedGenerations[:n])
	return out
}

// lookup resolves an id to its slot. Remote-owned ids get a cached view
// created on demand.
func (p *Pool) lookup(i id.ID) *Impl {
	if i.Kind() != id.KindEvent {
		panic(errors.AssertionFailedf("event pool cannot resolve id %v", i))
	}
	if i.Owner() == p.NodeID {
		p.mu.Lock()
		defer p.mu.Unlock()
		idx := i.Index()
		if idx >= uint64(len(p.slots)) {
			panic(errors.AssertionFailedf("event id %v names an unallocated local slot", i))
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
		return nil, errors.Newf("event slot pool exhausted (%d slots)", p.MaxSlots)
	}
	impl := newImpl(id.Build(id.KindEvent, p.NodeID, uint64(len(p.slots))), p.NodeID)
	p.slots = append(p.slots, impl)
	return impl, nil
}

func (p *Pool) freeEntry(impl *Impl) {
	p.mu.Lock()
	defer p.mu.Unlock()
	impl.nextFree = p.freeHead
	p.freeHead = impl
}

// CreateEvent allocates a fresh event owned by this node.
func (p *Pool) CreateEvent() (handle.Event, error) {
	impl, err := p.allocSlot()
	if err != nil {
		return handle.NoEvent, err
	}
	ev := impl.currentEvent()
	p.log.Debug("event created", zap.Stringer("event", ev))
	return ev, nil
}

// CreateUserEvent allocates an event whose trigger is driven by user
// code.
func (p *Pool) CreateUserEvent() (handle.UserEvent, error) {
	ev, err := p.CreateEvent()
	if err != nil {
		return handle.UserEvent{}, err
	}
	p.log.Info("user event created", zap.Stringer("event", ev))
	return handle.UserEvent{Event: ev}, nil
}

// HasTriggered reports whether e has triggered and its poison state.
// The dominant "already triggered" case is lock-free. On a non-owner, a
// "no" answer subscribes to the owner as a side effect, so the eventual
// trigger reaches this node.
func (p *Pool) HasTriggered(e handle.Event) (bool, bool) {
	if !e.Exists() {
		return true, false
	}
	impl := p.lookup(e.ID)
	triggered, poisoned := impl.hasTriggered(e.Gen)
	if !triggered && impl.owner != p.NodeID {
		impl.mu.Lock()
		previousSubscribeGen := impl.genSubscribed
		subscribeNeeded := previousSubscribeGen < e.Gen
		if subscribeNeeded {
			impl.genSubscribed = e.Gen
		}
		impl.mu.Unlock()
		if subscribeNeeded {
			p.sendSubscribe(impl.owner, e, previousSubscribeGen)
		}
	}
	return triggered, poisoned
}

// HasTriggeredFaultAware implements handle.Registrar for event ids.
func (p *Pool) HasTriggeredFaultAware(e handle.Event) (bool, bool) {
	return p.HasTriggered(e)
}

func (e *Impl) hasTriggered(gen uint32) (bool, bool) {
	if gen <= e.generation.Load() {
		return true, e.isGenerationPoisoned(gen)
	}

	// No local triggers means we can consistently answer "no" from this
	// node's perspective.
	if !e.hasLocalTriggers.Load() {
		return false, false
	}

	// The lock lets us see which local triggers exist, so we never
	// answer "no" when the trigger occurred on this node.
	e.mu.Lock()
	defer e.mu.Unlock()
	poisoned, ok := e.localTriggers[gen]
	return ok, ok && poisoned
}

// AddWaiter registers w for e's generation, invoking it inline if the
// generation has already triggered. Non-owners subscribe upstream when
// the needed generation exceeds their subscription.
func (p *Pool) AddWaiter(e handle.Event, w handle.Waiter) {
	if !e.Exists() {
		w.OnTriggered(e, false)
		return
	}
	impl := p.lookup(e.ID)

	triggerNow := false
	triggerPoisoned := false
	subscribeNeeded := false
	var previousSubscribeGen uint32

	impl.mu.Lock()
	if e.Gen <= impl.generation.Load() {
		// Triggered; poison information is in the poison list.
		triggerNow = true
		triggerPoisoned = impl.isGenerationPoisoned(e.Gen)
	} else if poisoned, ok := impl.localTriggers[e.Gen]; ok {
		// Not the owner, but locally triggered with correct poison info.
		triggerNow = true
		triggerPoisoned = poisoned
	} else {
		if e.Gen == impl.generation.Load()+1 {
			impl.currentLocalWaiters = append(impl.currentLocalWaiters, w)
		} else {
			// Future waiter lists are only meaningful off-owner: the
			// owner advances generations itself.
			if impl.owner == p.NodeID {
				panic(errors.AssertionFailedf(
					"waiter for future generation %d of locally owned event %v", e.Gen, e.ID))
			}
			impl.futureLocalWaiters[e.Gen] = append(impl.futureLocalWaiters[e.Gen], w)
		}
		if impl.owner != p.NodeID && impl.genSubscribed < e.Gen {
			previousSubscribeGen = impl.genSubscribed
			impl.genSubscribed = e.Gen
			subscribeNeeded = true
		}
	}
	impl.mu.Unlock()

	if subscribeNeeded {
		p.sendSubscribe(impl.owner, e, previousSubscribeGen)
	}
	if triggerNow {
		w.OnTriggered(e, triggerPoisoned)
	}
}

func (p *Pool) sendSubscribe(owner node.ID, e handle.Event, previousGen uint32) {
	err := p.Config.Subscribe.Send(bg(), owner, SubscribeMessage{
		Node:                 p.NodeID,
		Event:                e,
		PreviousSubscribeGen: previousGen,
	})
	if err != nil {
		p.log.Error("event subscribe send failed",
			zap.Stringer("event", e), zap.Stringer("owner", owner), zap.Error(err))
	}
}

// Trigger marks e's generation as triggered, optionally poisoned. On
// the owner this is the authoritative transition; elsewhere the local
// cache is updated and the trigger forwarded to the owner.
func (p *Pool) Trigger(e handle.Event, poisoned bool) error {
	impl := p.lookup(e.ID)
	p.log.Debug("event triggered",
		zap.Stringer("event", e), zap.Bool("poisoned", poisoned))
	if impl.owner == p.NodeID {
		return p.triggerOwned(impl, e.Gen, poisoned)
	}
	return p.triggerRemoteOwned(impl, e.Gen, poisoned)
}

func (p *Pool) triggerOwned(impl *Impl, gen uint32, poisoned bool) error {
	var toWake []handle.Waiter
	var toUpdate []node.ID
	freeSlot := false

	impl.mu.Lock()
	if gen != impl.generation.Load()+1 {
		impl.mu.Unlock()
		panic(errors.AssertionFailedf(
			"event %v triggered at generation %d, expected %d",
			impl.me, gen, impl.generation.Load()+1))
	}
	toWake, impl.currentLocalWaiters = impl.currentLocalWaiters, nil
	if len(impl.futureLocalWaiters) != 0 {
		impl.mu.Unlock()
		panic(errors.AssertionFailedf("owner slot %v has future waiters", impl.me))
	}
	if impl.remoteWaiters != nil {
		toUpdate = impl.remoteWaiters.ToSlice()
		impl.remoteWaiters = nil
	}
	if poisoned {
		n := impl.numPoisoned.Load()
		if n >= PoisonedGenerationLimit {
			impl.mu.Unlock()
			panic(errors.AssertionFailedf("event %v exceeded poisoned generation limit", impl.me))
		}
		impl.poisonedGenerations[n] = gen
		impl.numPoisoned.Store(n + 1)
		p.poisonLog.Info("generation poisoned",
			zap.Stringer("id", impl.me), zap.Uint32("gen", gen))
	}
	// Generation is published last so any observer of it reads a valid
	// poison list.
	impl.generation.Store(gen)
	// The slot is recycled unless it is pinned by a full poison list.
	freeSlot = impl.numPoisoned.Load() < PoisonedGenerationLimit
	impl.mu.Unlock()

	var sendErr error
	if len(toUpdate) > 0 {
		sendErr = p.broadcastUpdate(toUpdate, handle.Event{ID: impl.me, Gen: gen}, impl.poisonSnapshot())
	}
	if freeSlot {
		p.freeEntry(impl)
	}
	wake(toWake, handle.Event{ID: impl.me, Gen: gen}, poisoned)
	return sendErr
}

func (p *Pool) triggerRemoteOwned(impl *Impl, gen uint32, poisoned bool) error {
	var toWake []handle.Waiter
	subscribeNeeded := false
	var previousSubscribeGen uint32

	impl.mu.Lock()
	g := impl.generation.Load()
	switch {
	case gen == g+1:
		// Complete information up to here; update the cached state
		// directly. Poison only enters the official list on owner
		// updates, so record it as a local trigger meanwhile.
		toWake, impl.currentLocalWaiters = impl.currentLocalWaiters, nil
		if next, ok := impl.futureLocalWaiters[gen+1]; ok {
			impl.currentLocalWaiters = next
			delete(impl.futureLocalWaiters, gen+1)
		}
		if poisoned {
			impl.localTriggers[gen] = true
			impl.hasLocalTriggers.Store(true)
		}
		impl.generation.Store(gen)
	case gen > g+1:
		// Intermediate generations have triggered with unknown poison
		// status; wake only the matching future waiters and subscribe
		// through the gap.
		toWake = impl.futureLocalWaiters[gen]
		delete(impl.futureLocalWaiters, gen)
		impl.localTriggers[gen] = poisoned
		impl.hasLocalTriggers.Store(true)
		if impl.genSubscribed < gen {
			previousSubscribeGen = impl.genSubscribed
			impl.genSubscribed = gen
			subscribeNeeded = true
		}
	default:
		impl.mu.Unlock()
		panic(errors.AssertionFailedf(
			"event %v triggered at past generation %d (current %d)", impl.me, gen, g))
	}
	impl.mu.Unlock()

	ev := handle.Event{ID: impl.me, Gen: gen}
	if subscribeNeeded {
		p.sendSubscribe(impl.owner, ev, previousSubscribeGen)
	}
	err := p.Config.Trigger.Send(bg(), impl.owner, TriggerMessage{
		Node:     p.NodeID,
		Event:    ev,
		Poisoned: poisoned,
	})
	if err != nil {
		p.log.Error("event trigger send failed", zap.Stringer("event", ev), zap.Error(err))
	}
	wake(toWake, ev, poisoned)
	return err
}

func (p *Pool) broadcastUpdate(targets []node.ID, e handle.Event, poisonedGens []uint32) error {
	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			return p.Config.Update.Send(bg(), target, UpdateMessage{
				Event:               e,
				PoisonedGenerations: poisonedGens,
			})
		})
	}
	if err := g.Wait(); err != nil {
		p.log.Error("event update broadcast failed", zap.Stringer("event", e), zap.Error(err))
		return err
	}
	return nil
}

// processUpdate replays the owner's authoritative state into the local
// cache and wakes every waiter it satisfies.
func (p *Pool) processUpdate(impl *Impl, currentGen uint32, poisonedGens []uint32) {
	if impl.owner == p.NodeID {
		panic(errors.AssertionFailedf("event update for locally owned %v", impl.me))
	}

	// The update may satisfy multiple generations of waiters; poison
	// bits are looked up per generation after the state settles.
	toWake := make(map[uint32][]handle.Waiter)

	impl.mu.Lock()
	if currentGen <= impl.generation.Load() {
		// Old news: we subscribed and then triggered it ourselves.
		impl.mu.Unlock()
		return
	}

	// The poison list grows incrementally; the owner's list is always a
	// superset of what we have.
	cur := impl.numPoisoned.Load()
	if uint32(len(poisonedGens)) < cur {
		impl.mu.Unlock()
		panic(errors.AssertionFailedf(
			"event %v update shrank the poison list (%d < %d)",
			impl.me, len(poisonedGens), cur))
	}
	if uint32(len(poisonedGens)) > cur {
		if len(poisonedGens) > PoisonedGenerationLimit {
			impl.mu.Unlock()
			panic(errors.AssertionFailedf("event %v poison list overflow", impl.me))
		}
		for i := cur; i < uint32(len(poisonedGens)); i++ {
			impl.poisonedGenerations[i] = poisonedGens[i]
		}
		impl.numPoisoned.Store(uint32(len(poisonedGens)))
	}

	if len(impl.currentLocalWaiters) > 0 {
		toWake[impl.generation.Load()+1] = impl.currentLocalWaiters
		impl.currentLocalWaiters = nil
	}
	for gen, waiters := range impl.futureLocalWaiters {
		if gen <= currentGen {
			toWake[gen] = waiters
			delete(impl.futureLocalWaiters, gen)
		}
	}
	if next, ok := impl.futureLocalWaiters[currentGen+1]; ok {
		impl.currentLocalWaiters = next
		delete(impl.futureLocalWaiters, currentGen+1)
	}

	// Clear local triggers the owner has now acknowledged.
	for gen := range impl.localTriggers {
		if gen <= currentGen {
			delete(impl.localTriggers, gen)
		}
	}
	impl.hasLocalTriggers.Store(len(impl.localTriggers) > 0)

	// Generation last: it represents complete information to that point.
	impl.generation.Store(currentGen)
	impl.mu.Unlock()

	for gen, waiters := range toWake {
		ev := handle.Event{ID: impl.me, Gen: gen}
		wake(waiters, ev, impl.isGenerationPoisoned(gen))
	}
}

func wake(waiters []handle.Waiter, e handle.Event, poisoned bool) {
	for _, w := range waiters {
		w.OnTriggered(e, poisoned)
	}
}
