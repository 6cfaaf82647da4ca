package balancer

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

////////////////////////////////////////////////////////////////////////////////

// Balancer is the owning context of the whole control plane: VIP table,
// real registry, consistent-hash rings, affinity caches, counters and
// the monitor. There is no process-global state; create one at startup,
// pass it around explicitly and tear it down with Close.
//
// The packet-path operations (Lookup, GetRealForFlow) take the read
// lock only for table access; ring reads go through atomic pointers and
// counter writes are lock-free.
type Balancer struct {
	cfg *Config
	log *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool

	vips    map[VipKey]*vipState
	vipNums []uint32 // free vip numbers
	nextVip uint32

	reals    *realRegistry
	cache    *AffinityCache
	counters *Counters
	monitor  *Monitor

	store MapStore
	prog  ProgramHandle

	router SourceRouter
	bridge *HealthBridge

	// Global paired counters, allocated for the process lifetime.
	lruStats        CounterHandle // total packets / misses
	lruMissStats    CounterHandle // new-flow misses / non-SYN misses
	lruHitStats     CounterHandle // primary hits / fallback hits
	quicStats       CounterHandle // hash-routed / cid-routed
	srcRouteStats   CounterHandle // local / remote
	icmpTooBigStats CounterHandle // v4 / v6
	lbStats         CounterHandle // failed dataplane calls / failed validations
	internalStats   CounterHandle // aborted rebuilds / -
}

// Option customizes a Balancer at construction time.
type Option func(*Balancer)

// WithMapStore attaches the dataplane map store and the opaque program
// handle used to route its operations.
func WithMapStore(store MapStore, prog ProgramHandle) Option {
	return func(b *Balancer) {
		b.store = store
		b.prog = prog
	}
}

// WithSourceRouter attaches the external local/remote routing table.
func WithSourceRouter(router SourceRouter) Option {
	return func(b *Balancer) {
		b.router = router
	}
}

// WithHealthFeed attaches the external health-check feed; the bridge
// consuming it is started by Run.
func WithHealthFeed(feed HealthFeed) Option {
	return func(b *Balancer) {
		b.bridge = newHealthBridge(b, feed, b.log.With("component", "health"))
	}
}

////////////////////////////////////////////////////////////////////////////////

// NewBalancer creates a balancer instance from the configuration.
func NewBalancer(cfg *Config, log *zap.SugaredLogger, opts ...Option) (*Balancer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	shards := cfg.affinityShards()

	// One pair per VIP, one per real, plus the fixed global pairs.
	counters, err := NewCounters(shards, cfg.MaxVips+cfg.MaxReals+8)
	if err != nil {
		return nil, fmt.Errorf("failed to create counters: %w", err)
	}

	cache, err := NewAffinityCache(shards, cfg.AffinityEntries, cfg.FallbackEntries, cfg.PromoteFallbackHits)
	if err != nil {
		return nil, fmt.Errorf("failed to create affinity cache: %w", err)
	}

	monitor, err := NewMonitor(cfg.Monitor.BufferEntries, int(cfg.Monitor.SnapLen.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}
	if !cfg.Monitor.Enabled {
		monitor.Stop()
	}

	b := &Balancer{
		cfg:      cfg,
		log:      log,
		vips:     make(map[VipKey]*vipState),
		cache:    cache,
		counters: counters,
		monitor:  monitor,
	}
	b.reals = newRealRegistry(cfg.MaxReals, cfg.RealGracePeriod, counters)

	for _, h := range []*CounterHandle{
		&b.lruStats, &b.lruMissStats, &b.lruHitStats, &b.quicStats,
		&b.srcRouteStats, &b.icmpTooBigStats, &b.lbStats, &b.internalStats,
	} {
		handle, err := counters.Alloc()
		if err != nil {
			return nil, fmt.Errorf("failed to allocate global counters: %w", err)
		}
		*h = handle
	}

	for _, opt := range opts {
		opt(b)
	}

	log.Infow("balancer instance created",
		"ring_size", cfg.RingSize,
		"max_vips", cfg.MaxVips,
		"max_reals", cfg.MaxReals,
		"shards", shards,
	)
	return b, nil
}

// Run drives the background parts of the balancer, currently the health
// bridge, until the context is canceled.
func (b *Balancer) Run(ctx context.Context) error {
	if b.bridge == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.bridge.Run(ctx)
}

// Close tears the instance down. Any operation after Close fails with
// ErrShutdown.
func (b *Balancer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.cache.Purge()
	b.log.Info("balancer instance closed")
}

////////////////////////////////////////////////////////////////////////////////
// VIP table operations

// AddVip inserts a new VIP with empty backend pool.
func (b *Balancer) AddVip(key VipKey, flags VipFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrShutdown
	}
	if !key.Addr.IsValid() {
		b.countAddrValidationFailure()
		return fmt.Errorf("%w: invalid vip address", ErrInvalidFlow)
	}
	if _, exists := b.vips[key]; exists {
		return fmt.Errorf("vip %s already exists", key)
	}
	if len(b.vips) >= b.cfg.MaxVips {
		return fmt.Errorf("vip table is full (%d entries)", b.cfg.MaxVips)
	}

	stats, err := b.counters.Alloc()
	if err != nil {
		return fmt.Errorf("failed to allocate vip counters: %w", err)
	}

	vs := &vipState{
		key:   key,
		num:   b.allocVipNum(),
		flags: flags,
		stats: stats,
	}
	vs.ring.Store(&ring{})
	vs.localRing.Store(&ring{})
	b.vips[key] = vs

	b.mirrorVipMeta(vs)
	b.log.Infow("added vip", "vip", key.String(), "num", vs.num)
	return nil
}

// DelVip removes a VIP, releasing its reals and discarding its
// counters.
func (b *Balancer) DelVip(key VipKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrShutdown
	}
	vs, ok := b.vips[key]
	if !ok {
		return ErrVipNotFound
	}

	now := time.Now()
	for _, pe := range vs.pool {
		if entry := b.reals.byIndex(pe.index); entry != nil {
			b.reals.release(entry, now)
		}
	}
	b.counters.Release(vs.stats)
	delete(b.vips, key)
	b.vipNums = append(b.vipNums, vs.num)

	vs.rebuildMu.Lock()
	vs.retired = true
	vs.rebuildMu.Unlock()

	if b.store != nil {
		if err := b.store.Delete(b.prog, MapVips, encodeVipKey(key)); err != nil {
			b.countDataplaneFailure("delete vip", err)
		}
	}
	b.log.Infow("removed vip", "vip", key.String())
	return nil
}

// GetAllVips returns the provisioned VIP keys in deterministic order.
func (b *Balancer) GetAllVips() []VipKey {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]VipKey, 0, len(b.vips))
	for key := range b.vips {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// VipFlags returns the behavior flags of a VIP.
func (b *Balancer) VipFlags(key VipKey) (VipFlags, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	vs, ok := b.vips[key]
	if !ok {
		return VipFlags{}, ErrVipNotFound
	}
	return vs.flags, nil
}

// ModifyVip updates the behavior flags of an existing VIP. The rings
// are rebuilt since the flags decide whether a local subset is kept.
func (b *Balancer) ModifyVip(key VipKey, flags VipFlags) error {
	job, err := b.updateVipFlags(key, flags)
	if err != nil {
		return err
	}
	b.runRebuild(job)
	return nil
}

func (b *Balancer) updateVipFlags(key VipKey, flags VipFlags) (ringRebuild, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ringRebuild{}, ErrShutdown
	}
	vs, ok := b.vips[key]
	if !ok {
		return ringRebuild{}, ErrVipNotFound
	}
	vs.flags = flags
	b.mirrorVipMeta(vs)
	return b.planRebuild(vs), nil
}

////////////////////////////////////////////////////////////////////////////////
// Backend pool operations

// RealOptions describe how a real participates in a VIP pool.
type RealOptions struct {
	// Weight is proportional to the share of the ring the real owns.
	// Zero drains the real: it stays registered but takes no new flows.
	Weight uint32

	// Local marks the real as part of the source-routing local subset.
	Local bool
}

// RealWeight is one entry of a batched weight update.
type RealWeight struct {
	Addr   netip.Addr
	Weight uint32
}

// AddRealForVip registers a backend in the VIP pool and rebuilds the
// ring. The real's stable index is shared with every other VIP pool
// containing the same address.
func (b *Balancer) AddRealForVip(key VipKey, addr netip.Addr, opts RealOptions) error {
	job, err := b.attachReal(key, addr, opts)
	if err != nil {
		return err
	}
	b.runRebuild(job)
	return nil
}

func (b *Balancer) attachReal(key VipKey, addr netip.Addr, opts RealOptions) (ringRebuild, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ringRebuild{}, ErrShutdown
	}
	vs, ok := b.vips[key]
	if !ok {
		return ringRebuild{}, ErrVipNotFound
	}
	if !addr.IsValid() {
		b.countAddrValidationFailure()
		return ringRebuild{}, fmt.Errorf("%w: invalid real address", ErrInvalidFlow)
	}

	addr = addr.Unmap()
	if existing := b.reals.byAddr(addr); existing != nil {
		if vs.poolEntry(existing.index) != nil {
			return ringRebuild{}, fmt.Errorf("real %s already attached to vip %s", addr, key)
		}
	}

	entry, err := b.reals.acquire(addr, time.Now())
	if err != nil {
		return ringRebuild{}, fmt.Errorf("failed to register real %s: %w", addr, err)
	}

	vs.pool = append(vs.pool, poolEntry{
		index:  entry.index,
		weight: opts.Weight,
		local:  opts.Local,
	})
	b.mirrorReal(entry)

	b.log.Infow("added real",
		"vip", key.String(), "real", addr.String(),
		"index", entry.index, "weight", opts.Weight)
	return b.planRebuild(vs), nil
}

// DelRealForVip detaches a backend from the VIP pool and rebuilds the
// ring. The registry entry survives while other pools reference it.
func (b *Balancer) DelRealForVip(key VipKey, addr netip.Addr) error {
	job, err := b.detachReal(key, addr)
	if err != nil {
		return err
	}
	b.runRebuild(job)
	return nil
}

func (b *Balancer) detachReal(key VipKey, addr netip.Addr) (ringRebuild, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ringRebuild{}, ErrShutdown
	}
	vs, ok := b.vips[key]
	if !ok {
		return ringRebuild{}, ErrVipNotFound
	}

	entry := b.reals.byAddr(addr)
	if entry == nil || !vs.removePoolEntry(entry.index) {
		return ringRebuild{}, ErrRealNotFound
	}
	b.reals.release(entry, time.Now())

	b.log.Infow("removed real", "vip", key.String(), "real", addr.Unmap().String())
	return b.planRebuild(vs), nil
}

// ModifyRealsForVip applies a batch of weight updates and rebuilds the
// ring once.
func (b *Balancer) ModifyRealsForVip(key VipKey, updates []RealWeight) error {
	job, err := b.updateRealWeights(key, updates)
	if err != nil {
		return err
	}
	b.runRebuild(job)
	return nil
}

func (b *Balancer) updateRealWeights(key VipKey, updates []RealWeight) (ringRebuild, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ringRebuild{}, ErrShutdown
	}
	vs, ok := b.vips[key]
	if !ok {
		return ringRebuild{}, ErrVipNotFound
	}

	for _, update := range updates {
		entry := b.reals.byAddr(update.Addr)
		if entry == nil {
			return ringRebuild{}, fmt.Errorf("%w: %s", ErrRealNotFound, update.Addr)
		}
		pe := vs.poolEntry(entry.index)
		if pe == nil {
			return ringRebuild{}, fmt.Errorf("%w: %s not in vip %s", ErrRealNotFound, update.Addr, key)
		}
		pe.weight = update.Weight
	}
	return b.planRebuild(vs), nil
}

// GetRealsForVip returns the ordered pool of a VIP.
func (b *Balancer) GetRealsForVip(key VipKey) ([]Real, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	vs, ok := b.vips[key]
	if !ok {
		return nil, ErrVipNotFound
	}

	out := make([]Real, 0, len(vs.pool))
	for _, pe := range vs.pool {
		entry := b.reals.byIndex(pe.index)
		if entry == nil {
			continue
		}
		out = append(out, Real{
			Addr:   entry.addr,
			Index:  pe.index,
			Weight: pe.weight,
			Local:  pe.local,
			State:  entry.state,
		})
	}
	return out, nil
}

// IndexForReal returns the stable index of a registered real.
func (b *Balancer) IndexForReal(addr netip.Addr) (uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry := b.reals.byAddr(addr)
	if entry == nil {
		return 0, ErrRealNotFound
	}
	return entry.index, nil
}

////////////////////////////////////////////////////////////////////////////////
// Health bridge entry points

// ReportRealState applies a single liveness transition.
func (b *Balancer) ReportRealState(addr netip.Addr, live bool) error {
	return b.applyLivenessBatch([]LivenessUpdate{{Addr: addr, Live: live}})
}

// applyLivenessBatch applies liveness transitions and rebuilds every
// affected VIP once. Transition to Dead keeps the real in the pool:
// the index stays reserved, so a later return to Live needs no
// renumbering and no cache invalidation beyond the stale-entry path.
//
// The state changes and snapshots happen under the lock; the table
// builds run after it is released, so a batch flapping a widely shared
// real never stalls the packet path.
func (b *Balancer) applyLivenessBatch(updates []LivenessUpdate) error {
	jobs, err := b.applyLiveness(updates)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		b.runRebuild(job)
	}
	return nil
}

func (b *Balancer) applyLiveness(updates []LivenessUpdate) ([]ringRebuild, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrShutdown
	}

	affected := make(map[*vipState]struct{})
	for _, update := range updates {
		entry, changed := b.reals.setState(update.Addr, update.Live)
		if entry == nil {
			b.log.Debugw("liveness update for unknown real",
				"real", update.Addr.String(), "live", update.Live)
			continue
		}
		if !changed {
			continue
		}
		b.log.Infow("real state transition",
			"real", entry.addr.String(), "state", entry.state.String())
		for _, vs := range b.vips {
			if vs.poolEntry(entry.index) != nil {
				affected[vs] = struct{}{}
			}
		}
	}

	jobs := make([]ringRebuild, 0, len(affected))
	for vs := range affected {
		jobs = append(jobs, b.planRebuild(vs))
	}
	return jobs, nil
}

////////////////////////////////////////////////////////////////////////////////
// Ring rebuild and dataplane mirroring

// ringRebuild is the input of one planned ring rebuild: the snapshot
// taken under the balancer lock plus the generation it belongs to.
type ringRebuild struct {
	vs  *vipState
	gen uint64

	backends      []ringBackend
	localBackends []ringBackend
	buildLocal    bool
}

// planRebuild snapshots the ring build input. Callers hold the write
// lock; the table construction itself runs in runRebuild after the lock
// is released, so packet-path readers never wait behind a rebuild.
func (b *Balancer) planRebuild(vs *vipState) ringRebuild {
	vs.gen++
	job := ringRebuild{
		vs:       vs,
		gen:      vs.gen,
		backends: vs.snapshot(b.reals, false),
	}
	if vs.flags.SrcRouting && vs.hasLocalSubset() {
		job.buildLocal = true
		job.localBackends = vs.snapshot(b.reals, true)
	}
	return job
}

// runRebuild builds the replacement rings from a planned snapshot and
// publishes them with atomic swaps. It must be called without the
// balancer lock held: readers keep resolving against the previous ring
// for the whole build. On an invariant violation the previous ring
// stays published and the failure is surfaced via the internal-failure
// counter. Publication is ordered per VIP by generation, so a slow
// older build never overwrites a newer table.
func (b *Balancer) runRebuild(job ringRebuild) {
	next, err := buildRing(job.backends, b.cfg.RingSize)
	if err != nil {
		b.counters.Add(0, b.internalStats, 1, 0)
		b.log.Errorw("ring rebuild aborted, previous ring stays published",
			"vip", job.vs.key.String(), zap.Error(err))
		return
	}

	nextLocal := &ring{}
	if job.buildLocal {
		nextLocal, err = buildRing(job.localBackends, b.cfg.RingSize)
		if err != nil {
			b.counters.Add(0, b.internalStats, 1, 0)
			b.log.Errorw("local ring rebuild aborted",
				"vip", job.vs.key.String(), zap.Error(err))
			return
		}
	}

	vs := job.vs
	vs.rebuildMu.Lock()
	defer vs.rebuildMu.Unlock()

	if vs.retired || job.gen < vs.publishedGen {
		return
	}
	vs.publishedGen = job.gen
	vs.ring.Store(next)
	vs.localRing.Store(nextLocal)
	b.mirrorRing(vs, next)
}

func (b *Balancer) mirrorVipMeta(vs *vipState) {
	if b.store == nil {
		return
	}
	err := b.store.Update(b.prog, MapVips,
		encodeVipKey(vs.key), encodeVipMeta(vs.num, vs.flags))
	if err != nil {
		b.countDataplaneFailure("update vip meta", err)
	}
}

func (b *Balancer) mirrorReal(entry *realEntry) {
	if b.store == nil {
		return
	}
	addr := entry.addr.As16()
	err := b.store.Update(b.prog, MapReals, encodeRealIndex(entry.index), addr[:])
	if err != nil {
		b.countDataplaneFailure("update real", err)
	}
}

func (b *Balancer) mirrorRing(vs *vipState, r *ring) {
	if b.store == nil {
		return
	}
	for slot, index := range r.Slots() {
		err := b.store.Update(b.prog, MapChRings,
			encodeRingSlotKey(vs.num, uint32(slot)), encodeRealIndex(index))
		if err != nil {
			// Abandon this mirror attempt; retry policy belongs to the
			// store collaborator.
			b.countDataplaneFailure("update ch ring", err)
			return
		}
	}
}

func (b *Balancer) countDataplaneFailure(op string, err error) {
	b.counters.Add(0, b.lbStats, 1, 0)
	b.log.Warnw("dataplane store call failed", "op", op, zap.Error(err))
}

func (b *Balancer) countAddrValidationFailure() {
	b.counters.Add(0, b.lbStats, 0, 1)
}

func (b *Balancer) allocVipNum() uint32 {
	if n := len(b.vipNums); n > 0 {
		num := b.vipNums[n-1]
		b.vipNums = b.vipNums[:n-1]
		return num
	}
	num := b.nextVip
	b.nextVip++
	return num
}

////////////////////////////////////////////////////////////////////////////////
// Packet path

// FlowSample is one observed packet of a flow, as delivered by the
// packet source collaborator.
type FlowSample struct {
	Flow FlowKey

	// Bytes is the packet length, fed into byte counters.
	Bytes uint64

	// TCPSyn marks the first packet of a TCP flow. A miss on a non-SYN
	// packet means lost affinity state rather than a new flow.
	TCPSyn bool

	// Raw optionally carries the packet bytes for diagnostic capture.
	Raw []byte
}

// Lookup resolves one packet to a backend, exercising the full decision
// path: affinity cache, then ring, with all counters and diagnostics.
// shard names the calling processing unit and must stay fixed for that
// unit's lifetime.
//
// The outcome is always either a backend address or an explicit
// terminal error (ErrNoBackend, ErrInvalidFlow); data-dependent
// conditions never fault.
func (b *Balancer) Lookup(shard int, sample FlowSample) (netip.Addr, error) {
	flow := &sample.Flow
	if err := flow.Validate(); err != nil {
		b.counters.Add(shard, b.lbStats, 0, 1)
		return netip.Addr{}, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return netip.Addr{}, ErrShutdown
	}

	vs, ok := b.vips[VipKey{Addr: flow.Dst.Unmap(), Port: flow.DstPort, Proto: flow.Proto}]
	if !ok {
		return netip.Addr{}, ErrNoBackend
	}

	b.counters.Add(shard, vs.stats, 1, sample.Bytes)
	b.counters.Add(shard, b.lruStats, 1, 0)

	hash := b.flowHash(shard, vs, flow)
	selected := b.selectRing(shard, vs, flow)

	// Affinity cache first.
	if index, outcome := b.cache.Lookup(shard, hash); outcome != cacheMiss {
		entry := b.reals.byIndex(index)
		if entry != nil && entry.state.Schedulable() {
			switch outcome {
			case cachePrimaryHit:
				b.counters.Add(shard, b.lruHitStats, 1, 0)
			case cacheFallbackHit:
				b.counters.Add(shard, b.lruHitStats, 0, 1)
			}
			b.counters.Add(shard, entry.stats, 1, sample.Bytes)
			return entry.addr, nil
		}
		// Hit on a dead or vanished backend: evict and fall through to
		// a fresh ring resolution.
		b.cache.Remove(shard, hash)
	}

	b.counters.Add(shard, b.lruStats, 0, 1)
	if flow.Proto == ProtoTCP && !sample.TCPSyn {
		b.counters.Add(shard, b.lruMissStats, 0, 1)
		b.monitor.Capture(EventTCPNonSynLRUMiss, sample.Raw)
	} else {
		b.counters.Add(shard, b.lruMissStats, 1, 0)
	}

	index, ok := selected.Lookup(hash)
	if !ok {
		return netip.Addr{}, ErrNoBackend
	}
	entry := b.reals.byIndex(index)
	if entry == nil {
		// Ring referencing an unregistered index would be a bug; treat
		// it as unresolvable rather than crash.
		b.counters.Add(shard, b.internalStats, 1, 0)
		return netip.Addr{}, ErrNoBackend
	}

	b.cache.Insert(shard, hash, index)
	b.counters.Add(shard, entry.stats, 1, sample.Bytes)
	return entry.addr, nil
}

// GetRealForFlow is the pure simulator: it resolves a flow to a backend
// through the ring alone, with no cache, no counters and no captures.
// It must stay bit-identical to the data-path selection so user-space
// simulation can be trusted for testing.
func (b *Balancer) GetRealForFlow(flow FlowKey) (netip.Addr, error) {
	if err := flow.Validate(); err != nil {
		return netip.Addr{}, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return netip.Addr{}, ErrShutdown
	}

	vs, ok := b.vips[VipKey{Addr: flow.Dst.Unmap(), Port: flow.DstPort, Proto: flow.Proto}]
	if !ok {
		return netip.Addr{}, ErrNoBackend
	}

	var hash uint64
	if vs.flags.QuicVip && len(flow.QuicCid) > 0 {
		hash = flow.QuicHash()
	} else {
		hash = flow.Hash()
	}

	r := vs.ring.Load()
	if vs.flags.SrcRouting && b.router != nil && b.router.Classify(flow.Src) == SrcLocal {
		if local := vs.localRing.Load(); len(local.Slots()) != 0 {
			r = local
		}
	}

	index, ok := r.Lookup(hash)
	if !ok {
		return netip.Addr{}, ErrNoBackend
	}
	entry := b.reals.byIndex(index)
	if entry == nil {
		return netip.Addr{}, ErrNoBackend
	}
	return entry.addr, nil
}

func (b *Balancer) flowHash(shard int, vs *vipState, flow *FlowKey) uint64 {
	if vs.flags.QuicVip {
		if len(flow.QuicCid) > 0 {
			b.counters.Add(shard, b.quicStats, 0, 1)
			return flow.QuicHash()
		}
		b.counters.Add(shard, b.quicStats, 1, 0)
	}
	return flow.Hash()
}

func (b *Balancer) selectRing(shard int, vs *vipState, flow *FlowKey) *ring {
	r := vs.ring.Load()
	if !vs.flags.SrcRouting || b.router == nil {
		return r
	}

	if b.router.Classify(flow.Src) == SrcLocal {
		b.counters.Add(shard, b.srcRouteStats, 1, 0)
		if local := vs.localRing.Load(); len(local.Slots()) != 0 {
			return local
		}
		return r
	}
	b.counters.Add(shard, b.srcRouteStats, 0, 1)
	return r
}

// RecordIcmpTooBig accounts an ICMP "packet too big" event and captures
// the offending packet for diagnostics.
func (b *Balancer) RecordIcmpTooBig(shard int, v6 bool, raw []byte) {
	if v6 {
		b.counters.Add(shard, b.icmpTooBigStats, 0, 1)
	} else {
		b.counters.Add(shard, b.icmpTooBigStats, 1, 0)
	}
	b.monitor.Capture(EventPacketTooBig, raw)
}

////////////////////////////////////////////////////////////////////////////////
// Stats getters

// GetStatsForVip returns the packets/bytes pair of a VIP.
func (b *Balancer) GetStatsForVip(key VipKey) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	vs, ok := b.vips[key]
	if !ok {
		return Stats{}, ErrVipNotFound
	}
	return b.counters.Read(vs.stats), nil
}

// GetRealStats returns the packets/bytes pair of a real by index.
func (b *Balancer) GetRealStats(index uint32) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry := b.reals.byIndex(index)
	if entry == nil {
		return Stats{}, ErrRealNotFound
	}
	return b.counters.Read(entry.stats), nil
}

// GetLruStats returns {total packets, affinity misses}.
func (b *Balancer) GetLruStats() Stats {
	return b.counters.Read(b.lruStats)
}

// GetLruMissStats returns {new-flow misses, non-SYN misses}.
func (b *Balancer) GetLruMissStats() Stats {
	return b.counters.Read(b.lruMissStats)
}

// GetLruHitStats returns {primary hits, fallback hits}. A single lookup
// increments at most one of the two.
func (b *Balancer) GetLruHitStats() Stats {
	return b.counters.Read(b.lruHitStats)
}

// GetLruFallbackStats returns the fallback hit count in V1, matching
// the dataplane counter layout.
func (b *Balancer) GetLruFallbackStats() Stats {
	hits := b.counters.Read(b.lruHitStats)
	return Stats{V1: hits.V2}
}

// GetQuicRoutingStats returns {hash-routed, cid-routed} QUIC packets.
func (b *Balancer) GetQuicRoutingStats() Stats {
	return b.counters.Read(b.quicStats)
}

// GetSrcRoutingStats returns {local, remote} classified packets.
func (b *Balancer) GetSrcRoutingStats() Stats {
	return b.counters.Read(b.srcRouteStats)
}

// GetIcmpTooBigStats returns {v4, v6} too-big events.
func (b *Balancer) GetIcmpTooBigStats() Stats {
	return b.counters.Read(b.icmpTooBigStats)
}

// GetLbStats returns the library-health counters.
func (b *Balancer) GetLbStats() LbStats {
	s := b.counters.Read(b.lbStats)
	return LbStats{FailedDataplaneCalls: s.V1, AddrValidationFailed: s.V2}
}

// GetInternalFailureStats returns aborted-operation counts in V1.
func (b *Balancer) GetInternalFailureStats() Stats {
	return b.counters.Read(b.internalStats)
}

// StatsSnapshot returns every named counter pair for operator tooling.
func (b *Balancer) StatsSnapshot() map[string]Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := map[string]Stats{
		"lru":         b.counters.Read(b.lruStats),
		"lru.miss":    b.counters.Read(b.lruMissStats),
		"lru.hit":     b.counters.Read(b.lruHitStats),
		"quic":        b.counters.Read(b.quicStats),
		"srcrouting":  b.counters.Read(b.srcRouteStats),
		"icmp.toobig": b.counters.Read(b.icmpTooBigStats),
		"lb":          b.counters.Read(b.lbStats),
		"internal":    b.counters.Read(b.internalStats),
	}
	for key, vs := range b.vips {
		out["vip."+key.String()] = b.counters.Read(vs.stats)
	}
	for addr, entry := range b.reals.byAddrMap {
		out["real."+addr.String()] = b.counters.Read(entry.stats)
	}
	return out
}

////////////////////////////////////////////////////////////////////////////////
// Monitor passthrough

// CaptureEvent appends a payload to the monitor ring of an event class.
func (b *Balancer) CaptureEvent(event EventID, payload []byte) {
	b.monitor.Capture(event, payload)
}

// DrainEvent returns the buffered events of a class, oldest first.
func (b *Balancer) DrainEvent(event EventID) []MonitorEvent {
	return b.monitor.Drain(event)
}

// StopMonitor pauses capture without losing buffered events.
func (b *Balancer) StopMonitor() { b.monitor.Stop() }

// StartMonitor resumes capture.
func (b *Balancer) StartMonitor() { b.monitor.Start() }

// GetMonitorStats returns the monitor limits and activity.
func (b *Balancer) GetMonitorStats() MonitorStats {
	return b.monitor.Stats()
}

////////////////////////////////////////////////////////////////////////////////
// Provisioning

// Provision applies a declarative VIP/real layout, typically loaded
// from YAML by a harness.
func (b *Balancer) Provision(cfg *ProvisionConfig) error {
	if len(cfg.LocalPrefixes) > 0 && b.router == nil {
		prefixes := make([]netip.Prefix, 0, len(cfg.LocalPrefixes))
		for _, raw := range cfg.LocalPrefixes {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return fmt.Errorf("invalid local prefix %q: %w", raw, err)
			}
			prefixes = append(prefixes, prefix)
		}
		b.router = NewPrefixSourceRouter(prefixes)
	}

	for _, vip := range cfg.Vips {
		proto, err := ParseProto(vip.Proto)
		if err != nil {
			return fmt.Errorf("vip %s: %w", vip.Addr, err)
		}
		key, err := NewVipKey(vip.Addr, vip.Port, proto)
		if err != nil {
			return err
		}
		if err := b.AddVip(key, vip.Flags); err != nil {
			return err
		}

		for _, real := range vip.Reals {
			addr, err := netip.ParseAddr(real.Addr)
			if err != nil {
				return fmt.Errorf("vip %s: invalid real address %q: %w", key, real.Addr, err)
			}
			weight := real.Weight
			if weight == 0 {
				weight = 1
			}
			err = b.AddRealForVip(key, addr, RealOptions{Weight: weight, Local: real.Local})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
