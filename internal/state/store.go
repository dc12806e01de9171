package state

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Store.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Policy holds the entity lifecycle constants the store enforces.
type Policy struct {
	// NetworkMissedScans is how many consecutive scans a network may be
	// absent from before it is pruned.
	NetworkMissedScans int
	// DeviceGracePeriod is how long a vanished Bluetooth device is retained
	// before SweepVanished removes it.
	DeviceGracePeriod time.Duration
}

// Store is the authoritative in-memory model of devices, audio entities, and
// networks.
//
// Mutation follows a single-writer discipline: the aggregation loop is the
// only caller of Apply, ClearBackend, BeginGeneration, CompleteScan, and
// SweepVanished, so one coarse critical section per event is sufficient.
// Snapshot and the lookup helpers may be called from any goroutine.
//
// Every mutation enforces the store invariants:
//   - at most one default sink and one default source
//   - no two devices share an address, no two networks share (SSID, BSSID)
//   - per-adapter event sequences are strictly increasing; stale or
//     duplicate sequences are no-ops
type Store struct {
	mu     sync.Mutex
	logger Logger
	policy Policy

	// seq is the store-global change sequence, stamped onto every
	// NormalizedChange and onto snapshots for subscriber dedup.
	seq uint64

	devices  map[string]*deviceRecord
	audio    map[string]*audioRecord
	networks map[string]*networkRecord

	// audioGeneration is bumped on every audio adapter (re)connection so
	// that reused backend indices name distinct entities.
	audioGeneration uint64

	// scan is the index of the current scan window; networks sighted during
	// the window carry it in seenScan.
	scan uint64

	// adapterSeq tracks the highest applied per-adapter sequence, for
	// duplicate and replay rejection.
	adapterSeq map[Backend]uint64
}

type deviceRecord struct {
	dev Device
}

type audioRecord struct {
	ent AudioEntity
}

type networkRecord struct {
	net      Network
	seenScan uint64
	missed   int
}

// NewStore creates an empty store with the given lifecycle policy.
func NewStore(policy Policy) *Store {
	if policy.NetworkMissedScans < 1 {
		policy.NetworkMissedScans = 1
	}
	return &Store{
		logger:     noopLogger{},
		policy:     policy,
		devices:    make(map[string]*deviceRecord),
		audio:      make(map[string]*audioRecord),
		networks:   make(map[string]*networkRecord),
		adapterSeq: make(map[Backend]uint64),
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Apply applies one backend change event, enforcing the store invariants.
//
// Returns:
//   - (*NormalizedChange, nil): the change to deliver to subscribers
//   - (nil, nil): the event was a no-op (duplicate, stale, or value-equal)
//   - (nil, error): the event would violate an invariant; the caller logs
//     and drops it, and subscribers never observe it
func (s *Store) Apply(ev ChangeEvent) (*NormalizedChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.admitLocked(ev.Backend, ev.Sequence) {
		return nil, nil
	}

	switch ev.Backend {
	case BackendBluetooth:
		return s.applyDevice(ev)
	case BackendAudio:
		return s.applyAudio(ev)
	case BackendNetwork:
		return s.applyNetwork(ev)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, ev.Backend)
	}
}

// admitLocked performs the per-adapter sequence check and records the event
// sequence. Returns false for duplicate or out-of-order replays.
func (s *Store) admitLocked(b Backend, seq uint64) bool {
	if seq <= s.adapterSeq[b] {
		s.logger.Debug("stale event dropped", "backend", b, "sequence", seq, "last", s.adapterSeq[b])
		return false
	}
	s.adapterSeq[b] = seq
	return true
}

// applyDevice handles Bluetooth device events.
//
// A removal event does not delete the record: the device is marked vanished
// and retained for the grace period, so brief discovery dropouts do not churn
// subscriber views. SweepVanished performs the eventual removal.
func (s *Store) applyDevice(ev ChangeEvent) (*NormalizedChange, error) {
	if ev.Kind == EventRemoved {
		id := ev.EntityID
		if id == "" && ev.Device != nil {
			id = ev.Device.Address
		}
		rec, ok := s.devices[id]
		if !ok || rec.dev.VanishedAt != nil {
			return nil, nil
		}
		now := time.Now().UTC()
		rec.dev.VanishedAt = &now
		rec.dev.State = DeviceDisconnected
		dev := rec.dev
		ch := s.nextChange(ChangeChanged, BackendBluetooth, id)
		ch.Device = &dev
		return &ch, nil
	}

	if ev.Device == nil {
		return nil, fmt.Errorf("%w: device event without payload", ErrInvariantViolation)
	}
	d := *ev.Device
	if d.Address == "" {
		return nil, fmt.Errorf("%w: device without address", ErrInvariantViolation)
	}
	d.ID = d.Address
	if d.State == "" {
		d.State = DeviceDiscovered
	}
	// Any sighting clears a pending vanish.
	d.VanishedAt = nil

	rec, exists := s.devices[d.Address]
	if exists && deviceEqual(rec.dev, d) {
		return nil, nil
	}

	s.devices[d.Address] = &deviceRecord{dev: d}

	ct := ChangeAdded
	if exists {
		ct = ChangeChanged
	}
	dev := d
	ch := s.nextChange(ct, BackendBluetooth, d.Address)
	ch.Device = &dev
	return &ch, nil
}

// applyAudio handles sink, source, and stream events.
//
// Entities are stamped with the current generation so that index reuse after
// a backend restart yields a fresh identity. Setting the default flag clears
// it on the previous default of the same kind; the demoted entity's own
// change event arrives from the backend and is applied when it does.
func (s *Store) applyAudio(ev ChangeEvent) (*NormalizedChange, error) {
	if ev.Kind == EventRemoved {
		id := ev.EntityID
		if id == "" && ev.Audio != nil {
			id = AudioID(ev.Audio.Kind, s.audioGeneration, ev.Audio.Index)
		}
		if _, ok := s.audio[id]; !ok {
			return nil, nil
		}
		delete(s.audio, id)
		ch := s.nextChange(ChangeRemoved, BackendAudio, id)
		return &ch, nil
	}

	if ev.Audio == nil {
		return nil, fmt.Errorf("%w: audio event without payload", ErrInvariantViolation)
	}
	a := *ev.Audio
	switch a.Kind {
	case AudioSink, AudioSource, AudioStream:
	default:
		return nil, fmt.Errorf("%w: audio entity with kind %q", ErrInvariantViolation, a.Kind)
	}
	if a.Volume < 0 || a.Volume > 100 {
		return nil, fmt.Errorf("%w: audio volume %d outside 0-100", ErrInvariantViolation, a.Volume)
	}
	a.Generation = s.audioGeneration
	a.ID = AudioID(a.Kind, a.Generation, a.Index)

	// Streams carry no default flag.
	if a.Kind == AudioStream {
		a.Default = false
	}

	rec, exists := s.audio[a.ID]
	if exists && rec.ent == a {
		return nil, nil
	}

	if a.Default {
		s.demoteDefaultLocked(a.Kind, a.ID)
	}

	s.audio[a.ID] = &audioRecord{ent: a}

	ct := ChangeAdded
	if exists {
		ct = ChangeChanged
	}
	ent := a
	ch := s.nextChange(ct, BackendAudio, a.ID)
	ch.Audio = &ent
	return &ch, nil
}

// demoteDefaultLocked clears the default flag on any other entity of the
// given kind, maintaining the at-most-one-default invariant.
func (s *Store) demoteDefaultLocked(kind AudioKind, keepID string) {
	for id, rec := range s.audio {
		if id == keepID || rec.ent.Kind != kind || !rec.ent.Default {
			continue
		}
		rec.ent.Default = false
		s.logger.Debug("default demoted", "kind", kind, "entity", id, "promoted", keepID)
	}
}

// applyNetwork handles Wi-Fi access point events.
// Every sighting stamps the record with the current scan window so scan-based
// staleness pruning can tell fresh networks from vanished ones.
func (s *Store) applyNetwork(ev ChangeEvent) (*NormalizedChange, error) {
	if ev.Kind == EventRemoved {
		id := ev.EntityID
		if id == "" && ev.Network != nil {
			id = NetworkID(ev.Network.SSID, ev.Network.BSSID)
		}
		if _, ok := s.networks[id]; !ok {
			return nil, nil
		}
		delete(s.networks, id)
		ch := s.nextChange(ChangeRemoved, BackendNetwork, id)
		return &ch, nil
	}

	if ev.Network == nil {
		return nil, fmt.Errorf("%w: network event without payload", ErrInvariantViolation)
	}
	n := *ev.Network
	if n.SSID == "" || n.BSSID == "" {
		return nil, fmt.Errorf("%w: network without SSID+BSSID identity", ErrInvariantViolation)
	}
	if n.Signal < 0 || n.Signal > 100 {
		return nil, fmt.Errorf("%w: network signal %d outside 0-100", ErrInvariantViolation, n.Signal)
	}
	n.ID = NetworkID(n.SSID, n.BSSID)
	if n.State == "" {
		n.State = NetworkVisible
	}

	rec, exists := s.networks[n.ID]
	if exists {
		// Bookkeeping updates even when the visible value is unchanged.
		rec.seenScan = s.scan
		rec.missed = 0
		if rec.net == n {
			return nil, nil
		}
		rec.net = n
	} else {
		s.networks[n.ID] = &networkRecord{net: n, seenScan: s.scan}
	}

	ct := ChangeAdded
	if exists {
		ct = ChangeChanged
	}
	net := n
	ch := s.nextChange(ct, BackendNetwork, n.ID)
	ch.Network = &net
	return &ch, nil
}

// CompleteScan closes the current scan window. Networks not sighted during
// the window accrue a missed scan and are pruned once they exceed the policy
// threshold. Returns the synthetic removal changes, in deterministic order.
func (s *Store) CompleteScan(seq uint64) []NormalizedChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.admitLocked(BackendNetwork, seq) {
		return nil
	}

	var removedIDs []string
	for id, rec := range s.networks {
		if rec.seenScan == s.scan {
			rec.missed = 0
			continue
		}
		rec.missed++
		if rec.missed >= s.policy.NetworkMissedScans {
			removedIDs = append(removedIDs, id)
		}
	}
	sort.Strings(removedIDs)

	changes := make([]NormalizedChange, 0, len(removedIDs))
	for _, id := range removedIDs {
		delete(s.networks, id)
		changes = append(changes, s.nextChange(ChangeRemoved, BackendNetwork, id))
		s.logger.Debug("stale network pruned", "network", id)
	}

	s.scan++
	return changes
}

// SweepVanished removes devices whose vanish grace period has elapsed.
// Returns the synthetic removal changes, in deterministic order.
func (s *Store) SweepVanished(now time.Time) []NormalizedChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiredIDs []string
	for id, rec := range s.devices {
		if rec.dev.VanishedAt == nil {
			continue
		}
		if now.Sub(*rec.dev.VanishedAt) >= s.policy.DeviceGracePeriod {
			expiredIDs = append(expiredIDs, id)
		}
	}
	sort.Strings(expiredIDs)

	changes := make([]NormalizedChange, 0, len(expiredIDs))
	for _, id := range expiredIDs {
		delete(s.devices, id)
		changes = append(changes, s.nextChange(ChangeRemoved, BackendBluetooth, id))
		s.logger.Debug("vanished device pruned", "device", id)
	}
	return changes
}

// ClearBackend removes every entity owned by a backend, producing synthetic
// removal changes. Called when an adapter connection is lost; the entities
// return via the full-state replay on reconnection.
func (s *Store) ClearBackend(b Backend) []NormalizedChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	switch b {
	case BackendBluetooth:
		for id := range s.devices {
			ids = append(ids, id)
		}
	case BackendAudio:
		for id := range s.audio {
			ids = append(ids, id)
		}
	case BackendNetwork:
		for id := range s.networks {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	changes := make([]NormalizedChange, 0, len(ids))
	for _, id := range ids {
		switch b {
		case BackendBluetooth:
			delete(s.devices, id)
		case BackendAudio:
			delete(s.audio, id)
		case BackendNetwork:
			delete(s.networks, id)
		}
		changes = append(changes, s.nextChange(ChangeRemoved, b, id))
	}

	// A fresh connection replays state with a fresh sequence space.
	s.adapterSeq[b] = 0

	if len(changes) > 0 {
		s.logger.Info("backend entities cleared", "backend", b, "count", len(changes))
	}
	return changes
}

// BeginGeneration prepares the store for a (re)connected adapter's full-state
// replay. For the audio backend this bumps the generation counter so reused
// indices become distinct identities; for every backend it resets the
// per-adapter sequence tracking.
func (s *Store) BeginGeneration(b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.adapterSeq[b] = 0
	if b == BackendAudio {
		s.audioGeneration++
		s.logger.Debug("audio generation advanced", "generation", s.audioGeneration)
	}
}

// Snapshot returns a point-in-time copy of the requested categories.
// No categories means all. Entities are sorted by ID for determinism, and
// the snapshot carries the store sequence for subscriber dedup.
func (s *Store) Snapshot(categories ...Category) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[Category]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}
	all := len(categories) == 0

	snap := Snapshot{Sequence: s.seq}

	if all || want[CategoryDevices] {
		snap.Devices = make([]Device, 0, len(s.devices))
		for _, rec := range s.devices {
			snap.Devices = append(snap.Devices, rec.dev)
		}
		sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].ID < snap.Devices[j].ID })
	}
	if all || want[CategoryAudio] {
		snap.Audio = make([]AudioEntity, 0, len(s.audio))
		for _, rec := range s.audio {
			snap.Audio = append(snap.Audio, rec.ent)
		}
		sort.Slice(snap.Audio, func(i, j int) bool { return snap.Audio[i].ID < snap.Audio[j].ID })
	}
	if all || want[CategoryNetworks] {
		snap.Networks = make([]Network, 0, len(s.networks))
		for _, rec := range s.networks {
			snap.Networks = append(snap.Networks, rec.net)
		}
		sort.Slice(snap.Networks, func(i, j int) bool { return snap.Networks[i].ID < snap.Networks[j].ID })
	}

	return snap
}

// Device returns a copy of the device with the given ID.
func (s *Store) Device(id string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.devices[id]
	if !ok {
		return Device{}, false
	}
	return rec.dev, true
}

// AudioEntity returns a copy of the audio entity with the given ID.
func (s *Store) AudioEntity(id string) (AudioEntity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.audio[id]
	if !ok {
		return AudioEntity{}, false
	}
	return rec.ent, true
}

// Network returns a copy of the network with the given ID.
func (s *Store) Network(id string) (Network, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.networks[id]
	if !ok {
		return Network{}, false
	}
	return rec.net, true
}

// Sequence returns the current store-global change sequence.
func (s *Store) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Counts returns the number of entities per category, for status reporting.
func (s *Store) Counts() map[Category]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[Category]int{
		CategoryDevices:  len(s.devices),
		CategoryAudio:    len(s.audio),
		CategoryNetworks: len(s.networks),
	}
}

// nextChange advances the store sequence and stamps a new change.
// Callers must hold s.mu.
func (s *Store) nextChange(ct ChangeType, b Backend, id string) NormalizedChange {
	s.seq++
	return NormalizedChange{
		Sequence:  s.seq,
		Category:  b.Category(),
		Backend:   b,
		Type:      ct,
		EntityID:  id,
		Timestamp: time.Now().UTC(),
	}
}

// deviceEqual compares the caller-visible value of two devices.
func deviceEqual(a, b Device) bool {
	return a.Address == b.Address &&
		a.Name == b.Name &&
		a.State == b.State &&
		intPtrEqual(a.Signal, b.Signal) &&
		intPtrEqual(a.Battery, b.Battery) &&
		timePtrEqual(a.VanishedAt, b.VanishedAt)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
