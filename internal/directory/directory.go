// Package directory is the persisted registry of paired nodes and the
// pairing admission state machine.
package directory

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"smarttile-coordinator/internal/clock"
	"smarttile-coordinator/internal/store"
	"smarttile-coordinator/internal/wire"
)

const namespace = "nodes"

// FullDeration is the deration level of a node with no thermal cap.
const FullDeration = 100

// Record is the directory entry for one paired node.
type Record struct {
	Addr          wire.Address `json:"address"`
	LightID       string       `json:"light_id"`
	LastDuty      uint8        `json:"last_duty"`
	LastSeen      uint32       `json:"last_seen"` // 0 until heard from since restart
	TempC         float64      `json:"temp_c"`
	Derated       bool         `json:"derated"`
	DerationLevel uint8        `json:"deration_level"`
}

// AdmissionKind is the outcome of Admit.
type AdmissionKind int

const (
	Rejected AdmissionKind = iota
	Admitted
	Renewed
)

func (k AdmissionKind) String() string {
	switch k {
	case Admitted:
		return "admitted"
	case Renewed:
		return "renewed"
	default:
		return "rejected"
	}
}

// Reason explains a rejected admission.
type Reason string

const (
	ReasonPairingInactive Reason = "pairing_inactive"
	ReasonLightInUse      Reason = "light_in_use"
	ReasonPersistFailed   Reason = "persist_failed"
)

// Admission is the result of Admit. Record is set unless Kind is Rejected.
type Admission struct {
	Kind   AdmissionKind
	Record Record
	Reason Reason
}

// Directory holds node records keyed by address with a reverse light index.
type Directory struct {
	mu     sync.RWMutex
	kv     store.KV
	clock  clock.Clock
	logger *slog.Logger

	nodes  map[wire.Address]*Record
	lights map[string]wire.Address

	pairingActive bool
	pairingExpiry uint32
}

// New creates a directory. A nil kv runs the directory in memory only.
func New(kv store.KV, clk clock.Clock, logger *slog.Logger) *Directory {
	return &Directory{
		kv:     kv,
		clock:  clk,
		logger: logger.With("component", "directory"),
		nodes:  make(map[wire.Address]*Record),
		lights: make(map[string]wire.Address),
	}
}

// LightIDFor derives the light id a node gets when it proposes none.
// It depends only on the address so re-pairing yields the same id.
func LightIDFor(addr wire.Address) string {
	return "L" + addr.Suffix()
}

// Begin loads persisted records. It never fails: an unavailable or
// unreadable store leaves the directory running from memory.
func (d *Directory) Begin() int {
	if d.kv == nil {
		d.logger.Warn("no store configured, node directory is memory-only")
		return 0
	}
	count, err := d.kv.GetUint(namespace, "count")
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	if err != nil {
		d.logger.Warn("read node count failed, starting empty", "err", err)
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		key := "node" + strconv.FormatUint(i, 10)
		raw, err := d.kv.GetString(namespace, key)
		if err != nil {
			d.logger.Warn("read node entry failed", "key", key, "err", err)
			continue
		}
		rec, err := parseEntry(raw)
		if err != nil {
			d.logger.Warn("skipping malformed node entry", "key", key, "err", err)
			continue
		}
		if _, dup := d.nodes[rec.Addr]; dup {
			d.logger.Warn("skipping duplicate node entry", "key", key, "addr", rec.Addr)
			continue
		}
		if owner, taken := d.lights[rec.LightID]; taken {
			d.logger.Warn("skipping node with conflicting light", "key", key, "light", rec.LightID, "owner", owner)
			continue
		}
		d.insert(rec)
	}
	d.logger.Info("node directory loaded", "nodes", len(d.nodes))
	return len(d.nodes)
}

func parseEntry(raw string) (*Record, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("want 3 fields, got %d", len(parts))
	}
	addr, err := wire.ParseAddress(parts[0])
	if err != nil {
		return nil, err
	}
	if parts[1] == "" {
		return nil, errors.New("empty light id")
	}
	duty, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("last duty: %w", err)
	}
	return &Record{
		Addr:          addr,
		LightID:       parts[1],
		LastDuty:      uint8(duty),
		DerationLevel: FullDeration,
	}, nil
}

func formatEntry(r *Record) string {
	return r.Addr.String() + "," + r.LightID + "," + strconv.Itoa(int(r.LastDuty))
}

func (d *Directory) insert(r *Record) {
	d.nodes[r.Addr] = r
	d.lights[r.LightID] = r.Addr
}

func (d *Directory) remove(addr wire.Address) (*Record, bool) {
	r, ok := d.nodes[addr]
	if !ok {
		return nil, false
	}
	delete(d.nodes, addr)
	if d.lights[r.LightID] == addr {
		delete(d.lights, r.LightID)
	}
	return r, true
}

// persist rewrites the whole namespace. Caller holds d.mu.
func (d *Directory) persist() error {
	if d.kv == nil {
		return nil
	}
	recs := d.sortedLocked()
	entries := make(map[string]string, len(recs)+1)
	entries["count"] = strconv.Itoa(len(recs))
	for i, r := range recs {
		entries["node"+strconv.Itoa(i)] = formatEntry(r)
	}
	if err := d.kv.Replace(namespace, entries); err != nil {
		return fmt.Errorf("persist nodes: %w", err)
	}
	return nil
}

func (d *Directory) sortedLocked() []*Record {
	out := make([]*Record, 0, len(d.nodes))
	for _, r := range d.nodes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Compare(out[j].Addr) < 0 })
	return out
}

// now returns the clock value with 0 reserved for "not seen".
func (d *Directory) now() uint32 {
	if n := d.clock.Millis(); n != 0 {
		return n
	}
	return 1
}

// --- Pairing window ---

// StartPairing opens the admission window for dur.
func (d *Directory) StartPairing(dur time.Duration) {
	d.mu.Lock()
	d.pairingActive = true
	d.pairingExpiry = d.clock.Millis() + uint32(dur.Milliseconds())
	d.mu.Unlock()
	d.logger.Info("pairing window open", "duration", dur)
}

func (d *Directory) StopPairing() {
	d.mu.Lock()
	was := d.pairingActive
	d.pairingActive = false
	d.mu.Unlock()
	if was {
		d.logger.Info("pairing window closed")
	}
}

// IsPairingActive reports whether the window is open. An expired window
// is closed as a side effect.
func (d *Directory) IsPairingActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pairingActiveLocked()
}

func (d *Directory) pairingActiveLocked() bool {
	if d.pairingActive && !clock.Before(d.clock.Millis(), d.pairingExpiry) {
		d.pairingActive = false
		d.logger.Info("pairing window expired")
	}
	return d.pairingActive
}

// PairingRemaining returns the time left in an open window, or 0.
func (d *Directory) PairingRemaining() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pairingActiveLocked() {
		return 0
	}
	return time.Duration(clock.Since(d.pairingExpiry, d.clock.Millis())) * time.Millisecond
}

// Admit registers addr or refreshes it if already known. Known nodes are
// renewed regardless of the window and do not close it; the first new
// admission closes it.
func (d *Directory) Admit(addr wire.Address, proposedLight string) Admission {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.nodes[addr]; ok {
		r.LastSeen = d.now()
		return Admission{Kind: Renewed, Record: *r}
	}
	if !d.pairingActiveLocked() {
		return Admission{Kind: Rejected, Reason: ReasonPairingInactive}
	}

	light := proposedLight
	if light == "" {
		light = LightIDFor(addr)
	}
	if owner, taken := d.lights[light]; taken {
		d.logger.Warn("admission rejected, light already assigned", "addr", addr, "light", light, "owner", owner)
		return Admission{Kind: Rejected, Reason: ReasonLightInUse}
	}

	rec := &Record{
		Addr:          addr,
		LightID:       light,
		LastSeen:      d.now(),
		DerationLevel: FullDeration,
	}
	d.insert(rec)
	if err := d.persist(); err != nil {
		d.remove(addr)
		d.logger.Error("admission rejected, store write failed", "addr", addr, "err", err)
		return Admission{Kind: Rejected, Reason: ReasonPersistFailed}
	}
	d.pairingActive = false
	d.logger.Info("node admitted", "addr", addr, "light", light)
	return Admission{Kind: Admitted, Record: *rec}
}

// Touch marks addr as heard from now. Returns false for unknown addresses.
func (d *Directory) Touch(addr wire.Address) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.nodes[addr]
	if ok {
		r.LastSeen = d.now()
	}
	return ok
}

// UpdateStatus stores telemetry from a status report.
func (d *Directory) UpdateStatus(addr wire.Address, tempC float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.nodes[addr]
	if ok {
		r.TempC = tempC
	}
	return ok
}

// SetDeration records the thermal cap for addr (clamped to 0..100).
func (d *Directory) SetDeration(addr wire.Address, level uint8) bool {
	level = min(level, FullDeration)
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.nodes[addr]
	if ok {
		r.DerationLevel = level
		r.Derated = level < FullDeration
	}
	return ok
}

// SetDuty records the last commanded duty and persists it when it changed.
func (d *Directory) SetDuty(addr wire.Address, duty uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.nodes[addr]
	if !ok {
		return false
	}
	if r.LastDuty != duty {
		r.LastDuty = duty
		if err := d.persist(); err != nil {
			d.logger.Warn("persist last duty failed", "addr", addr, "err", err)
		}
	}
	return true
}

// Get returns a copy of the record for addr.
func (d *Directory) Get(addr wire.Address) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.nodes[addr]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ByLight returns the record assigned to light.
func (d *Directory) ByLight(light string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.lights[light]
	if !ok {
		return Record{}, false
	}
	return *d.nodes[addr], true
}

func (d *Directory) IsKnown(addr wire.Address) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.nodes[addr]
	return ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// List returns copies of all records in ascending address order.
func (d *Directory) List() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	recs := d.sortedLocked()
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = *r
	}
	return out
}

// Evict removes addr and its light assignment.
func (d *Directory) Evict(addr wire.Address) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.remove(addr)
	if !ok {
		return false
	}
	if err := d.persist(); err != nil {
		d.logger.Warn("persist eviction failed", "addr", addr, "err", err)
	}
	d.logger.Info("node evicted", "addr", addr, "light", r.LightID)
	return true
}

// SweepStale evicts every record last seen more than timeout ms before now.
// Records never seen since restart are exempt. Evicted records are returned
// in ascending address order.
func (d *Directory) SweepStale(now, timeout uint32) []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	var evicted []Record
	for _, r := range d.sortedLocked() {
		if r.LastSeen == 0 || clock.Since(now, r.LastSeen) <= timeout {
			continue
		}
		d.remove(r.Addr)
		evicted = append(evicted, *r)
	}
	if len(evicted) == 0 {
		return nil
	}
	if err := d.persist(); err != nil {
		d.logger.Warn("persist stale sweep failed", "err", err)
	}
	for _, r := range evicted {
		d.logger.Info("stale node evicted", "addr", r.Addr, "light", r.LightID, "age_ms", clock.Since(now, r.LastSeen))
	}
	return evicted
}

// Reset drops every record and closes the pairing window.
func (d *Directory) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.nodes)
	clear(d.lights)
	d.pairingActive = false
	if d.kv == nil {
		return nil
	}
	if err := d.kv.Clear(namespace); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}
	return nil
}
