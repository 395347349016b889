package registry

import (
	"encoding/binary"
	"sync"

	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/log"
)

// Persister is the FRAM-backing store a ValueTable asks to write through on
// every mutation of a Persist-flagged value and consults on registration to
// restore the last-persisted payload across a reboot. Satisfied by
// *persist.Store without registry importing that package directly.
type Persister interface {
	PutValue(oid common.OID, payload []byte) error
	GetValue(oid common.OID) (payload []byte, ok bool)
}

func encodeF16(v common.F16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(v))
	return b[:]
}

func decodeF16(b []byte) (common.F16, bool) {
	if len(b) != 2 {
		return 0, false
	}
	return common.F16(binary.LittleEndian.Uint16(b)), true
}

// ValueFlag composes access and persistence policy for a value entry.
type ValueFlag uint8

const (
	ValueRO ValueFlag = 1 << iota
	ValueRW
	ValuePersist
	ValueNotify
)

// AuthLevel gates Set/Call against the caller's declared privilege.
type AuthLevel uint8

const (
	AuthUser AuthLevel = iota
	AuthAdmin
)

// ValueEntry is the packed per-OID record held by the value registry.
type ValueEntry struct {
	OID            common.OID
	Payload        common.F16
	Flags          ValueFlag
	Auth           AuthLevel
	DescriptorHead uint32
	Owner          common.PID
}

// ValueChangedEvent is emitted on every successful mutation.
type ValueChangedEvent struct {
	OID      common.OID
	Old, New common.F16
}

// ValueRegisteredEvent is emitted when a new OID is accepted.
type ValueRegisteredEvent struct {
	OID   common.OID
	Owner common.PID
}

// subscription binds a mailbox send callback to value-change notifications.
type subscription struct {
	id      uint32
	deliver func(common.OID, common.F16)
}

// ValueTable is the live value registry: OID -> entry, plus the
// subscription fan-out and the shared descriptor/string pool.
type ValueTable struct {
	mu   sync.RWMutex
	pool *Pool

	entries map[common.OID]*ValueEntry
	subs    map[common.OID][]subscription
	nextSub uint32

	OnRegistered func(ValueRegisteredEvent)
	OnChanged    func(ValueChangedEvent)

	persist Persister
}

// NewValueTable constructs an empty table backed by pool.
func NewValueTable(pool *Pool) *ValueTable {
	return &ValueTable{pool: pool, entries: make(map[common.OID]*ValueEntry), subs: make(map[common.OID][]subscription)}
}

// SetPersister wires p as the FRAM-backing store for every Persist-flagged
// value registered or set from here on.
func (t *ValueTable) SetPersister(p Persister) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persist = p
}

// Register accepts a new OID with its initial payload, flags, auth level,
// and descriptor chain. Fails Duplicate if the OID already exists,
// PoolExhausted if AddChain can't intern the descriptor strings. If the
// entry is Persist-flagged and a prior record survives in the backing
// store, that record's payload overrides the declared initial payload;
// boot-time replay happens lazily per OID rather than as a bulk pre-pass.
func (t *ValueTable) Register(oid common.OID, payload common.F16, flags ValueFlag, auth AuthLevel, descriptors []DescriptorSpec, owner common.PID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[oid]; exists {
		return common.ErrDuplicate
	}
	head, err := t.pool.AddChain(descriptors)
	if err != nil {
		return err
	}
	if flags&ValuePersist != 0 && t.persist != nil {
		if raw, ok := t.persist.GetValue(oid); ok {
			if restored, ok := decodeF16(raw); ok {
				payload = restored
			}
		}
	}
	t.entries[oid] = &ValueEntry{OID: oid, Payload: payload, Flags: flags, Auth: auth, DescriptorHead: head, Owner: owner}

	t.logThresholds()
	if t.OnRegistered != nil {
		t.OnRegistered(ValueRegisteredEvent{OID: oid, Owner: owner})
	}
	return nil
}

// Get returns the current payload for oid.
func (t *ValueTable) Get(oid common.OID) (common.F16, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[oid]
	if !ok {
		return 0, common.ErrNoSuchValue
	}
	return e.Payload, nil
}

// Set mutates oid's payload, enforcing RO/auth policy and firing
// value_changed plus any bound subscriptions.
func (t *ValueTable) Set(oid common.OID, newVal common.F16, callerAuth AuthLevel, isOwner bool) error {
	t.mu.Lock()
	e, ok := t.entries[oid]
	if !ok {
		t.mu.Unlock()
		return common.ErrNoSuchValue
	}
	if e.Flags&ValueRW == 0 && !isOwner {
		t.mu.Unlock()
		return common.ErrPermission
	}
	if callerAuth < e.Auth {
		t.mu.Unlock()
		return common.ErrPermission
	}
	old := e.Payload
	e.Payload = newVal
	subs := append([]subscription(nil), t.subs[oid]...)
	persistable := e.Flags&ValuePersist != 0
	persister := t.persist
	t.mu.Unlock()

	if old == newVal {
		return nil
	}
	if persistable && persister != nil {
		// Best-effort: a FRAM write failure is telemetry, not a fault on
		// the task that made the change.
		if err := persister.PutValue(oid, encodeF16(newVal)); err != nil {
			log.Warn("value persist failed", "oid", oid, "err", err)
		}
	}
	if t.OnChanged != nil {
		t.OnChanged(ValueChangedEvent{OID: oid, Old: old, New: newVal})
	}
	for _, s := range subs {
		s.deliver(oid, newVal)
	}
	return nil
}

// Subscribe registers deliver to be called on every future value_changed
// for oid. Returns a subscription id usable with Unsubscribe.
func (t *ValueTable) Subscribe(oid common.OID, deliver func(common.OID, common.F16)) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[oid]; !ok {
		return 0, common.ErrNoSuchValue
	}
	t.nextSub++
	id := t.nextSub
	t.subs[oid] = append(t.subs[oid], subscription{id: id, deliver: deliver})
	return id, nil
}

// Unsubscribe removes a previously registered subscription.
func (t *ValueTable) Unsubscribe(oid common.OID, id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.subs[oid]
	for i, s := range list {
		if s.id == id {
			t.subs[oid] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// List returns a snapshot of every registered value entry, for control-plane
// listings (val.list).
func (t *ValueTable) List() []ValueEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ValueEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

// Entry returns a copy of oid's entry, for val.get/val.stats.
func (t *ValueTable) Entry(oid common.OID) (ValueEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[oid]
	if !ok {
		return ValueEntry{}, false
	}
	return *e, true
}

// Descriptors resolves oid's descriptor chain back to its unlinked form, for
// control-plane listings that need name/unit/range metadata.
func (t *ValueTable) Descriptors(oid common.OID) ([]DescriptorSpec, bool) {
	t.mu.RLock()
	e, ok := t.entries[oid]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return t.pool.Chain(e.DescriptorHead), true
}

// ReleaseOwnedBy removes every value entry owned by pid (task-exit cleanup).
func (t *ValueTable) ReleaseOwnedBy(pid common.PID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for oid, e := range t.entries {
		if e.Owner == pid {
			delete(t.entries, oid)
			delete(t.subs, oid)
		}
	}
}

// logThresholds emits informational/warning telemetry as the descriptor
// pool's fill ratio crosses 70%/80%. The 100% case is enforced by AddChain
// returning PoolExhausted before Register would otherwise succeed.
func (t *ValueTable) logThresholds() {
	ratio := t.pool.HighWater()
	switch {
	case ratio >= 0.8:
		log.Warn("registry descriptor pool pressure", "ratio", ratio)
	case ratio >= 0.7:
		log.Info("registry descriptor pool high water", "ratio", ratio)
	}
}
