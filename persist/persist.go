// Package persist implements the FRAM-emulation key/value record store
// backing persistable registry values. Records are
// {key_u16, length_u16, payload, crc_u16}; the store itself sits on
// github.com/syndtr/goleveldb, whose log-structured write path and
// background compaction already elide superseded keys, so no hand-rolled
// compaction pass is needed.
package persist

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/hsx-systems/hsx/common"
)

// Store is the persistable-value backing store: one record per persistable
// OID, keyed by the OID itself.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a goleveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store, used by tests and by hosts with no
// durable FRAM backing.
func OpenMemory() *Store {
	db, _ := leveldb.Open(storage.NewMemStorage(), nil)
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

// encodeRecord packs {length_u16, payload, crc_u16} — the key itself is the
// goleveldb key, so key_u16 isn't duplicated into the value.
func encodeRecord(payload []byte) []byte {
	if len(payload) > 0xFFFF {
		payload = payload[:0xFFFF]
	}
	out := make([]byte, 2+len(payload)+2)
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(payload)))
	copy(out[2:], payload)
	crc := crc32.ChecksumIEEE(out[:2+len(payload)])
	binary.LittleEndian.PutUint16(out[2+len(payload):], uint16(crc))
	return out
}

// decodeRecord validates the trailing CRC and returns the payload. Mismatch
// causes the record to be treated as absent rather than corrupting the
// registry on replay: a torn write rolls back to the prior state instead
// of surfacing garbage.
func decodeRecord(raw []byte) ([]byte, bool) {
	if len(raw) < 4 {
		return nil, false
	}
	length := binary.LittleEndian.Uint16(raw[0:2])
	if int(length)+4 > len(raw) {
		return nil, false
	}
	payload := raw[2 : 2+int(length)]
	wantCRC := binary.LittleEndian.Uint16(raw[2+int(length):])
	gotCRC := uint16(crc32.ChecksumIEEE(raw[:2+int(length)]))
	if wantCRC != gotCRC {
		return nil, false
	}
	return payload, true
}

func oidKey(oid common.OID) []byte {
	var k [2]byte
	binary.LittleEndian.PutUint16(k[:], uint16(oid))
	return k[:]
}

// PutValue persists payload (an encoded f16 or larger blob for future
// record kinds) under oid. Best-effort: a write failure is returned for the
// caller to surface as telemetry rather than fault the writing task.
func (s *Store) PutValue(oid common.OID, payload []byte) error {
	return s.db.Put(oidKey(oid), encodeRecord(payload), nil)
}

// GetValue returns oid's last-persisted payload. ok is false if absent or
// if the stored record's CRC no longer matches (torn write).
func (s *Store) GetValue(oid common.OID) (payload []byte, ok bool) {
	raw, err := s.db.Get(oidKey(oid), nil)
	if err != nil {
		return nil, false
	}
	return decodeRecord(raw)
}

// DeleteValue removes a persisted record, e.g. on owner task exit when the
// OID is not marked Persist beyond the owning task's lifetime.
func (s *Store) DeleteValue(oid common.OID) error {
	return s.db.Delete(oidKey(oid), nil)
}

// Each replays every persisted record whose CRC checks out into fn; records
// that fail the check are skipped. fn receives its own copy of the payload.
func (s *Store) Each(fn func(oid common.OID, payload []byte)) error {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := iter.Key()
		if len(key) != 2 {
			continue
		}
		oid := common.OID(binary.LittleEndian.Uint16(key))
		if payload, ok := decodeRecord(iter.Value()); ok {
			fn(oid, append([]byte(nil), payload...))
		}
	}
	return iter.Error()
}
