package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsx-systems/hsx/common"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	require.NoError(t, s.PutValue(common.OID(7), []byte{0xAA, 0xBB}))

	got, ok := s.GetValue(common.OID(7))
	require.True(t, ok)
	assert.Equal(t, []byte{0xAA, 0xBB}, got)
}

func TestGetValueMissingReturnsNotOK(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	_, ok := s.GetValue(common.OID(99))
	assert.False(t, ok)
}

func TestGetValueDetectsTornWrite(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	require.NoError(t, s.PutValue(common.OID(1), []byte{1, 2, 3}))

	raw, err := s.db.Get(oidKey(common.OID(1)), nil)
	require.NoError(t, err)
	corrupt := append([]byte(nil), raw...)
	corrupt[2] ^= 0xFF
	require.NoError(t, s.db.Put(oidKey(common.OID(1)), corrupt, nil))

	_, ok := s.GetValue(common.OID(1))
	assert.False(t, ok, "CRC mismatch must not be returned as valid data")
}

func TestDeleteValueRemovesRecord(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	require.NoError(t, s.PutValue(common.OID(3), []byte{9}))
	require.NoError(t, s.DeleteValue(common.OID(3)))

	_, ok := s.GetValue(common.OID(3))
	assert.False(t, ok)
}

func TestEachReplaysAllRecords(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	require.NoError(t, s.PutValue(common.OID(10), []byte{1}))
	require.NoError(t, s.PutValue(common.OID(20), []byte{2}))

	seen := map[common.OID][]byte{}
	require.NoError(t, s.Each(func(oid common.OID, payload []byte) {
		seen[oid] = payload
	}))

	assert.Equal(t, []byte{1}, seen[common.OID(10)])
	assert.Equal(t, []byte{2}, seen[common.OID(20)])
}
