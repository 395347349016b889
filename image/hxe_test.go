package image

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsx-systems/hsx/common"
)

func buildMinimal(t *testing.T) []byte {
	t.Helper()
	b := &Builder{
		EntryPC: 0,
		AppName: "probe",
		Code:    []byte{0, 0, 0, 0},
		Data:    []byte{1, 2, 3, 4},
		Sections: []SectionPayload{
			{Type: SectionValue, Bytes: []byte("value-meta")},
		},
	}
	return b.Encode()
}

func TestLoadRoundTrip(t *testing.T) {
	raw := buildMinimal(t)
	img, err := Load(raw)
	require.NoError(t, err)

	assert.Equal(t, "probe", img.Header.AppName)
	assert.Equal(t, uint32(4), img.Header.CodeSize)
	assert.Equal(t, uint32(4), img.Header.DataSize)
	require.Len(t, img.Sections, 1)
	assert.Equal(t, []byte("value-meta"), img.Payload(img.Sections[0]))
}

func TestLoadRejectsBadMagic(t *testing.T) {
	raw := buildMinimal(t)
	raw[0] = 'X'
	_, err := Load(raw)
	assert.ErrorIs(t, err, common.ErrBadMagic)
}

func TestLoadRejectsCrcMismatch(t *testing.T) {
	raw := buildMinimal(t)
	raw[headerSize] ^= 0xFF // flip one byte inside the code segment
	_, err := Load(raw)
	assert.ErrorIs(t, err, common.ErrCrcMismatch)
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	// A CRC mismatch would also be triggered by a naive byte flip; recompute
	// the CRC afterward so only the version field is actually wrong.
	b := &Builder{AppName: "x", Code: []byte{0, 0, 0, 0}}
	raw := b.Encode()
	raw[4], raw[5] = 0x09, 0x00
	raw = recomputeCRC(raw)

	_, err := Load(raw)
	assert.ErrorIs(t, err, common.ErrVersionUnsupported)
}

func recomputeCRC(b []byte) []byte {
	out := append([]byte(nil), b...)
	// Reuse Encode's own CRC field placement: last 4 bytes.
	crc := crc32.ChecksumIEEE(out[:len(out)-4])
	binary.LittleEndian.PutUint32(out[len(out)-4:], crc)
	return out
}

func TestSectionOverlapRejected(t *testing.T) {
	b := &Builder{
		AppName: "x",
		Code:    []byte{0, 0, 0, 0},
		Sections: []SectionPayload{
			{Type: SectionValue, Bytes: []byte("aaaa")},
			{Type: SectionCommand, Bytes: []byte("bbbb")},
		},
	}
	raw := b.Encode()
	img, err := Load(raw)
	require.NoError(t, err)
	require.Len(t, img.Sections, 2)

	// Hand-corrupt the second section's offset to overlap the first.
	secondOff := int(img.Header.MetaOffset) + sectionEntry
	binary.LittleEndian.PutUint32(raw[secondOff+4:], img.Sections[0].Offset)
	raw = recomputeCRC(raw)

	_, err = Load(raw)
	assert.ErrorIs(t, err, common.ErrSectionOverlap)
}

func TestVersion1LoadsWithoutSectionTable(t *testing.T) {
	raw := buildMinimal(t)
	raw[4], raw[5] = 0x01, 0x00
	raw = recomputeCRC(raw)

	img, err := Load(raw)
	require.NoError(t, err)
	assert.Empty(t, img.Sections)
}
