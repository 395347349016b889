package image

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// Builder assembles an HXE v2 image byte-for-byte, the encoder side the
// toolchain's linker drives. Encoding is deterministic: identical Builder
// contents always produce identical bytes, since nothing here consults
// wall-clock time or map iteration order — a rebuild from identical inputs
// under the same SOURCE_DATE_EPOCH is bit-identical.
type Builder struct {
	EntryPC             uint32
	AllowMultiInstances bool
	AppName             string
	Code                []byte
	Data                []byte
	BssSize             uint32
	Sections            []SectionPayload
}

// SectionPayload is one metadata section awaiting encoding; Bytes must
// already be in its final on-wire form (the linker is responsible for that).
type SectionPayload struct {
	Type  SectionType
	Bytes []byte
}

// Encode renders b into a complete, CRC-sealed HXE v2 image.
func (b *Builder) Encode() []byte {
	var buf bytes.Buffer

	flags := uint16(0)
	if b.AllowMultiInstances {
		flags |= flagAllowMultipleInstances
	}

	metaOffset := headerSize + len(b.Code) + len(b.Data)
	metaCount := len(b.Sections)
	sectionTableSize := metaCount * sectionEntry

	buf.WriteString(Magic)
	writeU16(&buf, Version2)
	writeU16(&buf, flags)
	writeU32(&buf, b.EntryPC)
	writeU32(&buf, uint32(len(b.Code)))
	writeU32(&buf, uint32(len(b.Data)))
	writeU32(&buf, b.BssSize)
	writeU32(&buf, uint32(metaOffset))
	writeU32(&buf, uint32(metaCount))
	buf.Write(padName(b.AppName, 32))

	buf.Write(b.Code)
	buf.Write(b.Data)

	payloadOffset := metaOffset + sectionTableSize
	for _, s := range b.Sections {
		writeU32(&buf, uint32(s.Type))
		writeU32(&buf, uint32(payloadOffset))
		writeU32(&buf, uint32(len(s.Bytes)))
		payloadOffset += len(s.Bytes)
	}
	for _, s := range b.Sections {
		buf.Write(s.Bytes)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	writeU32(&buf, crc)
	return buf.Bytes()
}

func padName(name string, size int) []byte {
	out := make([]byte, size)
	copy(out, name)
	return out
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
