// Package image implements the HXE v2 loader and byte-exact encoder: fixed
// header, CRC-32 validation, and the metadata section table carrying
// declared values/commands/mailboxes/debug-info. The encoder (Builder) and
// the decoder (Load) are separate types that share the same layout
// constants (header size, section-entry size, flag bits).
package image

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/hsx-systems/hsx/common"
)

const (
	Magic                      = "HXE\x00"
	Version2                   = uint16(2)
	Version1                   = uint16(1)
	headerSize                 = 0x40
	sectionEntry               = 12
	flagAllowMultipleInstances = 1 << 0
)

// SectionType identifies one metadata section's payload shape.
type SectionType uint32

const (
	SectionValue     SectionType = 0x01
	SectionCommand   SectionType = 0x02
	SectionMailbox   SectionType = 0x03
	SectionDebugInfo SectionType = 0x04
)

// Section is one metadata-section-table entry: {type, offset, length}.
type Section struct {
	Type   SectionType
	Offset uint32
	Length uint32
}

// Header is the fixed HXE header, version 2.
type Header struct {
	Version    uint16
	Flags      uint16
	EntryPC    uint32
	CodeSize   uint32
	DataSize   uint32
	BssSize    uint32
	MetaOffset uint32
	MetaCount  uint32
	AppName    string // decoded from the 32-byte NUL-padded field
}

func (h Header) AllowMultipleInstances() bool { return h.Flags&flagAllowMultipleInstances != 0 }

// Image is a fully parsed HXE: header, section table, and the raw code/data
// segments, ready for the executive to turn into a task context.
type Image struct {
	Header   Header
	Sections []Section
	Code     []byte
	Data     []byte
	raw      []byte // full byte image, retained for metadata payload slicing
}

// Load parses and validates an HXE image: magic, version, CRC,
// non-overlapping bounded sections. Version-1 images (no section table)
// load with an empty Sections slice, for compatibility.
func Load(b []byte) (*Image, error) {
	if len(b) < headerSize+4 {
		return nil, common.ErrMetadataInvalid
	}
	if string(b[0:4]) != Magic {
		return nil, common.ErrBadMagic
	}
	version := binary.LittleEndian.Uint16(b[4:6])
	if version != Version1 && version != Version2 {
		return nil, common.ErrVersionUnsupported
	}

	crcOffset := len(b) - 4
	wantCRC := binary.LittleEndian.Uint32(b[crcOffset:])
	gotCRC := crc32.ChecksumIEEE(b[:crcOffset])
	if wantCRC != gotCRC {
		return nil, common.ErrCrcMismatch
	}

	h := Header{
		Version:    version,
		Flags:      binary.LittleEndian.Uint16(b[6:8]),
		EntryPC:    binary.LittleEndian.Uint32(b[8:12]),
		CodeSize:   binary.LittleEndian.Uint32(b[12:16]),
		DataSize:   binary.LittleEndian.Uint32(b[16:20]),
		BssSize:    binary.LittleEndian.Uint32(b[20:24]),
		MetaOffset: binary.LittleEndian.Uint32(b[24:28]),
		MetaCount:  binary.LittleEndian.Uint32(b[28:32]),
		AppName:    decodeAppName(b[32:64]),
	}

	codeStart := headerSize
	codeEnd := codeStart + int(h.CodeSize)
	dataEnd := codeEnd + int(h.DataSize)
	if codeEnd > crcOffset || dataEnd > crcOffset || codeEnd < codeStart || dataEnd < codeEnd {
		return nil, common.ErrSectionOverlap
	}

	img := &Image{Header: h, Code: b[codeStart:codeEnd], Data: b[codeEnd:dataEnd], raw: b}

	if version == Version1 || h.MetaCount == 0 {
		return img, nil
	}

	sections, err := parseSections(b, int(h.MetaOffset), int(h.MetaCount), crcOffset)
	if err != nil {
		return nil, err
	}
	img.Sections = sections
	return img, nil
}

func decodeAppName(b []byte) string {
	end := 0
	for end < len(b) && b[end] != 0 {
		end++
	}
	return string(b[:end])
}

// parseSections decodes the section table and validates every entry is
// within bounds and that entries don't overlap one another.
func parseSections(b []byte, offset, count, limit int) ([]Section, error) {
	tableEnd := offset + count*sectionEntry
	if offset < headerSize || tableEnd > limit {
		return nil, common.ErrSectionOverlap
	}
	out := make([]Section, count)
	for i := 0; i < count; i++ {
		entry := b[offset+i*sectionEntry:]
		s := Section{
			Type:   SectionType(binary.LittleEndian.Uint32(entry[0:4])),
			Offset: binary.LittleEndian.Uint32(entry[4:8]),
			Length: binary.LittleEndian.Uint32(entry[8:12]),
		}
		end := int(s.Offset) + int(s.Length)
		if int(s.Offset) < 0 || end > limit || end < int(s.Offset) {
			return nil, common.ErrSectionOverlap
		}
		out[i] = s
	}
	if err := checkNonOverlapping(out); err != nil {
		return nil, err
	}
	return out, nil
}

// checkNonOverlapping rejects section tables whose byte ranges intersect;
// unknown types are allowed through untouched (forward compatibility), they
// just can't alias another section's bytes.
func checkNonOverlapping(sections []Section) error {
	type span struct{ lo, hi uint32 }
	spans := make([]span, len(sections))
	for i, s := range sections {
		spans[i] = span{s.Offset, s.Offset + s.Length}
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].lo < spans[j].hi && spans[j].lo < spans[i].hi {
				return common.ErrSectionOverlap
			}
		}
	}
	return nil
}

// Payload returns the raw bytes of section s.
func (img *Image) Payload(s Section) []byte {
	return img.raw[s.Offset : s.Offset+s.Length]
}

// SectionsOfType filters the parsed section table by type; unknown types
// are simply never matched by a typed query, per forward compatibility.
func (img *Image) SectionsOfType(t SectionType) []Section {
	var out []Section
	for _, s := range img.Sections {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}
