package toolchain

import "encoding/json"

// Metadata is the decoded form of an HXE image's declarative sections:
// the {declared_mailboxes, declared_values, declared_commands} triple the
// loader hands the executive before it dispatches the first instruction.
// Encoding is plain JSON over a fixed-field-order
// struct slice, which is already byte-stable for a fixed input (no map
// iteration), satisfying the toolchain's determinism requirement without
// needing a bespoke binary format for data that is read only at load time.
type Metadata struct {
	Values    []ValueDirective
	Commands  []CommandDirective
	Mailboxes []MailboxDirective
}

// EncodeValueSection/EncodeCommandSection/EncodeMailboxSection render one
// metadata section's payload bytes, consumed by image.Builder via
// SectionPayload.Bytes.
func EncodeValueSection(values []ValueDirective) ([]byte, error) {
	return json.Marshal(values)
}

func EncodeCommandSection(cmds []CommandDirective) ([]byte, error) {
	return json.Marshal(cmds)
}

func EncodeMailboxSection(mboxes []MailboxDirective) ([]byte, error) {
	return json.Marshal(mboxes)
}

// DecodeValueSection/DecodeCommandSection/DecodeMailboxSection reverse the
// Encode* functions; called by the executive's image loader path.
func DecodeValueSection(b []byte) ([]ValueDirective, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []ValueDirective
	err := json.Unmarshal(b, &out)
	return out, err
}

func DecodeCommandSection(b []byte) ([]CommandDirective, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []CommandDirective
	err := json.Unmarshal(b, &out)
	return out, err
}

func DecodeMailboxSection(b []byte) ([]MailboxDirective, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []MailboxDirective
	err := json.Unmarshal(b, &out)
	return out, err
}
