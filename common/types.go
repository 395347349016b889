// Package common holds the small shared value types and the error taxonomy
// used across the MiniVM, executive, mailbox, and registry packages. It is
// the lowest-level package in the module and imports nothing above the
// standard library.
package common

import "fmt"

// PID is a 16-bit task identifier, unique over the executive's lifetime.
type PID uint16

// OID is a 16-bit object identifier: (group_id<<8)|value_id, shared by the
// value and command registries.
type OID uint16

// Group returns the high byte of the OID.
func (o OID) Group() uint8 { return uint8(o >> 8) }

// Item returns the low byte of the OID.
func (o OID) Item() uint8 { return uint8(o) }

// MakeOID packs a group/value-id pair into an OID.
func MakeOID(group, id uint8) OID { return OID(uint16(group)<<8 | uint16(id)) }

func (o OID) String() string { return fmt.Sprintf("0x%04X", uint16(o)) }

// MailboxHandle is a stable, tombstone-safe index into the executive's
// mailbox table — never a pointer, per the arena+stable-index design used
// to avoid ownership cycles between mailboxes and their subscribers.
type MailboxHandle uint32

// SessionID identifies a debugger control-plane session.
type SessionID string
