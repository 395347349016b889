// Package mailbox implements the namespaced IPC queues:
// open/create/send/recv/peek/tap/close, delivery modes, back-pressure, and
// FIFO waiter fairness. Delivery is a byte-ring transport with first-reader,
// fan-out, and tap semantics layered over per-reader queues.
package mailbox

// Mode is a bitmask composing access, delivery, and alias semantics for a
// mailbox, matching the wire vocabulary in MVASM .mailbox directives.
type Mode uint16

const (
	RDONLY Mode = 1 << iota
	WRONLY
	RDWR
	FANOUT_DROP
	FANOUT_BLOCK
	TAP
	STDOUT
	STDERR
	STDIN
)

func (m Mode) Has(flag Mode) bool { return m&flag != 0 }

// Namespace identifies which of the four mailbox namespaces a name belongs
// to; derived from the name's prefix.
type Namespace uint8

const (
	NamespaceSvc    Namespace = iota // "svc:" — system services, owner 0
	NamespacePID                     // "pid:<n>:" — private
	NamespaceApp                     // "app:" — intra-application
	NamespaceShared                  // "shared:" — global, owner 0
)
