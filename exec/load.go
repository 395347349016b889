package exec

import (
	"context"
	"strings"

	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/image"
	"github.com/hsx-systems/hsx/log"
	"github.com/hsx-systems/hsx/mailbox"
	"github.com/hsx-systems/hsx/registry"
	"github.com/hsx-systems/hsx/toolchain"
)

// preregister decodes img's VALUE/COMMAND/MAILBOX metadata sections and
// creates the declared mailboxes and registry entries before the task's
// first instruction runs. Unknown or absent sections are simply skipped,
// the same forward-compatibility stance the loader takes for its section
// table.
func (e *Executive) preregister(pid common.PID, img *image.Image) {
	for _, s := range img.SectionsOfType(image.SectionMailbox) {
		mboxes, err := toolchain.DecodeMailboxSection(img.Payload(s))
		if err != nil {
			log.Warn("skipping malformed mailbox metadata", "pid", pid, "err", err)
			continue
		}
		for _, m := range mboxes {
			if _, err := e.Mailboxes.Create(m.Target, m.Capacity, parseModeMask(m.ModeMask), pid); err != nil {
				log.Warn("declared mailbox pre-create failed", "pid", pid, "target", m.Target, "err", err)
			}
		}
	}

	for _, s := range img.SectionsOfType(image.SectionValue) {
		values, err := toolchain.DecodeValueSection(img.Payload(s))
		if err != nil {
			log.Warn("skipping malformed value metadata", "pid", pid, "err", err)
			continue
		}
		for _, v := range values {
			descriptors := valueDescriptors(v)
			flags := parseValueFlags(v)
			oid := v.OID()
			if err := e.Values.Register(oid, common.FromFloat32(0), flags, registry.AuthUser, descriptors, pid); err != nil {
				log.Warn("declared value pre-register failed", "pid", pid, "oid", oid, "err", err)
			}
		}
	}

	for _, s := range img.SectionsOfType(image.SectionCommand) {
		cmds, err := toolchain.DecodeCommandSection(img.Payload(s))
		if err != nil {
			log.Warn("skipping malformed command metadata", "pid", pid, "err", err)
			continue
		}
		for _, c := range cmds {
			e.registerDeclaredCommand(pid, c)
		}
	}
}

func (e *Executive) registerDeclaredCommand(pid common.PID, c toolchain.CommandDirective) {
	flags := registry.CommandFlag(0)
	if c.Secure {
		flags |= registry.CmdSecure
	}
	if c.Async {
		flags |= registry.CmdAsync
	}
	auth := registry.AuthUser
	if strings.EqualFold(c.Auth, "admin") {
		auth = registry.AuthAdmin
	}

	entry := registry.CommandEntry{OID: c.OID(), Flags: flags, Auth: auth, Owner: pid, PIN: c.PIN}

	var handler registry.Handler
	if addr, ok := c.ResolvedAddr(); ok {
		entry.HandlerAddr = addr
		handler = e.inlineCallHandler(pid, addr)
	} else if name, ok := c.HostName(); ok {
		handler = e.hostHandler(name)
	} else {
		// No binding at all: calling it always faults, but registration
		// still reserves the OID and descriptor metadata for listings.
		handler = func(context.Context, []byte) ([]byte, error) { return nil, common.ErrHandlerFault }
	}

	var descriptors []registry.DescriptorSpec
	if c.Name != "" {
		descriptors = append(descriptors, registry.DescriptorSpec{Kind: registry.KindName, Text: c.Name})
	}
	if err := e.Commands.Register(entry, handler, descriptors); err != nil {
		log.Warn("declared command pre-register failed", "pid", pid, "oid", entry.OID, "err", err)
	}
}

// hostHandler resolves a "host:<name>" binding against handlers installed
// with RegisterHostHandler; an unbound name faults until the host supplies
// one (e.g. a SVC module backed by an external UART/CAN/FRAM driver).
func (e *Executive) hostHandler(name string) registry.Handler {
	return func(ctx context.Context, args []byte) ([]byte, error) {
		e.hostMu.Lock()
		h, ok := e.hostHandlers[name]
		e.hostMu.Unlock()
		if !ok {
			return nil, common.ErrHandlerFault
		}
		return h(ctx, args)
	}
}

// RegisterHostHandler binds a Go-implemented command handler under name for
// "host:<name>" .cmd directives — the extension point external SVC-module
// driver stubs (UART/CAN/FRAM/FS) use to supply behavior the image itself
// doesn't carry as bytecode.
func (e *Executive) RegisterHostHandler(name string, h registry.Handler) {
	e.hostMu.Lock()
	defer e.hostMu.Unlock()
	if e.hostHandlers == nil {
		e.hostHandlers = make(map[string]registry.Handler)
	}
	e.hostHandlers[name] = h
}

func parseModeMask(s string) mailbox.Mode {
	var mode mailbox.Mode
	for _, tok := range strings.Split(s, "|") {
		switch strings.TrimSpace(tok) {
		case "RDONLY":
			mode |= mailbox.RDONLY
		case "WRONLY":
			mode |= mailbox.WRONLY
		case "RDWR":
			mode |= mailbox.RDWR
		case "FANOUT_DROP":
			mode |= mailbox.FANOUT_DROP
		case "FANOUT_BLOCK":
			mode |= mailbox.FANOUT_BLOCK
		case "TAP":
			mode |= mailbox.TAP
		case "STDOUT":
			mode |= mailbox.STDOUT
		case "STDERR":
			mode |= mailbox.STDERR
		case "STDIN":
			mode |= mailbox.STDIN
		}
	}
	return mode
}

func parseValueFlags(v toolchain.ValueDirective) registry.ValueFlag {
	var flags registry.ValueFlag
	for _, tok := range strings.Split(v.Flags, "|") {
		switch strings.TrimSpace(tok) {
		case "RO":
			flags |= registry.ValueRO
		case "RW":
			flags |= registry.ValueRW
		}
	}
	if v.Persist {
		flags |= registry.ValuePersist
	}
	return flags
}

func valueDescriptors(v toolchain.ValueDirective) []registry.DescriptorSpec {
	var out []registry.DescriptorSpec
	if v.Name != "" {
		out = append(out, registry.DescriptorSpec{Kind: registry.KindName, Text: v.Name})
	}
	if v.Unit != "" {
		out = append(out, registry.DescriptorSpec{Kind: registry.KindUnit, Text: v.Unit})
	}
	if v.RangeLo != nil && v.RangeHi != nil {
		out = append(out, registry.DescriptorSpec{
			Kind:    registry.KindRange,
			RangeLo: common.FromFloat32(float32(*v.RangeLo)),
			RangeHi: common.FromFloat32(float32(*v.RangeHi)),
		})
	}
	return out
}
