package exec

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/hsx-systems/hsx/common"
)

// valueChangeEnvelope packs a value-change notification for mailbox
// delivery: {oid u16, value_f16 u16}.
func valueChangeEnvelope(oid common.OID, v common.F16) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out[0:2], uint16(oid))
	binary.LittleEndian.PutUint16(out[2:4], uint16(v))
	return out
}

// SubscribeValue binds a mailbox handle to oid's change notifications:
// every subsequent mutation posts a {oid, value} envelope to the mailbox.
// The subscription removes itself once the mailbox is closed or its handle
// goes stale, so a dead subscriber never accumulates failed deliveries.
func (e *Executive) SubscribeValue(oid common.OID, reply common.MailboxHandle) (uint32, error) {
	var subID uint32
	id, err := e.Values.Subscribe(oid, func(o common.OID, v common.F16) {
		_, err := e.Mailboxes.Send(context.Background(), reply, valueChangeEnvelope(o, v), false)
		if errors.Is(err, common.ErrClosed) || errors.Is(err, common.ErrBadHandle) {
			e.Values.Unsubscribe(o, subID)
		}
	})
	if err != nil {
		return 0, err
	}
	subID = id
	return id, nil
}

// UnsubscribeValue removes a subscription created by SubscribeValue.
func (e *Executive) UnsubscribeValue(oid common.OID, id uint32) {
	e.Values.Unsubscribe(oid, id)
}
