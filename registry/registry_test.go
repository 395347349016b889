package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsx-systems/hsx/common"
)

func TestValueRegisterGetSet(t *testing.T) {
	pool := NewPool(4096)
	vt := NewValueTable(pool)

	oid := common.MakeOID(0xF0, 0x03)
	require.NoError(t, vt.Register(oid, common.FromFloat32(0), ValueRO, AuthUser, []DescriptorSpec{
		{Kind: KindName, Text: "temp_c"},
		{Kind: KindUnit, Text: "celsius"},
	}, common.PID(7)))

	got, err := vt.Get(oid)
	require.NoError(t, err)
	assert.Equal(t, float32(0), got.ToFloat32())

	// RO value: Set by a non-owner caller is rejected.
	err = vt.Set(oid, common.FromFloat32(3.14), AuthAdmin, false)
	assert.ErrorIs(t, err, common.ErrPermission)

	// Owner may still update its own RO value.
	var changed ValueChangedEvent
	vt.OnChanged = func(e ValueChangedEvent) { changed = e }
	require.NoError(t, vt.Set(oid, common.FromFloat32(2.5), AuthUser, true))
	assert.InDelta(t, 2.5, changed.New.ToFloat32(), 0.01)
}

// fakePersister is an in-memory stand-in for *persist.Store, used to
// exercise ValueTable's write-through/restore-on-register wiring without
// pulling in goleveldb for a unit test.
type fakePersister struct{ records map[common.OID][]byte }

func newFakePersister() *fakePersister { return &fakePersister{records: map[common.OID][]byte{}} }

func (f *fakePersister) PutValue(oid common.OID, payload []byte) error {
	f.records[oid] = append([]byte(nil), payload...)
	return nil
}

func (f *fakePersister) GetValue(oid common.OID) ([]byte, bool) {
	v, ok := f.records[oid]
	return v, ok
}

func TestValueSetWritesThroughToPersister(t *testing.T) {
	pool := NewPool(4096)
	vt := NewValueTable(pool)
	fp := newFakePersister()
	vt.SetPersister(fp)

	oid := common.MakeOID(9, 1)
	require.NoError(t, vt.Register(oid, common.FromFloat32(0), ValueRW|ValuePersist, AuthUser, nil, 1))
	require.NoError(t, vt.Set(oid, common.FromFloat32(42), AuthUser, true))

	raw, ok := fp.GetValue(oid)
	require.True(t, ok)
	restored, ok := decodeF16(raw)
	require.True(t, ok)
	assert.Equal(t, float32(42), restored.ToFloat32())
}

func TestValueRegisterRestoresFromPersister(t *testing.T) {
	pool := NewPool(4096)
	fp := newFakePersister()
	oid := common.MakeOID(9, 2)
	fp.records[oid] = encodeF16(common.FromFloat32(7.5))

	vt := NewValueTable(pool)
	vt.SetPersister(fp)
	require.NoError(t, vt.Register(oid, common.FromFloat32(0), ValueRW|ValuePersist, AuthUser, nil, 1))

	got, err := vt.Get(oid)
	require.NoError(t, err)
	assert.Equal(t, float32(7.5), got.ToFloat32())
}

func TestValueRegisterDuplicateRejected(t *testing.T) {
	pool := NewPool(4096)
	vt := NewValueTable(pool)
	oid := common.MakeOID(1, 1)
	require.NoError(t, vt.Register(oid, 0, ValueRW, AuthUser, nil, 1))
	err := vt.Register(oid, 0, ValueRW, AuthUser, nil, 1)
	assert.ErrorIs(t, err, common.ErrDuplicate)
}

func TestSubscriptionReceivesValueChanged(t *testing.T) {
	pool := NewPool(4096)
	vt := NewValueTable(pool)
	oid := common.MakeOID(2, 1)
	require.NoError(t, vt.Register(oid, 0, ValueRW, AuthUser, nil, 1))

	var gotOID common.OID
	var gotVal common.F16
	_, err := vt.Subscribe(oid, func(o common.OID, v common.F16) {
		gotOID, gotVal = o, v
	})
	require.NoError(t, err)

	require.NoError(t, vt.Set(oid, common.FromFloat32(1.0), AuthUser, true))
	assert.Equal(t, oid, gotOID)
	assert.Equal(t, float32(1.0), gotVal.ToFloat32())
}

func TestDescriptorPoolDeduplicatesStrings(t *testing.T) {
	pool := NewPool(4096)
	head1, err := pool.AddChain([]DescriptorSpec{{Kind: KindUnit, Text: "celsius"}})
	require.NoError(t, err)
	before := len(pool.strings)

	head2, err := pool.AddChain([]DescriptorSpec{{Kind: KindUnit, Text: "celsius"}})
	require.NoError(t, err)
	assert.Equal(t, before, len(pool.strings), "interning the same string twice must not grow the pool")

	assert.Equal(t, pool.Chain(head1), pool.Chain(head2))
}

func TestDescriptorPoolExhaustion(t *testing.T) {
	pool := NewPool(8)
	_, err := pool.AddChain([]DescriptorSpec{{Kind: KindName, Text: "way-too-long-for-this-pool"}})
	assert.ErrorIs(t, err, common.ErrPoolExhausted)
}

func TestSecureCommandRequiresToken(t *testing.T) {
	pool := NewPool(4096)
	ct := NewCommandTable(pool, 4)
	oid := common.MakeOID(0xF0, 0x10)

	called := false
	err := ct.Register(CommandEntry{OID: oid, Flags: CmdSecure, Auth: AuthUser, PIN: "1234", Owner: 5}, func(ctx context.Context, args []byte) ([]byte, error) {
		called = true
		return nil, nil
	}, nil)
	require.NoError(t, err)

	_, err = ct.Call(context.Background(), oid, "", AuthUser, nil)
	assert.ErrorIs(t, err, common.ErrPermission)
	assert.False(t, called)

	_, err = ct.Call(context.Background(), oid, "1234", AuthUser, nil)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestCallAsyncDeliversResultToMailbox(t *testing.T) {
	pool := NewPool(4096)
	ct := NewCommandTable(pool, 4)
	oid := common.MakeOID(3, 1)

	require.NoError(t, ct.Register(CommandEntry{OID: oid, Owner: 1}, func(ctx context.Context, args []byte) ([]byte, error) {
		return []byte("done"), nil
	}, nil))

	done := make(chan AsyncResult, 1)
	err := ct.CallAsync(context.Background(), oid, "", AuthUser, nil, func(r AsyncResult) error {
		done <- r
		return nil
	})
	require.NoError(t, err)

	res := <-done
	assert.Equal(t, "OK", res.Status)
	assert.Equal(t, []byte("done"), res.Payload)
}
