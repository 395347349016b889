package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsx-systems/hsx/common"
)

func TestFirstReaderWakeup(t *testing.T) {
	tbl := NewTable(1 << 20)
	h, err := tbl.Create("shared:test", 64, RDWR, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var n int
	var recvErr error
	out := make([]byte, 64)

	wg.Add(1)
	go func() {
		defer wg.Done()
		n, recvErr = tbl.Recv(context.Background(), h, out, -1)
	}()

	time.Sleep(20 * time.Millisecond) // let the consumer park

	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(i)
	}
	wn, err := tbl.Send(context.Background(), h, payload, true)
	require.NoError(t, err)
	assert.Equal(t, 16, wn)

	wg.Wait()
	require.NoError(t, recvErr)
	assert.Equal(t, 16, n)
	assert.Equal(t, payload, out[:n])

	stats, err := tbl.Stats(h)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Sends)
	assert.EqualValues(t, 1, stats.Receives)
	assert.EqualValues(t, 0, stats.Drops)
}

func TestFanoutDropSaturatesSlowReader(t *testing.T) {
	tbl := NewTable(1 << 20)
	h, err := tbl.Create("shared:bus", 32, FANOUT_BLOCK|RDWR, 0)
	require.NoError(t, err)

	// Reader A (the mailbox's implicit first bound reader) applies
	// back-pressure so it can never lose a frame to scheduling timing.
	// Reader B is deliberately never drained and uses FANOUT_DROP.
	readerB := common.MailboxHandle(9999)
	require.NoError(t, tbl.BindReader(h, readerB, FANOUT_DROP|RDWR))

	var wg sync.WaitGroup
	received := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		out := make([]byte, 16)
		for i := 0; i < 100; i++ {
			n, err := tbl.Recv(context.Background(), h, out, -1)
			if err != nil {
				return
			}
			if n == 16 {
				received++
			}
		}
	}()

	for i := 0; i < 100; i++ {
		frame := make([]byte, 16)
		frame[0] = byte(i)
		_, err := tbl.Send(context.Background(), h, frame, true)
		require.NoError(t, err)
	}

	wg.Wait()
	assert.Equal(t, 100, received, "reader A (the mailbox's own first bound reader) must see all 100 frames")

	stats, err := tbl.Stats(h)
	require.NoError(t, err)
	assert.Greater(t, stats.Drops, uint64(0), "reader B never drains, so its ring must saturate and drop")
}

func TestNonBlockingSendOnFullQueueReturnsWouldBlock(t *testing.T) {
	tbl := NewTable(1 << 20)
	h, err := tbl.Create("shared:small", 8, RDWR, 0)
	require.NoError(t, err)

	_, err = tbl.Send(context.Background(), h, make([]byte, 8), false)
	require.NoError(t, err)

	_, err = tbl.Send(context.Background(), h, make([]byte, 1), false)
	assert.ErrorIs(t, err, common.ErrWouldBlock)
}

func TestCloseWakesParkedWaitersWithClosed(t *testing.T) {
	tbl := NewTable(1 << 20)
	h, err := tbl.Create("shared:closing", 16, RDWR, 1)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		out := make([]byte, 16)
		_, err := tbl.Recv(context.Background(), h, out, -1)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tbl.Close(h))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, common.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("recv did not wake on close")
	}
}

func TestTapNotifiedOnceEvenWhenBlockedSenderIsWoken(t *testing.T) {
	tbl := NewTable(1 << 20)
	h, err := tbl.Create("shared:tapped", 8, RDWR|TAP, 0)
	require.NoError(t, err)

	tapCh, err := tbl.Tap(h)
	require.NoError(t, err)

	_, err = tbl.Send(context.Background(), h, make([]byte, 8), false)
	require.NoError(t, err)

	// The queue is now full; a blocking send parks until Recv frees room,
	// then retries the enqueue through the tap-free internal path.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := tbl.Send(context.Background(), h, make([]byte, 8), true)
		assert.NoError(t, err)
	}()

	time.Sleep(20 * time.Millisecond) // let the second send park

	out := make([]byte, 8)
	_, err = tbl.Recv(context.Background(), h, out, -1)
	require.NoError(t, err)

	wg.Wait()

	// Drain whatever taps arrived: exactly one per Send call (two sends),
	// never a duplicate from the blocked-sender retry.
	got := 0
	for {
		select {
		case <-tapCh:
			got++
		case <-time.After(50 * time.Millisecond):
			assert.Equal(t, 2, got, "tap must see exactly one copy per logical send")
			return
		}
	}
}

func TestCloseOwnedByReleasesAllOfTaskMailboxes(t *testing.T) {
	tbl := NewTable(1 << 20)
	pid := common.PID(42)
	_, err := tbl.Create("app:one", 16, RDWR, pid)
	require.NoError(t, err)
	_, err = tbl.Create("app:two", 16, RDWR, pid)
	require.NoError(t, err)

	tbl.CloseOwnedBy(pid)

	_, err = tbl.Open("app:one")
	assert.ErrorIs(t, err, common.ErrNoSuchMailbox)
	_, err = tbl.Open("app:two")
	assert.ErrorIs(t, err, common.ErrNoSuchMailbox)
}

func TestFanoutOverflowEmitsSingleEventPerEpisode(t *testing.T) {
	tbl := NewTable(1 << 20)

	var events []OverflowEvent
	tbl.OnOverflow = func(ev OverflowEvent) { events = append(events, ev) }

	h, err := tbl.Create("shared:drops", 32, FANOUT_DROP|RDWR, 0)
	require.NoError(t, err)
	slow := common.MailboxHandle(7777)
	require.NoError(t, tbl.BindReader(h, slow, FANOUT_DROP|RDWR))

	// The implicit first reader (handle h) is drained inline so only the
	// slow reader saturates; 100 frames of 16 bytes overflow a 32-byte
	// (2-frame) per-reader ring after the second send.
	out := make([]byte, 16)
	for i := 0; i < 100; i++ {
		_, err := tbl.Send(context.Background(), h, make([]byte, 16), false)
		require.NoError(t, err)
		_, _ = tbl.Recv(context.Background(), h, out, 0)
	}

	require.Len(t, events, 1, "a saturation episode coalesces to one overflow event")
	assert.Equal(t, h, events[0].Handle)
	assert.Equal(t, slow, events[0].Reader)
	assert.GreaterOrEqual(t, events[0].Dropped, uint64(1))

	stats, err := tbl.Stats(h)
	require.NoError(t, err)
	assert.EqualValues(t, 98, stats.Drops, "slow reader keeps its first two frames and drops the rest")
}
