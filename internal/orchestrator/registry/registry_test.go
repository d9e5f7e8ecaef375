package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

func statusInfo(id string, status v1.AgentStatus) *v1.AgentInfo {
	return &v1.AgentInfo{ID: id, Status: status}
}

func chunkUpdate(agentID string, seq uint64) *v1.AgentUpdate {
	return &v1.AgentUpdate{
		AgentID: agentID,
		Seq:     seq,
		Notification: v1.AgentNotification{
			Type:    v1.NotificationSession,
			Session: &v1.SessionUpdate{Kind: v1.UpdateMessageChunk, Text: "x"},
		},
	}
}

func TestRegistry_SubscribeReceivesInOrder(t *testing.T) {
	r := NewRegistry()

	var seqs []uint64
	unsub := r.Subscribe("a1", func(u *v1.AgentUpdate) {
		seqs = append(seqs, u.Seq)
	})
	defer unsub()

	for seq := uint64(1); seq <= 5; seq++ {
		r.Notify("a1", chunkUpdate("a1", seq))
	}

	// Delivery is synchronous, so everything is visible already.
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
}

func TestRegistry_UnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry()

	var count atomic.Int32
	unsub := r.Subscribe("a1", func(*v1.AgentUpdate) { count.Add(1) })

	r.Notify("a1", chunkUpdate("a1", 1))
	unsub()
	unsub() // calling twice is fine
	r.Notify("a1", chunkUpdate("a1", 2))

	assert.Equal(t, int32(1), count.Load())
}

func TestRegistry_SubscribersAreIsolatedByAgent(t *testing.T) {
	r := NewRegistry()

	var count atomic.Int32
	defer r.Subscribe("a1", func(*v1.AgentUpdate) { count.Add(1) })()

	r.Notify("a2", chunkUpdate("a2", 1))
	assert.Equal(t, int32(0), count.Load())
}

func TestRegistry_WaitStatusResolvesOnNotify(t *testing.T) {
	r := NewRegistry()

	done := make(chan *v1.AgentInfo, 1)
	go func() {
		info, err := r.WaitStatus(context.Background(), "a1", func(i *v1.AgentInfo) bool {
			return i.Status == v1.StatusReady
		}, time.Second)
		require.NoError(t, err)
		done <- info
	}()

	time.Sleep(20 * time.Millisecond)
	r.NotifyStatus("a1", statusInfo("a1", v1.StatusInitializing))
	r.NotifyStatus("a1", statusInfo("a1", v1.StatusReady))

	select {
	case info := <-done:
		assert.Equal(t, v1.StatusReady, info.Status)
	case <-time.After(time.Second):
		t.Fatal("WaitStatus did not resolve")
	}
}

func TestRegistry_WaitStatusCurrentSnapshotCounts(t *testing.T) {
	r := NewRegistry()
	r.NotifyStatus("a1", statusInfo("a1", v1.StatusReady))

	info, err := r.WaitStatus(context.Background(), "a1", func(i *v1.AgentInfo) bool {
		return i.Status == v1.StatusReady
	}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusReady, info.Status)
}

func TestRegistry_NotifyStatusDropsStaleSnapshot(t *testing.T) {
	r := NewRegistry()
	earlier := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Second)

	fresh := statusInfo("a1", v1.StatusProcessing)
	fresh.LastActivityAt = later
	r.NotifyStatus("a1", fresh)

	stale := statusInfo("a1", v1.StatusReady)
	stale.LastActivityAt = earlier
	r.NotifyStatus("a1", stale)

	// The cache keeps the fresher snapshot...
	info, err := r.WaitStatus(context.Background(), "a1", func(i *v1.AgentInfo) bool {
		return i.Status == v1.StatusProcessing
	}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusProcessing, info.Status)

	// ...and the stale one neither seeds the cache nor wakes waiters.
	_, err = r.WaitStatus(context.Background(), "a1", func(i *v1.AgentInfo) bool {
		return i.Status == v1.StatusReady
	}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRegistry_WaitStatusTimeout(t *testing.T) {
	r := NewRegistry()

	_, err := r.WaitStatus(context.Background(), "a1", func(*v1.AgentInfo) bool {
		return false
	}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRegistry_WaitStatusAborted(t *testing.T) {
	r := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.WaitStatus(ctx, "a1", func(*v1.AgentInfo) bool {
		return false
	}, time.Second)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestRegistry_WaitStatusNoTimeoutMeansUnbounded(t *testing.T) {
	r := NewRegistry()

	done := make(chan error, 1)
	go func() {
		_, err := r.WaitStatus(context.Background(), "a1", func(i *v1.AgentInfo) bool {
			return i.Status == v1.StatusCompleted
		}, 0)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("wait resolved without a matching snapshot")
	default:
	}

	r.NotifyStatus("a1", statusInfo("a1", v1.StatusCompleted))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait never resolved")
	}
}

func TestRegistry_WaitStatusResolvesExactlyOnceUnderRace(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := r.WaitStatus(ctx, "a1", func(info *v1.AgentInfo) bool {
				return info.Status == v1.StatusReady
			}, time.Second)
			done <- err
		}()

		go r.NotifyStatus("a1", statusInfo("a1", v1.StatusReady))
		go cancel()

		select {
		case err := <-done:
			// Either outcome is legal; it must be exactly one of them.
			if err != nil {
				assert.ErrorIs(t, err, ErrAborted)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter left pending")
		}

		cancel()
		r.Forget("a1")
		r.NotifyStatus("a1", statusInfo("a1", v1.StatusProcessing))
	}
}
