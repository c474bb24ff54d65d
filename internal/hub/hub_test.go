package hub

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_AlreadyRunning(t *testing.T) {
	c := New(t.TempDir(), filepath.Join(t.TempDir(), "tx-events.json"), false)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = c.Run(context.Background(), KindSwap, "alpha", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "ok", nil
		}, Options{})
	}()
	<-started

	_, err := c.Run(context.Background(), KindSwap, "alpha", func(ctx context.Context) (any, error) {
		return nil, nil
	}, Options{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
}

func TestRun_DifferentNamespacesConcurrent(t *testing.T) {
	c := New(t.TempDir(), filepath.Join(t.TempDir(), "tx-events.json"), false)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = c.Run(context.Background(), KindSwap, "alpha", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "ok", nil
		}, Options{})
	}()
	<-started

	result, err := c.Run(context.Background(), KindSwap, "beta", func(ctx context.Context) (any, error) {
		return "beta-ok", nil
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "beta-ok", result)

	close(release)
}

func TestRun_ReleasesNamespaceAfterCompletion(t *testing.T) {
	c := New(t.TempDir(), filepath.Join(t.TempDir(), "tx-events.json"), false)

	_, err := c.Run(context.Background(), KindTxMonitor, "tx1", func(ctx context.Context) (any, error) {
		return "done", nil
	}, Options{})
	require.NoError(t, err)

	result, err := c.Run(context.Background(), KindTxMonitor, "tx1", func(ctx context.Context) (any, error) {
		return "done-again", nil
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "done-again", result)
}

func TestRun_LifecycleEventsStartResultError(t *testing.T) {
	c := New(t.TempDir(), filepath.Join(t.TempDir(), "tx-events.json"), false)

	var mu sync.Mutex
	var phases []string
	c.OnLifecycleEvent(func(ev LifecycleEvent) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, ev.Phase)
	})

	_, _ = c.Run(context.Background(), KindSwap, "ok", func(ctx context.Context) (any, error) {
		return "fine", nil
	}, Options{})
	_, _ = c.Run(context.Background(), KindSwap, "bad", func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}, Options{})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start", "result", "start", "error"}, phases)
}

func TestRun_TimeoutConvertsDeadlineExceeded(t *testing.T) {
	c := New(t.TempDir(), filepath.Join(t.TempDir(), "tx-events.json"), false)

	_, err := c.Run(context.Background(), KindSwap, "slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{TimeoutMs: 10})

	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRun_DetachedReturnsDescriptorAndWritesPayload(t *testing.T) {
	statusDir := t.TempDir()
	c := New(statusDir, filepath.Join(t.TempDir(), "tx-events.json"), false)

	var invoked int32
	result, err := c.Run(context.Background(), KindTargetList, "", func(ctx context.Context) (any, error) {
		atomic.AddInt32(&invoked, 1)
		return map[string]any{"ok": true}, nil
	}, Options{Detached: true})
	require.NoError(t, err)

	desc, ok := result.(DetachedDescriptor)
	require.True(t, ok)
	assert.True(t, desc.Detached)
	assert.NotEmpty(t, desc.PID)
	assert.NotEmpty(t, desc.PayloadFile)

	require.Eventually(t, func() bool {
		_, err := os.Stat(desc.PayloadFile)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(desc.PayloadFile)
	require.NoError(t, err)
	var payload detachedPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Empty(t, payload.Err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&invoked))
}

func TestPublishStatus_WritesAtomically(t *testing.T) {
	statusDir := t.TempDir()
	c := New(statusDir, filepath.Join(t.TempDir(), "tx-events.json"), false)

	err := c.PublishStatus(Health{Process: "up"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(statusDir, "status.json"))
	require.NoError(t, err)
	var snap StatusSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.NotEmpty(t, snap.UpdatedAt)
}

func TestPublishHudEvent_NewestFirstCappedAt50(t *testing.T) {
	hudPath := filepath.Join(t.TempDir(), "tx-events.json")
	c := New(t.TempDir(), hudPath, false)

	for i := 0; i < 55; i++ {
		c.PublishHudEvent(HudEvent{TxID: string(rune('a' + i%26))})
	}

	data, err := os.ReadFile(hudPath)
	require.NoError(t, err)
	var events []HudEvent
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, hudEventCap)
	// Newest (i=54) should be first.
	assert.Equal(t, string(rune('a'+54%26)), events[0].TxID)
}

func TestShutdown_RunsCleanupExactlyOnce(t *testing.T) {
	c := New(t.TempDir(), filepath.Join(t.TempDir(), "tx-events.json"), false)

	var calls int32
	c.RegisterCleanup(func() { atomic.AddInt32(&calls, 1) })
	c.RegisterCleanup(func() { atomic.AddInt32(&calls, 1) })

	c.Shutdown()
	c.Shutdown()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
