package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amritsingh183/chat-server/internal/telemetry"
)

func mustUsername(t *testing.T, s string) Username {
	t.Helper()
	u, err := NewUsername(s)
	require.NoError(t, err)
	return u
}

func TestRegistryRegisterUnregisterRoundtrip(t *testing.T) {
	r := NewRegistry(0, telemetry.NewNop())
	_, out := NewOutboundQueue(0)
	alice := mustUsername(t, "alice")

	u, err := r.Register(alice, out)
	require.NoError(t, err)
	require.NotNil(t, u)

	size, err := r.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	removed, err := r.Unregister(u)
	require.NoError(t, err)
	assert.True(t, removed)

	size, err = r.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestRegistryDuplicateNormalizedKeyRejected(t *testing.T) {
	r := NewRegistry(0, telemetry.NewNop())
	_, out1 := NewOutboundQueue(0)
	_, out2 := NewOutboundQueue(0)

	_, err := r.Register(mustUsername(t, "alice"), out1)
	require.NoError(t, err)

	_, err = r.Register(mustUsername(t, "ALICE"), out2)
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(0, telemetry.NewNop())
	_, out := NewOutboundQueue(0)
	u, err := r.Register(mustUsername(t, "bob"), out)
	require.NoError(t, err)

	removed, err := r.Unregister(u)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = r.Unregister(u)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRegistryReregisterAfterUnregister(t *testing.T) {
	r := NewRegistry(0, telemetry.NewNop())
	_, out := NewOutboundQueue(0)
	u, err := r.Register(mustUsername(t, "carl"), out)
	require.NoError(t, err)
	_, err = r.Unregister(u)
	require.NoError(t, err)

	_, err = r.Register(mustUsername(t, "carl"), out)
	assert.NoError(t, err)
}

// recordingOutbound captures delivered payloads for assertions and can
// simulate a permanently blocked recipient.
type recordingOutbound struct {
	mu       sync.Mutex
	received [][]byte
	block    bool
}

func (o *recordingOutbound) Send(ctx context.Context, payload []byte) error {
	if o.block {
		<-ctx.Done()
		return ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received = append(o.received, payload)
	return nil
}

func TestRegistryBroadcastDeliversToAllExceptExcluded(t *testing.T) {
	r := NewRegistry(0, telemetry.NewNop())
	aliceOut := &recordingOutbound{}
	bobOut := &recordingOutbound{}

	alice := mustUsername(t, "alice")
	_, err := r.Register(alice, aliceOut)
	require.NoError(t, err)
	_, err = r.Register(mustUsername(t, "bob"), bobOut)
	require.NoError(t, err)

	payload := []byte("BROADCAST|alice|hi")
	delivered := r.Broadcast(context.Background(), payload, &alice)
	assert.Equal(t, 1, delivered)
	assert.Empty(t, aliceOut.received)
	assert.Equal(t, [][]byte{payload}, bobOut.received)
}

func TestRegistryBroadcastNoExclusionReachesEveryone(t *testing.T) {
	r := NewRegistry(0, telemetry.NewNop())
	aliceOut := &recordingOutbound{}
	_, err := r.Register(mustUsername(t, "alice"), aliceOut)
	require.NoError(t, err)

	delivered := r.Broadcast(context.Background(), []byte("BROADCAST|alice|hi"), nil)
	assert.Equal(t, 1, delivered)
}

func TestRegistryBroadcastSkipsSlowRecipientWithoutAborting(t *testing.T) {
	r := NewRegistry(0, telemetry.NewNop())
	slow := &recordingOutbound{block: true}
	fast := &recordingOutbound{}
	_, err := r.Register(mustUsername(t, "slow"), slow)
	require.NoError(t, err)
	_, err = r.Register(mustUsername(t, "fast"), fast)
	require.NoError(t, err)

	start := time.Now()
	delivered := r.Broadcast(context.Background(), []byte("x"), nil)
	elapsed := time.Since(start)

	assert.Equal(t, 1, delivered)
	assert.Less(t, elapsed, time.Second, "a blocked recipient must not stall the whole broadcast")
}

func TestRegistryConcurrentRegisterUnregisterNeverDuplicatesKey(t *testing.T) {
	r := NewRegistry(0, telemetry.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, out := NewOutboundQueue(0)
			u, err := r.Register(mustUsername(t, "shared"), out)
			if err == nil {
				time.Sleep(time.Millisecond)
				_, _ = r.Unregister(u)
			}
		}()
	}
	wg.Wait()
	size, err := r.Size()
	require.NoError(t, err)
	assert.LessOrEqual(t, size, 1)
}
