package membus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
)

type collector struct {
	mu      sync.Mutex
	samples []bus.Sample
	events  []bus.TokenEvent
}

func (c *collector) handle(_ context.Context, s bus.Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func (c *collector) watch(_ context.Context, e bus.TokenEvent) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) sampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func (c *collector) eventsSnapshot() []bus.TokenEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.TokenEvent, len(c.events))
	copy(out, c.events)
	return out
}

func openPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	net := NewNetwork()
	ctx := context.Background()

	a, err := net.Open(ctx)
	require.NoError(t, err)
	b, err := net.Open(ctx)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = a.Close(context.Background())
		_ = b.Close(context.Background())
	})
	return a, b
}

func TestOpen_GeneratesUniqueZID(t *testing.T) {
	a, b := openPair(t)

	assert.Len(t, a.ZID(), 32)
	assert.NotEqual(t, a.ZID(), b.ZID())
}

func TestOpen_DuplicateZID(t *testing.T) {
	net := NewNetwork()
	s, err := net.Open(context.Background(), WithZID("abc"))
	require.NoError(t, err)
	defer s.Close(context.Background())

	_, err = net.Open(context.Background(), WithZID("abc"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSessionOpen))
	assert.Equal(t, []string{"abc"}, net.Sessions())
}

func TestPut_DeliversToMatchingSubscribers(t *testing.T) {
	pub, sub := openPair(t)
	ctx := context.Background()

	var tf, all, other collector
	_, err := sub.DeclareSubscriber(ctx, keyexpr.MustParse("*/tf/*/*"), tf.handle)
	require.NoError(t, err)
	_, err = sub.DeclareSubscriber(ctx, keyexpr.MustParse("**"), all.handle)
	require.NoError(t, err)
	_, err = sub.DeclareSubscriber(ctx, keyexpr.MustParse("*/points/*/*"), other.handle)
	require.NoError(t, err)

	src := &bus.Source{ZID: pub.ZID(), EntityID: 3, Sequence: 1}
	payload := []byte{0, 1, 0, 0}
	require.NoError(t, pub.Put(ctx, bus.Sample{Key: keyexpr.MustParse("5/tf/1/1"), Payload: payload, Source: src}))

	// The sample is copied on Put.
	payload[0] = 9
	src.Sequence = 42

	require.Eventually(t, func() bool { return tf.sampleCount() == 1 && all.sampleCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, other.sampleCount())

	got := tf.samples[0]
	assert.Equal(t, "5/tf/1/1", got.Key.String())
	assert.Equal(t, []byte{0, 1, 0, 0}, got.Payload)
	require.NotNil(t, got.Source)
	assert.Equal(t, uint64(1), got.Source.Sequence)
}

func TestPut_RejectsWildKey(t *testing.T) {
	pub, _ := openPair(t)

	err := pub.Put(context.Background(), bus.Sample{Key: keyexpr.MustParse("0/tf/*/*")})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestPut_PreservesOrderPerSubscriber(t *testing.T) {
	pub, sub := openPair(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seqs []uint64
	_, err := sub.DeclareSubscriber(ctx, keyexpr.MustParse("0/tf/**"), func(_ context.Context, s bus.Sample) {
		mu.Lock()
		seqs = append(seqs, s.Source.Sequence)
		mu.Unlock()
	})
	require.NoError(t, err)

	const n = 500
	key := keyexpr.MustParse("0/tf/t/h")
	for i := uint64(1); i <= n; i++ {
		require.NoError(t, pub.Put(ctx, bus.Sample{Key: key, Source: &bus.Source{ZID: pub.ZID(), Sequence: i}}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == n
	}, 2*time.Second, 5*time.Millisecond)

	for i, seq := range seqs {
		require.Equal(t, uint64(i+1), seq)
	}
}

func TestUndeclareSubscriber(t *testing.T) {
	pub, sub := openPair(t)
	ctx := context.Background()

	var c collector
	decl, err := sub.DeclareSubscriber(ctx, keyexpr.MustParse("**"), c.handle)
	require.NoError(t, err)
	assert.Equal(t, "**", decl.Key().String())

	require.NoError(t, decl.Undeclare(ctx))
	require.NoError(t, decl.Undeclare(ctx))

	require.NoError(t, pub.Put(ctx, bus.Sample{Key: keyexpr.MustParse("0/tf/t/h")}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.sampleCount())
}

func TestGet_CollectsIntersectingQueryables(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()

	answer := func(key string, n int) bus.QueryHandler {
		return func(_ context.Context, q bus.Query) ([]bus.Sample, error) {
			out := make([]bus.Sample, 0, n)
			for i := 0; i < n; i++ {
				if q.Params.MaxSamples > 0 && i >= q.Params.MaxSamples {
					break
				}
				out = append(out, bus.Sample{Key: keyexpr.MustParse(key)})
			}
			return out, nil
		}
	}

	_, err := a.DeclareQueryable(ctx, keyexpr.MustParse("0/tf_static/t/h/@adv/cache/a/1"), answer("0/tf_static/t/h/@adv/cache/a/1", 3))
	require.NoError(t, err)
	_, err = b.DeclareQueryable(ctx, keyexpr.MustParse("0/tf_static/t/h/@adv/cache/b/1"), answer("0/tf_static/t/h/@adv/cache/b/1", 3))
	require.NoError(t, err)
	_, err = b.DeclareQueryable(ctx, keyexpr.MustParse("0/points/t/h/@adv/cache/b/2"), answer("0/points/t/h/@adv/cache/b/2", 3))
	require.NoError(t, err)
	_, err = b.DeclareQueryable(ctx, keyexpr.MustParse("0/tf_static/t/h/@adv/cache/b/3"),
		func(context.Context, bus.Query) ([]bus.Sample, error) { return nil, errors.New("boom") })
	require.NoError(t, err)

	got, err := a.Get(ctx, keyexpr.MustParse("0/tf_static/t/h/@adv/cache/*/*"), bus.QueryParams{MaxSamples: 2})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestGet_ContextTimeout(t *testing.T) {
	a, b := openPair(t)

	release := make(chan struct{})
	defer close(release)
	_, err := b.DeclareQueryable(context.Background(), keyexpr.MustParse("0/slow"),
		func(context.Context, bus.Query) ([]bus.Sample, error) {
			<-release
			return nil, nil
		})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Get(ctx, keyexpr.MustParse("0/slow"), bus.QueryParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, errors.IsTransient(err))
}

func TestTokens_WatchAndSnapshot(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()

	var c collector
	_, err := b.WatchTokens(ctx, keyexpr.MustParse("@ros2_lv/**"), c.watch)
	require.NoError(t, err)

	key := keyexpr.MustParse("@ros2_lv/0/zid/0/0/NN/%/%/zenoh_sub")
	decl, err := a.DeclareToken(ctx, key)
	require.NoError(t, err)

	// A second owner of the same key does not produce another put.
	dup, err := b.DeclareToken(ctx, key)
	require.NoError(t, err)

	tokens, err := b.GetTokens(ctx, keyexpr.MustParse("@ros2_lv/**"))
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, key.String(), tokens[0].String())

	require.NoError(t, decl.Undeclare(ctx))
	tokens, err = b.GetTokens(ctx, keyexpr.MustParse("@ros2_lv/**"))
	require.NoError(t, err)
	assert.Len(t, tokens, 1)

	require.NoError(t, dup.Undeclare(ctx))
	tokens, err = b.GetTokens(ctx, keyexpr.MustParse("@ros2_lv/**"))
	require.NoError(t, err)
	assert.Empty(t, tokens)

	require.Eventually(t, func() bool { return len(c.eventsSnapshot()) == 2 }, time.Second, 5*time.Millisecond)
	events := c.eventsSnapshot()
	assert.Equal(t, bus.TokenPut, events[0].Kind)
	assert.Equal(t, bus.TokenDelete, events[1].Kind)
}

func TestTokens_WildcardsDoNotMatchVerbatimPrefix(t *testing.T) {
	a, _ := openPair(t)
	ctx := context.Background()

	_, err := a.DeclareToken(ctx, keyexpr.MustParse("@ros2_lv/0/zid/0/0/NN/%/%/n"))
	require.NoError(t, err)

	tokens, err := a.GetTokens(ctx, keyexpr.MustParse("**"))
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestClose_RetractsTokensAndRejectsCalls(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()

	var c collector
	_, err := b.WatchTokens(ctx, keyexpr.MustParse("@ros2_lv/**"), c.watch)
	require.NoError(t, err)

	_, err = a.DeclareToken(ctx, keyexpr.MustParse("@ros2_lv/0/zid/0/0/NN/%/%/n"))
	require.NoError(t, err)
	_, err = a.DeclareToken(ctx, keyexpr.MustParse("@ros2_lv/0/zid/0/1/MS/%/%/n/%tf/t/h/::,:,:,:,,"))
	require.NoError(t, err)

	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))

	require.Eventually(t, func() bool { return len(c.eventsSnapshot()) == 4 }, time.Second, 5*time.Millisecond)
	events := c.eventsSnapshot()
	assert.Equal(t, bus.TokenDelete, events[2].Kind)
	assert.Contains(t, events[2].Key.String(), "/MS/", "endpoint token is retracted before its node")
	assert.Equal(t, bus.TokenDelete, events[3].Kind)
	assert.Contains(t, events[3].Key.String(), "/NN/")

	err = a.Put(ctx, bus.Sample{Key: keyexpr.MustParse("0/tf/t/h")})
	assert.True(t, errors.Is(err, errors.ErrSessionClosed))
	_, err = a.DeclareSubscriber(ctx, keyexpr.MustParse("**"), func(context.Context, bus.Sample) {})
	assert.True(t, errors.Is(err, errors.ErrSessionClosed))
}
