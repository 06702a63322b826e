package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/bus/membus"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/liveliness"
	"github.com/c360/semstreams-ros/message"
	"github.com/c360/semstreams-ros/qos"
)

var staticIdentity = keyexpr.TopicIdentity{
	FullyQualifiedName: "/tf_static",
	TypeName:           message.TFMessageType.DDSName(),
	TypeHash:           message.TFMessageHash,
}

func dataKey(t *testing.T) keyexpr.KeyExpr {
	t.Helper()
	k, err := keyexpr.Build(staticIdentity, keyexpr.RolePublish)
	require.NoError(t, err)
	return k
}

func staticTopic(t *testing.T) Topic {
	t.Helper()
	p, err := keyexpr.Build(staticIdentity, keyexpr.RoleSubscribe)
	require.NoError(t, err)
	return Topic{
		Name:     staticIdentity.FullyQualifiedName,
		TypeName: staticIdentity.TypeName,
		Pattern:  p,
		QoS:      qos.TransientLocal(),
	}
}

func publisherToken(zid string, eid uint64, profile qos.Profile) liveliness.Token {
	return liveliness.Token{
		SessionZID: zid,
		EntityID:   liveliness.EntityID(eid),
		Role:       liveliness.RolePublisher,
		Enclave:    "/",
		Namespace:  "/",
		NodeName:   "talker",
		Topic:      staticIdentity.FullyQualifiedName,
		TypeName:   staticIdentity.TypeName,
		TypeHash:   staticIdentity.TypeHash,
		QoS:        profile,
	}
}

func declarePublisherToken(t *testing.T, s bus.Session, eid uint64, profile qos.Profile) bus.Declaration {
	t.Helper()
	key, err := publisherToken(s.ZID(), eid, profile).Key()
	require.NoError(t, err)
	decl, err := s.DeclareToken(context.Background(), key)
	require.NoError(t, err)
	return decl
}

// recorder collects the sequence numbers handed to a subscriber handler.
type recorder struct {
	mu   sync.Mutex
	seqs []uint64
	keys []string
}

func (r *recorder) handle(_ context.Context, s bus.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Source != nil {
		r.seqs = append(r.seqs, s.Source.Sequence)
	}
	r.keys = append(r.keys, s.Key.String())
}

func (r *recorder) sequences() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

// querySpy records the parameters of every history query.
type querySpy struct {
	bus.Session
	mu     sync.Mutex
	params []bus.QueryParams
}

func (q *querySpy) Get(ctx context.Context, selector keyexpr.KeyExpr, params bus.QueryParams) ([]bus.Sample, error) {
	q.mu.Lock()
	q.params = append(q.params, params)
	q.mu.Unlock()
	return q.Session.Get(ctx, selector, params)
}

func (q *querySpy) queries() []bus.QueryParams {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]bus.QueryParams(nil), q.params...)
}

func openSessions(t *testing.T) (*membus.Session, *membus.Session) {
	t.Helper()
	net := membus.NewNetwork()
	pub, err := net.Open(context.Background())
	require.NoError(t, err)
	sub, err := net.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sub.Close(context.Background())
		_ = pub.Close(context.Background())
	})
	return pub, sub
}

func TestPolicy(t *testing.T) {
	p := NewPolicy()
	assert.Equal(t, StateIdle, p.State())

	var seen []Transition
	p.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	assert.True(t, p.transition(StateDiscovering, "start"))
	assert.False(t, p.transition(StateDiscovering, "again"))
	assert.True(t, p.transition(StateLive, "done"))

	assert.Equal(t, []State{StateIdle, StateDiscovering, StateLive}, p.Path())
	require.Len(t, seen, 2)
	assert.Equal(t, StateIdle, seen[0].From)
	assert.Equal(t, "done", seen[1].Reason)
	assert.Equal(t, seen, p.Transitions())
	assert.Equal(t, "replaying", StateReplaying.String())
}

func TestRequest(t *testing.T) {
	req := DefaultRequest()
	assert.Equal(t, 100, req.MaxSamples)
	assert.True(t, req.DetectLatePublishers)
	assert.Equal(t, MissHeartbeat, req.MissDetection)
	assert.Zero(t, req.QueryTimeout)
	assert.Equal(t, bus.QueryParams{MaxSamples: 100}, req.Params())
	assert.NoError(t, req.Validate())

	assert.True(t, errors.IsInvalid(Request{MaxSamples: -1}.Validate()))
	assert.True(t, errors.IsInvalid(Request{QueryTimeout: -time.Second}.Validate()))

	m, err := ParseMissDetection("heartbeat")
	require.NoError(t, err)
	assert.Equal(t, MissHeartbeat, m)
	m, err = ParseMissDetection("")
	require.NoError(t, err)
	assert.Equal(t, MissNone, m)
	_, err = ParseMissDetection("gossip")
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestKeysAndHeartbeat(t *testing.T) {
	topic := keyexpr.MustParse("0/tf_static/T/H")

	cache, err := CacheKey(topic, "abc", 7)
	require.NoError(t, err)
	assert.Equal(t, "0/tf_static/T/H/@adv/cache/abc/7", cache.String())

	hb, err := HeartbeatKey(topic, "abc", 7)
	require.NoError(t, err)
	assert.Equal(t, "0/tf_static/T/H/@adv/hb/abc/7", hb.String())

	pattern, err := HeartbeatPattern(keyexpr.MustParse("*/tf_static/*/*"))
	require.NoError(t, err)
	assert.True(t, keyexpr.Matches(pattern, hb))
	assert.False(t, keyexpr.Matches(keyexpr.MustParse("*/tf_static/*/*"), hb))
	assert.False(t, keyexpr.Matches(keyexpr.MustParse("**"), hb), "wildcards never reach @adv")

	base, kind, zid, eid, ok := splitAdv(hb)
	require.True(t, ok)
	assert.Equal(t, topic.String(), base.String())
	assert.Equal(t, "hb", kind)
	assert.Equal(t, "abc", zid)
	assert.Equal(t, uint64(7), eid)

	_, _, _, _, ok = splitAdv(topic)
	assert.False(t, ok)

	payload := EncodeHeartbeat(1234)
	assert.Equal(t, []byte{0, 1, 0, 0, 0xd2, 0x04, 0, 0, 0, 0, 0, 0}, payload)
	seq, err := DecodeHeartbeat(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), seq)

	_, err = DecodeHeartbeat(payload[:8])
	assert.True(t, errors.Is(err, errors.ErrTruncatedBuffer))
}

func TestTracker(t *testing.T) {
	tr := newTracker()

	ok, gap := tr.observe("p", 5)
	assert.True(t, ok)
	assert.Nil(t, gap)

	ok, _ = tr.observe("p", 5)
	assert.False(t, ok, "duplicate")

	ok, gap = tr.observe("p", 8)
	assert.True(t, ok)
	assert.Equal(t, &Range{From: 6, To: 7}, gap)

	// Missing samples are delivered once, late.
	ok, _ = tr.observe("p", 6)
	assert.True(t, ok)
	ok, _ = tr.observe("p", 6)
	assert.False(t, ok)

	assert.Equal(t, &Range{From: 9, To: 10}, tr.heartbeat("p", 10))
	assert.Nil(t, tr.heartbeat("p", 10))
	assert.Nil(t, tr.heartbeat("unknown", 3))

	// History older than the first live sample plus the open gaps.
	assert.Equal(t, []uint64{1, 2, 3, 4, 7, 9}, tr.backfill("p", []uint64{9, 4, 3, 2, 1, 5, 6, 7, 7}))
	assert.Empty(t, tr.backfill("p", []uint64{1, 2}))

	assert.Equal(t, []uint64{3, 4}, tr.backfill("q", []uint64{4, 3}))
	ok, _ = tr.observe("q", 4)
	assert.False(t, ok)

	tr.forget("q")
	ok, _ = tr.observe("q", 4)
	assert.True(t, ok)
}

func TestPublisher_CacheAndQueries(t *testing.T) {
	pubSession, subSession := openSessions(t)
	ctx := context.Background()

	pub, err := NewPublisher(ctx, pubSession, dataKey(t), 3, WithCache(5))
	require.NoError(t, err)
	defer pub.Close(ctx)

	for i := 0; i < 8; i++ {
		require.NoError(t, pub.Put(ctx, []byte{byte(i)}))
	}
	assert.Equal(t, uint64(8), pub.Sequence())

	selector, err := CacheKey(staticTopic(t).Pattern, pubSession.ZID(), 3)
	require.NoError(t, err)

	all, err := subSession.Get(ctx, selector, bus.QueryParams{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, s := range all {
		assert.Equal(t, uint64(4+i), s.Source.Sequence)
		assert.Equal(t, []byte{byte(3 + i)}, s.Payload)
	}

	latest, err := subSession.Get(ctx, selector, bus.QueryParams{MaxSamples: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, uint64(7), latest[0].Source.Sequence)

	ranged, err := subSession.Get(ctx, selector, bus.QueryParams{FromSeq: 5, ToSeq: 6})
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, uint64(5), ranged[0].Source.Sequence)

	require.NoError(t, pub.Close(ctx))
	none, err := subSession.Get(ctx, selector, bus.QueryParams{})
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Error(t, pub.Put(ctx, []byte{0}))
}

func TestPublisher_Heartbeat(t *testing.T) {
	pubSession, subSession := openSessions(t)
	ctx := context.Background()

	pattern, err := HeartbeatPattern(staticTopic(t).Pattern)
	require.NoError(t, err)

	beats := make(chan uint64, 16)
	_, err = subSession.DeclareSubscriber(ctx, pattern, func(_ context.Context, s bus.Sample) {
		seq, err := DecodeHeartbeat(s.Payload)
		if err == nil {
			beats <- seq
		}
	})
	require.NoError(t, err)

	pub, err := NewPublisher(ctx, pubSession, dataKey(t), 1, WithHeartbeat(5*time.Millisecond))
	require.NoError(t, err)
	defer pub.Close(ctx)

	require.NoError(t, pub.Put(ctx, []byte{1}))
	require.NoError(t, pub.Put(ctx, []byte{2}))

	deadline := time.After(time.Second)
	for {
		select {
		case seq := <-beats:
			if seq == 2 {
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat carrying the last sequence")
		}
	}
}

// A late-joining subscriber with MaxSamples = 10 replays the newest ten cached
// samples and walks Idle -> Discovering -> Replaying -> Live.
func TestSubscriber_ReplayMaxSamples(t *testing.T) {
	pubSession, subSession := openSessions(t)
	ctx := context.Background()

	profile := qos.TransientLocal()
	profile.Depth = 50
	pub, err := NewPublisher(ctx, pubSession, dataKey(t), 1, WithCache(profile.Depth))
	require.NoError(t, err)
	defer pub.Close(ctx)
	declarePublisherToken(t, pubSession, 1, profile)

	for i := 0; i < 20; i++ {
		require.NoError(t, pub.Put(ctx, []byte{byte(i)}))
	}

	spy := &querySpy{Session: subSession}
	var rec recorder
	req := Request{MaxSamples: 10, DetectLatePublishers: true}
	sub, err := NewSubscriber(ctx, spy, staticTopic(t), req, rec.handle)
	require.NoError(t, err)
	defer sub.Close(ctx)

	require.Eventually(t, func() bool { return sub.State() == StateLive }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []State{StateIdle, StateDiscovering, StateReplaying, StateLive}, sub.Policy().Path())
	assert.Equal(t, []uint64{11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, rec.sequences())
	for _, k := range rec.keys {
		assert.Equal(t, dataKey(t).String(), k, "replayed samples carry the data key")
	}

	queries := spy.queries()
	require.Len(t, queries, 1)
	assert.LessOrEqual(t, queries[0].MaxSamples, 10)

	// Live samples continue after the replay without duplicates.
	require.NoError(t, pub.Put(ctx, []byte{20}))
	require.Eventually(t, func() bool { return len(rec.sequences()) == 11 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(21), rec.sequences()[10])
}

func TestSubscriber_LatePublisher(t *testing.T) {
	pubSession, subSession := openSessions(t)
	ctx := context.Background()

	var rec recorder
	sub, err := NewSubscriber(ctx, subSession, staticTopic(t), DefaultRequest(), rec.handle)
	require.NoError(t, err)
	defer sub.Close(ctx)
	assert.Equal(t, StateLive, sub.State(), "no caching publisher yet")

	pub, err := NewPublisher(ctx, pubSession, dataKey(t), 4, WithCache(10))
	require.NoError(t, err)
	defer pub.Close(ctx)
	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Put(ctx, []byte{byte(i)}))
	}
	// Wait for the live copies so the replay only fills what is missing.
	require.Eventually(t, func() bool { return len(rec.sequences()) == 3 }, time.Second, 5*time.Millisecond)

	declarePublisherToken(t, pubSession, 4, qos.TransientLocal())

	require.Eventually(t, func() bool {
		path := sub.Policy().Path()
		return len(path) == 5 && path[4] == StateLive
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{StateIdle, StateDiscovering, StateLive, StateReplaying, StateLive}, sub.Policy().Path())
	assert.Equal(t, []uint64{1, 2, 3}, rec.sequences())
}

func TestSubscriber_IgnoresVolatileAndForeignTokens(t *testing.T) {
	pubSession, subSession := openSessions(t)
	ctx := context.Background()

	declarePublisherToken(t, pubSession, 1, qos.Default())
	_, err := pubSession.DeclareToken(ctx, keyexpr.MustParse("@ros2_lv/0/z/0/1/MP/%/%/n/%tf_static/t/h/garbage"))
	require.NoError(t, err)

	sub, err := NewSubscriber(ctx, subSession, staticTopic(t), DefaultRequest(), func(context.Context, bus.Sample) {})
	require.NoError(t, err)
	defer sub.Close(ctx)

	assert.Equal(t, []State{StateIdle, StateDiscovering, StateLive}, sub.Policy().Path())
}

func TestSubscriber_VolatileSkipsDiscovery(t *testing.T) {
	_, subSession := openSessions(t)
	ctx := context.Background()

	topic := staticTopic(t)
	topic.QoS = qos.KeepLast(100)
	sub, err := NewSubscriber(ctx, subSession, topic, DefaultRequest(), func(context.Context, bus.Sample) {})
	require.NoError(t, err)
	defer sub.Close(ctx)

	assert.Equal(t, StateIdle, sub.State())
	assert.Empty(t, sub.Policy().Transitions())
}

func TestSubscriber_VolatileKeepsNoPublisherState(t *testing.T) {
	pubSession, subSession := openSessions(t)
	ctx := context.Background()

	topic := staticTopic(t)
	topic.QoS = qos.KeepLast(100)
	var rec recorder
	sub, err := NewSubscriber(ctx, subSession, topic, DefaultRequest(), rec.handle)
	require.NoError(t, err)
	defer sub.Close(ctx)

	for eid := uint64(1); eid <= 5; eid++ {
		require.NoError(t, pubSession.Put(ctx, bus.Sample{Key: dataKey(t),
			Source: &bus.Source{ZID: pubSession.ZID(), EntityID: eid, Sequence: 1}}))
	}
	require.Eventually(t, func() bool { return len(rec.sequences()) == 5 }, time.Second, 5*time.Millisecond)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Empty(t, sub.tracker.pubs)
	assert.Equal(t, StateIdle, sub.State())
}

func TestSubscriber_QueryTimeoutFallsBackToIdle(t *testing.T) {
	pubSession, subSession := openSessions(t)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	cache, err := CacheKey(dataKey(t), pubSession.ZID(), 2)
	require.NoError(t, err)
	_, err = pubSession.DeclareQueryable(ctx, cache, func(context.Context, bus.Query) ([]bus.Sample, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	declarePublisherToken(t, pubSession, 2, qos.TransientLocal())

	var rec recorder
	req := Request{MaxSamples: 10, QueryTimeout: 20 * time.Millisecond}
	sub, err := NewSubscriber(ctx, subSession, staticTopic(t), req, rec.handle)
	require.NoError(t, err)
	defer sub.Close(ctx)

	require.Eventually(t, func() bool { return sub.State() == StateIdle && len(sub.Policy().Transitions()) == 3 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{StateIdle, StateDiscovering, StateReplaying, StateIdle}, sub.Policy().Path())

	// Live delivery is unaffected.
	require.NoError(t, pubSession.Put(ctx, bus.Sample{Key: dataKey(t), Payload: []byte{1},
		Source: &bus.Source{ZID: pubSession.ZID(), EntityID: 2, Sequence: 1}}))
	require.Eventually(t, func() bool { return len(rec.sequences()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscriber_CloseCancelsPendingReplay(t *testing.T) {
	pubSession, subSession := openSessions(t)
	ctx := context.Background()

	entered := make(chan struct{})
	cache, err := CacheKey(dataKey(t), pubSession.ZID(), 2)
	require.NoError(t, err)
	_, err = pubSession.DeclareQueryable(ctx, cache, func(qctx context.Context, _ bus.Query) ([]bus.Sample, error) {
		close(entered)
		<-qctx.Done()
		return []bus.Sample{{Key: cache, Source: &bus.Source{ZID: pubSession.ZID(), EntityID: 2, Sequence: 1}}}, nil
	})
	require.NoError(t, err)
	declarePublisherToken(t, pubSession, 2, qos.TransientLocal())

	var rec recorder
	sub, err := NewSubscriber(ctx, subSession, staticTopic(t), DefaultRequest(), rec.handle)
	require.NoError(t, err)

	<-entered
	assert.Equal(t, StateReplaying, sub.State())

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, sub.Close(closeCtx))

	assert.Empty(t, rec.sequences())
	assert.Equal(t, StateReplaying, sub.State(), "no transition after close")
	require.NoError(t, sub.Close(ctx))
}

func TestSubscriber_GapRecovery(t *testing.T) {
	pubSession, subSession := openSessions(t)
	ctx := context.Background()

	const eid = 9
	var mu sync.Mutex
	var ranges []bus.QueryParams
	cache, err := CacheKey(dataKey(t), pubSession.ZID(), eid)
	require.NoError(t, err)
	_, err = pubSession.DeclareQueryable(ctx, cache, func(_ context.Context, q bus.Query) ([]bus.Sample, error) {
		mu.Lock()
		ranges = append(ranges, q.Params)
		mu.Unlock()
		var out []bus.Sample
		for seq := q.Params.FromSeq; seq > 0 && seq <= q.Params.ToSeq; seq++ {
			out = append(out, bus.Sample{Key: cache, Source: &bus.Source{ZID: pubSession.ZID(), EntityID: eid, Sequence: seq}})
		}
		return out, nil
	})
	require.NoError(t, err)

	var rec recorder
	req := Request{MissDetection: MissHeartbeat}
	sub, err := NewSubscriber(ctx, subSession, staticTopic(t), req, rec.handle)
	require.NoError(t, err)
	defer sub.Close(ctx)

	put := func(seq uint64) {
		require.NoError(t, pubSession.Put(ctx, bus.Sample{Key: dataKey(t),
			Source: &bus.Source{ZID: pubSession.ZID(), EntityID: eid, Sequence: seq}}))
	}

	put(1)
	put(4)
	require.Eventually(t, func() bool { return len(rec.sequences()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 4, 2, 3}, rec.sequences())

	hb, err := HeartbeatKey(dataKey(t), pubSession.ZID(), eid)
	require.NoError(t, err)
	require.NoError(t, pubSession.Put(ctx, bus.Sample{Key: hb, Payload: EncodeHeartbeat(6)}))
	require.Eventually(t, func() bool { return len(rec.sequences()) == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 4, 2, 3, 5, 6}, rec.sequences())

	// Replayed gaps are not delivered twice.
	put(6)
	put(7)
	require.Eventually(t, func() bool { return len(rec.sequences()) == 7 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bus.QueryParams{{FromSeq: 2, ToSeq: 3}, {FromSeq: 5, ToSeq: 6}}, ranges)

	require.Eventually(t, func() bool { return sub.State() == StateLive }, time.Second, 5*time.Millisecond)
	path := sub.Policy().Path()
	assert.Equal(t, []State{StateIdle, StateDiscovering, StateLive, StateReplaying, StateLive}, path[:5])
}
