package natsclient

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
)

// fakeKV implements the parts of jetstream.KeyValue the token store uses.
type fakeKV struct {
	jetstream.KeyValue

	mu       sync.Mutex
	data     map[string][]byte
	puts     int
	failPuts int
	watchers []chan jetstream.KeyValueEntry
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

type fakeEntry struct {
	key string
	val []byte
	op  jetstream.KeyValueOp
}

func (e fakeEntry) Bucket() string                  { return DefaultTokenBucket }
func (e fakeEntry) Key() string                     { return e.key }
func (e fakeEntry) Value() []byte                   { return e.val }
func (e fakeEntry) Revision() uint64                { return 0 }
func (e fakeEntry) Created() time.Time              { return time.Time{} }
func (e fakeEntry) Delta() uint64                   { return 0 }
func (e fakeEntry) Operation() jetstream.KeyValueOp { return e.op }

func (f *fakeKV) notify(e fakeEntry) {
	for _, w := range f.watchers {
		w <- e
	}
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts > 0 {
		f.failPuts--
		return 0, errors.ErrConnectionLost
	}
	f.puts++
	f.data[key] = value
	f.notify(fakeEntry{key: key, val: value, op: jetstream.KeyValuePut})
	return uint64(f.puts), nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	delete(f.data, key)
	f.notify(fakeEntry{key: key, op: jetstream.KeyValueDelete})
	return nil
}

type fakeLister struct{ keys chan string }

func (l fakeLister) Keys() <-chan string { return l.keys }
func (l fakeLister) Stop() error         { return nil }

func (f *fakeKV) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make(chan string, len(f.data))
	for k := range f.data {
		keys <- k
	}
	close(keys)
	return fakeLister{keys: keys}, nil
}

type fakeWatcher struct{ updates chan jetstream.KeyValueEntry }

func (w fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.updates }
func (w fakeWatcher) Stop() error                             { return nil }

func (f *fakeKV) WatchAll(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	updates := make(chan jetstream.KeyValueEntry, 64)
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		updates <- fakeEntry{key: k, val: f.data[k], op: jetstream.KeyValuePut}
	}
	updates <- nil
	f.watchers = append(f.watchers, updates)
	return fakeWatcher{updates: updates}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.TokenEvent
}

func (l *eventLog) handle(_ context.Context, e bus.TokenEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []bus.TokenEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bus.TokenEvent(nil), l.events...)
}

const nodeKey = "@ros2_lv/0/aa/0/0/NN/%/%/zenoh_sub"

func TestTokenEntryKey(t *testing.T) {
	key := keyexpr.MustParse(nodeKey)
	entry := tokenEntryKey(key, "aa")
	assert.Regexp(t, `^[A-Za-z0-9_-]+\.aa$`, entry)

	back, zid, err := parseTokenEntryKey(entry)
	require.NoError(t, err)
	assert.Equal(t, nodeKey, back.String())
	assert.Equal(t, "aa", zid)

	for _, bad := range []string{"nozid", "!!!.aa", "Kg.aa"} {
		_, _, err := parseTokenEntryKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestTokenStore_DeclareRetractListing(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	a := newTokenStore(kv, "aa", time.Minute, slog.Default())
	b := newTokenStore(kv, "bb", time.Minute, slog.Default())
	key := keyexpr.MustParse(nodeKey)

	require.NoError(t, a.declare(ctx, key))
	require.NoError(t, a.declare(ctx, key))
	require.NoError(t, b.declare(ctx, key))
	assert.Equal(t, 2, kv.puts, "one entry per session")

	tokens, err := a.list(ctx, keyexpr.MustParse("@ros2_lv/**"))
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, nodeKey, tokens[0].String())

	require.NoError(t, a.retract(ctx, key))
	require.NoError(t, a.retract(ctx, key))
	require.NoError(t, a.retract(ctx, key))
	tokens, err = b.list(ctx, keyexpr.MustParse("@ros2_lv/**"))
	require.NoError(t, err)
	assert.Len(t, tokens, 1, "still owned by bb")

	require.NoError(t, b.retract(ctx, key))
	tokens, err = b.list(ctx, keyexpr.MustParse("@ros2_lv/**"))
	require.NoError(t, err)
	assert.Empty(t, tokens)

	tokens, err = b.list(ctx, keyexpr.MustParse("**"))
	require.NoError(t, err)
	assert.Empty(t, tokens, "wildcards never match verbatim segments")
}

func TestTokenStore_DeclareRetriesTransientPut(t *testing.T) {
	kv := newFakeKV()
	kv.failPuts = 2
	store := newTokenStore(kv, "aa", time.Minute, slog.Default())

	require.NoError(t, store.declare(context.Background(), keyexpr.MustParse(nodeKey)))
	assert.Equal(t, 1, kv.puts)
}

func TestTokenStore_RefreshRewritesOwned(t *testing.T) {
	kv := newFakeKV()
	store := newTokenStore(kv, "aa", time.Minute, slog.Default())
	require.NoError(t, store.declare(context.Background(), keyexpr.MustParse(nodeKey)))

	store.refresh(context.Background())
	assert.Equal(t, 2, kv.puts)
}

func TestTokenStore_WatchFoldsOwners(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := newFakeKV()
	a := newTokenStore(kv, "aa", time.Minute, slog.Default())
	b := newTokenStore(kv, "bb", time.Minute, slog.Default())

	existing := keyexpr.MustParse("@ros2_lv/0/aa/0/0/NN/%/%/old")
	require.NoError(t, a.declare(ctx, existing))

	var log eventLog
	done := make(chan struct{})
	require.NoError(t, b.watch(ctx, newTokenWatch(keyexpr.MustParse("@ros2_lv/**"), log.handle), done))

	key := keyexpr.MustParse(nodeKey)
	require.NoError(t, a.declare(ctx, key))
	require.NoError(t, b.declare(ctx, key))
	a.refresh(ctx)
	require.NoError(t, a.retract(ctx, key))
	require.NoError(t, b.retract(ctx, key))
	require.NoError(t, a.retract(ctx, existing))

	require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	events := log.snapshot()
	assert.Equal(t, bus.TokenEvent{Kind: bus.TokenPut, Key: key}, events[0])
	assert.Equal(t, bus.TokenEvent{Kind: bus.TokenDelete, Key: key}, events[1])
	assert.Equal(t, bus.TokenEvent{Kind: bus.TokenDelete, Key: existing}, events[2])

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch goroutine did not stop")
	}
}
