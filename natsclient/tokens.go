package natsclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/pkg/retry"
)

const (
	// DefaultTokenBucket holds the liveliness tokens of every session.
	DefaultTokenBucket = "ROS_LIVELINESS"
	// DefaultTokenTTL bounds how long a crashed session's tokens outlive it.
	DefaultTokenTTL = 30 * time.Second
)

// tokenBucketConfig describes the liveliness bucket. Tokens are ephemeral so the
// bucket lives in memory and keeps no history.
func tokenBucketConfig(name string, ttl time.Duration) jetstream.KeyValueConfig {
	return jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "ROS graph liveliness tokens",
		History:     1,
		TTL:         ttl,
		Storage:     jetstream.MemoryStorage,
	}
}

// tokenEntryKey is "<base64url(token key)>.<zid>". Each session owns its own
// entry so a token shared by two sessions survives either one retracting it.
func tokenEntryKey(key keyexpr.KeyExpr, zid string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key.String())) + "." + zid
}

func parseTokenEntryKey(entry string) (keyexpr.KeyExpr, string, error) {
	encoded, zid, ok := strings.Cut(entry, ".")
	if !ok || zid == "" {
		return keyexpr.KeyExpr{}, "", fmt.Errorf("%w: bucket entry %q has no owner", errors.ErrMalformedToken, entry)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return keyexpr.KeyExpr{}, "", fmt.Errorf("%w: bucket entry %q: %v", errors.ErrMalformedToken, entry, err)
	}
	key, err := keyexpr.Parse(string(raw))
	if err != nil {
		return keyexpr.KeyExpr{}, "", err
	}
	if key.IsWild() {
		return keyexpr.KeyExpr{}, "", fmt.Errorf("%w: bucket entry %q holds a pattern", errors.ErrMalformedToken, entry)
	}
	return key, zid, nil
}

// tokenStore keeps one session's tokens in the liveliness bucket and refreshes
// them before the bucket TTL expires them.
type tokenStore struct {
	kv     jetstream.KeyValue
	zid    string
	ttl    time.Duration
	logger *slog.Logger
	retry  retry.Config

	mu    sync.Mutex
	owned map[string]int // entry key -> declaration count
}

func newTokenStore(kv jetstream.KeyValue, zid string, ttl time.Duration, logger *slog.Logger) *tokenStore {
	return &tokenStore{
		kv:     kv,
		zid:    zid,
		ttl:    ttl,
		logger: logger,
		retry:  retry.Bus(),
		owned:  make(map[string]int),
	}
}

func (t *tokenStore) write(ctx context.Context, entry string, key keyexpr.KeyExpr) error {
	return retry.Do(ctx, t.retry, func() error {
		_, err := t.kv.Put(ctx, entry, []byte(key.String()))
		return err
	})
}

// declare writes the entry for key. Declaring the same key twice from one
// session keeps a single entry until both declarations are retracted.
func (t *tokenStore) declare(ctx context.Context, key keyexpr.KeyExpr) error {
	entry := tokenEntryKey(key, t.zid)

	t.mu.Lock()
	t.owned[entry]++
	first := t.owned[entry] == 1
	t.mu.Unlock()

	if !first {
		return nil
	}
	if err := t.write(ctx, entry, key); err != nil {
		t.mu.Lock()
		t.owned[entry]--
		if t.owned[entry] <= 0 {
			delete(t.owned, entry)
		}
		t.mu.Unlock()
		return errors.WrapTransient(err, "natsclient", "DeclareToken", "bucket put")
	}
	return nil
}

func (t *tokenStore) retract(ctx context.Context, key keyexpr.KeyExpr) error {
	entry := tokenEntryKey(key, t.zid)

	t.mu.Lock()
	n, ok := t.owned[entry]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	if n > 1 {
		t.owned[entry] = n - 1
		t.mu.Unlock()
		return nil
	}
	delete(t.owned, entry)
	t.mu.Unlock()

	err := retry.Do(ctx, t.retry, func() error {
		err := t.kv.Delete(ctx, entry)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return errors.WrapTransient(err, "natsclient", "Undeclare", "bucket delete")
	}
	return nil
}

// refresh rewrites every owned entry so the bucket TTL never expires a live token.
func (t *tokenStore) refresh(ctx context.Context) {
	t.mu.Lock()
	entries := make([]string, 0, len(t.owned))
	for entry := range t.owned {
		entries = append(entries, entry)
	}
	t.mu.Unlock()

	for _, entry := range entries {
		key, _, err := parseTokenEntryKey(entry)
		if err != nil {
			continue
		}
		if _, err := t.kv.Put(ctx, entry, []byte(key.String())); err != nil {
			t.logger.Warn("Token refresh failed", "key", key.String(), "error", err)
		}
	}
}

func (t *tokenStore) runRefresh(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refresh(ctx)
		}
	}
}

// list returns the distinct token keys matching pattern.
func (t *tokenStore) list(ctx context.Context, pattern keyexpr.KeyExpr) ([]keyexpr.KeyExpr, error) {
	lister, err := t.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []keyexpr.KeyExpr{}, nil
		}
		return nil, errors.WrapTransient(err, "natsclient", "GetTokens", "list bucket keys")
	}
	defer func() { _ = lister.Stop() }()

	seen := make(map[string]keyexpr.KeyExpr)
	for entry := range lister.Keys() {
		key, _, err := parseTokenEntryKey(entry)
		if err != nil {
			t.logger.Debug("Skipping foreign bucket entry", "entry", entry, "error", err)
			continue
		}
		if keyexpr.Matches(pattern, key) {
			seen[key.String()] = key
		}
	}

	out := make([]keyexpr.KeyExpr, 0, len(seen))
	for _, key := range seen {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// tokenWatch folds bucket updates into per-key owner sets and reports a put on a
// key's first owner and a delete on its last.
type tokenWatch struct {
	pattern keyexpr.KeyExpr
	handler bus.TokenHandler
	owners  map[string]map[string]struct{}
	live    bool
}

func newTokenWatch(pattern keyexpr.KeyExpr, handler bus.TokenHandler) *tokenWatch {
	return &tokenWatch{pattern: pattern, handler: handler, owners: make(map[string]map[string]struct{})}
}

// apply folds one bucket update. Until the initial snapshot ends, updates only
// build state.
func (w *tokenWatch) apply(ctx context.Context, entryKey string, op jetstream.KeyValueOp) {
	key, zid, err := parseTokenEntryKey(entryKey)
	if err != nil || !keyexpr.Matches(w.pattern, key) {
		return
	}

	owners := w.owners[key.String()]
	switch op {
	case jetstream.KeyValuePut:
		if owners == nil {
			owners = make(map[string]struct{})
			w.owners[key.String()] = owners
		}
		_, had := owners[zid]
		owners[zid] = struct{}{}
		if !had && len(owners) == 1 && w.live {
			w.handler(ctx, bus.TokenEvent{Kind: bus.TokenPut, Key: key})
		}
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		if owners == nil {
			return
		}
		if _, had := owners[zid]; !had {
			return
		}
		delete(owners, zid)
		if len(owners) == 0 {
			delete(w.owners, key.String())
			if w.live {
				w.handler(ctx, bus.TokenEvent{Kind: bus.TokenDelete, Key: key})
			}
		}
	}
}

// watch follows the bucket until ctx ends. It returns once the watcher is open.
func (t *tokenStore) watch(ctx context.Context, w *tokenWatch, done chan<- struct{}) error {
	watcher, err := t.kv.WatchAll(ctx)
	if err != nil {
		close(done)
		return errors.WrapTransient(err, "natsclient", "WatchTokens", "open bucket watcher")
	}

	go func() {
		defer close(done)
		defer func() { _ = watcher.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// End of the initial snapshot.
					w.live = true
					continue
				}
				w.apply(ctx, entry.Key(), entry.Operation())
			}
		}
	}()
	return nil
}
