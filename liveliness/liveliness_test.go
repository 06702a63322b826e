package liveliness

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-ros/bus/membus"
	"github.com/c360/semstreams-ros/errors"
	"github.com/c360/semstreams-ros/keyexpr"
	"github.com/c360/semstreams-ros/message"
	"github.com/c360/semstreams-ros/qos"
)

const testZID = "7f3c2a1b9e8d4c6f"

func nodeToken() Token {
	return Token{
		SessionZID: testZID,
		Role:       RoleNode,
		Enclave:    "/",
		Namespace:  "/",
		NodeName:   "zenoh_sub",
	}
}

func endpointToken(role Role, id EntityID, topic string, profile qos.Profile) Token {
	t := nodeToken()
	t.Role = role
	t.EntityID = id
	t.Topic = topic
	t.TypeName = message.TFMessageType.DDSName()
	t.TypeHash = message.TFMessageHash
	t.QoS = profile
	return t
}

func TestToken_KeyLayout(t *testing.T) {
	node := nodeToken()
	key, err := node.Key()
	require.NoError(t, err)
	assert.Equal(t, "@ros2_lv/0/"+testZID+"/0/0/NN/%/%/zenoh_sub", key.String())

	sub := endpointToken(RoleSubscriber, 1, "/tf", qos.KeepLast(100))
	key, err = sub.Key()
	require.NoError(t, err)
	assert.Equal(t,
		"@ros2_lv/0/"+testZID+"/0/1/MS/%/%/zenoh_sub/%tf/tf2_msgs::msg::dds_::TFMessage_/"+message.TFMessageHash+"/::,100:,:,:,,",
		key.String())

	static := endpointToken(RoleSubscriber, 2, "/tf_static", qos.TransientLocal())
	key, err = static.Key()
	require.NoError(t, err)
	assert.Contains(t, key.String(), "/%tf_static/")
	assert.True(t, strings.HasSuffix(key.String(), "/:1:,1:,:,:,,"))
}

func TestToken_RoundTrip(t *testing.T) {
	profiles := map[string]qos.Profile{
		"default":         qos.Default(),
		"keep_last_100":   qos.KeepLast(100),
		"sensor_data":     qos.SensorData(),
		"transient_local": qos.TransientLocal(),
	}

	for name, profile := range profiles {
		for _, role := range []Role{RolePublisher, RoleSubscriber} {
			t.Run(name+"/"+string(role), func(t *testing.T) {
				tok := endpointToken(role, 7, "/robot/points", profile)
				tok.Domain = 42
				tok.NodeID = 3
				tok.Namespace = "/robot"

				key, err := tok.Key()
				require.NoError(t, err)

				parsed, err := Parse(key)
				require.NoError(t, err)
				assert.Equal(t, tok, parsed)
				assert.Equal(t, profile.Durability, parsed.Durability())
				assert.Equal(t, profile.Depth, parsed.HistoryDepth())
				assert.Equal(t, role == RolePublisher && profile.IsTransientLocal(), parsed.IsCachingPublisher())
			})
		}
	}

	node := nodeToken()
	node.NodeID, node.EntityID = 5, 5
	parsed, err := ParseString(node.String())
	require.NoError(t, err)
	assert.Equal(t, node, parsed)
}

func TestToken_Derived(t *testing.T) {
	tok := endpointToken(RolePublisher, 4, "/tf", qos.Default())
	tok.Domain = 5
	tok.NodeID = 2

	node := tok.NodeToken()
	assert.Equal(t, RoleNode, node.Role)
	assert.Equal(t, EntityID(2), node.EntityID)
	assert.Empty(t, node.Topic)

	id := tok.Identity()
	assert.Equal(t, uint32(5), id.DomainID)
	assert.Equal(t, "/tf", id.FullyQualifiedName)

	pubKey, err := keyexpr.Build(id, keyexpr.RolePublish)
	require.NoError(t, err)
	assert.Equal(t, "5/tf/tf2_msgs::msg::dds_::TFMessage_/"+message.TFMessageHash, pubKey.String())
}

func TestToken_KeyInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Token)
	}{
		{"unknown role", func(t *Token) { t.Role = "XX" }},
		{"node id mismatch", func(t *Token) { t.EntityID = 3 }},
		{"empty zid", func(t *Token) { t.SessionZID = "" }},
		{"wildcard node name", func(t *Token) { t.NodeName = "*" }},
		{"slash in node name", func(t *Token) { t.NodeName = "a/b" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := nodeToken()
			tt.mutate(&tok)
			_, err := tok.Key()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrMalformedToken))
			assert.True(t, errors.IsInvalid(err))
		})
	}

	ep := endpointToken(RoleSubscriber, 1, "", qos.Default())
	_, err := ep.Key()
	assert.True(t, errors.Is(err, errors.ErrMalformedToken))

	ep = endpointToken(RoleSubscriber, 1, "/tf", qos.Default())
	ep.TypeHash = ""
	_, err = ep.Key()
	assert.True(t, errors.Is(err, errors.ErrMalformedToken))
}

func TestParseString_Malformed(t *testing.T) {
	base := "@ros2_lv/0/" + testZID + "/0/1/MS/%/%/zenoh_sub/%tf/t/h/::,:,:,:,,"
	_, err := ParseString(base)
	require.NoError(t, err)

	tests := []string{
		"ros2_lv/0/z/0/0/NN/%/%/n",
		"@ros2_lv/0/z/0/0/NN/%/%",
		"@ros2_lv/x/z/0/0/NN/%/%/n",
		"@ros2_lv/0/z/a/0/NN/%/%/n",
		"@ros2_lv/0/z/0/b/NN/%/%/n",
		"@ros2_lv/0/z/0/0/QQ/%/%/n",
		"@ros2_lv/0/z/0/0/NN/enclave/%/n",
		"@ros2_lv/0/z/0/0/NN/%/%/",
		"@ros2_lv/0/z/0/1/MS/%/%/n",
		"@ros2_lv/0/z/0/0/NN/%/%/n/%tf/t/h/::,:,:,:,,",
		"@ros2_lv/0/z/0/1/MS/%/%/n/tf/t/h/::,:,:,:,,",
		"@ros2_lv/0/z/0/1/MS/%/%/n/%tf/t/h/bad",
		"@ros2_lv/0/z/0/1/MS/%/%/n/%tf/t/h/9::,:,:,:,,",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			_, err := ParseString(s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrMalformedToken))
		})
	}
}

func TestEntityIDs_Concurrent(t *testing.T) {
	ids := NewEntityIDs()
	assert.Equal(t, EntityID(0), ids.Next())

	const n = 1000
	var mu sync.Mutex
	seen := make(map[EntityID]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := ids.Next()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.False(t, seen[0])
	assert.True(t, seen[n])
}

func TestPatterns(t *testing.T) {
	tok := endpointToken(RolePublisher, 1, "/tf_static", qos.TransientLocal())
	key, err := tok.Key()
	require.NoError(t, err)

	assert.True(t, keyexpr.Matches(AllPattern(), key))

	pubs, err := EndpointPattern(RolePublisher, "/tf_static")
	require.NoError(t, err)
	assert.True(t, keyexpr.Matches(pubs, key))

	subs, err := EndpointPattern(RoleSubscriber, "/tf_static")
	require.NoError(t, err)
	assert.False(t, keyexpr.Matches(subs, key))

	other, err := EndpointPattern(RolePublisher, "/tf")
	require.NoError(t, err)
	assert.False(t, keyexpr.Matches(other, key))
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	net := membus.NewNetwork()
	session, err := net.Open(ctx, membus.WithZID(testZID))
	require.NoError(t, err)
	defer session.Close(ctx)

	var gauge []int
	ledger := NewLedger(session, WithDeclaredGauge(func(n int) { gauge = append(gauge, n) }))

	node := nodeToken()
	sub := endpointToken(RoleSubscriber, 1, "/tf", qos.KeepLast(100))
	static := endpointToken(RoleSubscriber, 2, "/tf_static", qos.TransientLocal())

	// Endpoint tokens need their node first.
	err = ledger.Declare(ctx, sub)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedToken))

	require.NoError(t, ledger.Declare(ctx, node))
	require.NoError(t, ledger.Declare(ctx, sub))
	require.NoError(t, ledger.Declare(ctx, static))

	err = ledger.Declare(ctx, sub)
	assert.True(t, errors.IsInvalid(err), "duplicate declaration")

	tokens, err := session.GetTokens(ctx, AllPattern())
	require.NoError(t, err)
	assert.Len(t, tokens, 3)

	err = ledger.Retract(ctx, node)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrChildrenDeclared))

	require.NoError(t, ledger.Retract(ctx, sub))
	assert.Equal(t, []Token{node, static}, ledger.Declared())

	require.NoError(t, ledger.RetractAll(ctx))
	assert.Empty(t, ledger.Declared())

	tokens, err = session.GetTokens(ctx, AllPattern())
	require.NoError(t, err)
	assert.Empty(t, tokens)

	assert.Equal(t, []int{1, 2, 3, 2, 1, 0}, gauge)
}
