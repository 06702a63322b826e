// Package natsclient runs the bridge's bus over NATS.
//
// Client owns a single connection with reconnect handling, health monitoring and a
// circuit breaker: after a threshold of consecutive failures (default 5) further
// connection attempts fail fast with errors.ErrCircuitOpen until an exponential
// backoff elapses. Session implements bus.Session on top of a connected Client.
//
// # Key mapping
//
// Each '/'-separated key segment becomes one subject token under a root (default
// "ros"). Bytes NATS reserves ('.', '*', '>', whitespace) and '~' are escaped as
// "~XX" hex:
//
//	0/tf/tf2_msgs::msg::dds_::TFMessage_/RIHS01_e369...
//	ros.0.tf.tf2_msgs::msg::dds_::TFMessage_.RIHS01_e369...
//
// '*' maps to the NATS '*' wildcard. '**' becomes a trailing '>' and the
// truncated prefix, and every delivery is checked against the original pattern
// with keyexpr.Matches, so '@' verbatim segments keep their matching rules.
//
// # Samples, queries and tokens
//
// The publisher's zid, entity id and sequence number travel in the Ros-Zid,
// Ros-Eid and Ros-Sn headers. Queries are published on "<root>_query" with a
// reply inbox; every session with an intersecting queryable answers with JSON
// batches sized to the server's payload limit, and Get returns once no reply
// arrived for the quiet period (default 250ms) or its context ends.
//
// Liveliness tokens are entries of a memory-backed JetStream KV bucket (default
// ROS_LIVELINESS) keyed by "<base64url(key)>.<zid>". Sessions rewrite their
// entries at a third of the bucket TTL. WatchTokens folds bucket updates per key
// so watchers see a put for a key's first owner and a delete for its last.
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("ros-sub"),
//	    natsclient.WithMetrics(registry.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	session, err := natsclient.OpenSession(ctx, client)
//	if err != nil {
//	    return err
//	}
//	defer session.Close(ctx)
//
// # Limitations
//
// The bucket removes entries of a session that died without retracting its tokens
// once the TTL passes, but JetStream does not report that expiry to watchers.
// Watchers learn about such tokens only from GetTokens.
package natsclient
