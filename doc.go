// Package rosbridge joins a ROS 2 graph that speaks the rmw_zenoh key layout,
// from Go, over NATS or an in-process bus.
//
// A ROS 2 node using rmw_zenoh publishes every message on a key expression
// derived from its domain, topic, type and type hash, and advertises itself and
// its endpoints with liveliness tokens. This module reproduces both halves: it
// maps topics to keys, decodes CDR payloads into typed messages, declares and
// watches tokens, and replays the cache of transient-local publishers to
// subscribers that join late.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          node                       │  Nodes, typed publishers
//	│  (Advertise, Subscribe, Close)      │  and subscriptions
//	└─────────────────────────────────────┘
//	     ↓ decodes via          ↓ advertises via
//	┌──────────────────┐  ┌──────────────────┐
//	│ router, message, │  │ liveliness, qos  │  Tokens and QoS strings
//	│ cdr              │  │                  │
//	└──────────────────┘  └──────────────────┘
//	     ↓ replays via
//	┌─────────────────────────────────────┐
//	│          history                    │  Publisher caches, late
//	│  (cache queries, heartbeats, gaps)  │  joiner replay, gap recovery
//	└─────────────────────────────────────┘
//	           ↓ communicates via
//	┌─────────────────────────────────────┐
//	│  bus.Session                        │  natsclient (NATS + JetStream KV)
//	│  (put, subscribe, query, tokens)    │  or bus/membus (in process)
//	└─────────────────────────────────────┘
//
// # Packages
//
// Core:
//   - keyexpr: key expressions, wildcard matching and topic keys
//   - cdr: XCDR1 encapsulation, reader and writer
//   - message: codecs for tf2_msgs/TFMessage and sensor_msgs/PointCloud2 and a type registry
//   - qos, liveliness: QoS profiles and liveliness token keys
//   - history: transient-local caching, replay and miss detection
//   - router: typed dispatch of samples to handlers
//   - node: the user-facing node API
//   - transform: a frame tree fed by /tf and /tf_static
//
// Infrastructure:
//   - bus: the session interface every backend implements
//   - natsclient: the NATS backend with a circuit breaker and a JetStream KV token bucket
//   - bus/membus: an in-process backend for tests and single-process runs
//   - config, metric, health, errors: configuration, Prometheus metrics, health
//     reporting and classified errors
//   - pkg/retry, pkg/worker: backoff and bounded worker pools
//
// # Usage
//
//	client, _ := natsclient.NewClient("nats://localhost:4222")
//	_ = client.Connect(ctx)
//	session, _ := natsclient.OpenSession(ctx, client)
//
//	n, _ := node.New(ctx, session, liveliness.NewEntityIDs(), node.Config{Name: "listener"})
//	defer n.Close(ctx)
//
//	_, _ = node.Subscribe[message.TFMessage](ctx, n, "/tf_static", message.TFMessageCodec{},
//		func(ctx context.Context, key keyexpr.KeyExpr, msg message.TFMessage) {
//			// ...
//		},
//		node.WithQoS(qos.TransientLocal()),
//		node.WithHistory(history.DefaultRequest()))
//
// # Binary
//
// cmd/ros-sub subscribes to the configured topics (by default /tf, /tf_static
// and /point_cloud), logs what it receives, keeps a transform tree and serves
// Prometheus metrics and a JSON health report.
//
// # Version
//
// Version: 0.1.0
package rosbridge
