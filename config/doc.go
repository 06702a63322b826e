// Package config loads the ros-sub configuration.
//
// A Config starts from Default, which reproduces the stock subscriber: /tf
// (volatile, depth 100), /tf_static (transient local, depth 1, replayed from
// publisher caches) and /point_cloud (best effort, depth 5). Layer files are
// decoded on top in order, then ROSBRIDGE_* environment variables apply, then
// Validate runs.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/site.json") // Overrides base
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Files ending in .json are decoded with encoding/json and .yaml or .yml with
// gopkg.in/yaml.v3. Unknown fields are rejected. A layer that sets "topics"
// replaces the whole topic list.
//
// # File Format
//
//	bus:
//	  backend: nats
//	  urls: ["nats://localhost:4222"]
//	  token_ttl: 30s
//	node:
//	  domain: 0
//	  name: zenoh_sub
//	topics:
//	  - name: /tf_static
//	    type: tf2_msgs/msg/TFMessage
//	    qos: {durability: transient_local, depth: 1}
//	    history:
//	      max_samples: 100
//	      detect_late_publishers: true
//	      miss_detection: heartbeat
//
// Durations are strings such as "250ms", "30s" or "1d".
//
// # Environment
//
// ROS_DOMAIN_ID sets the domain. The ROSBRIDGE_ variables override single
// fields: BUS_BACKEND, NATS_URLS (comma separated), NATS_USER,
// NATS_PASSWORD, NATS_TOKEN, SUBJECT_ROOT, TOKEN_BUCKET, TOKEN_TTL,
// QUERY_QUIET, DOMAIN_ID, NODE_NAME, NODE_NAMESPACE, LOG_LEVEL, LOG_FORMAT,
// METRICS_ENABLED and METRICS_PORT.
//
// # Security
//
// Configuration files must be regular files under 10MB with a known extension.
// JSON nesting depth is bounded before decoding.
package config
