package main

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/c360/semstreams-ros/bus"
	"github.com/c360/semstreams-ros/config"
	"github.com/c360/semstreams-ros/liveliness"
	"github.com/c360/semstreams-ros/message"
	"github.com/c360/semstreams-ros/node"
)

const demoPeriod = time.Second

// demo publishes synthetic data on the configured /tf-like and point cloud topics
// from a separate node, so a single process exercises the whole path.
type demo struct {
	node   *node.Node
	logger *slog.Logger

	static  []*node.Publisher[message.TFMessage]
	dynamic []*node.Publisher[message.TFMessage]
	clouds  []*node.Publisher[message.PointCloud2]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startDemo(ctx context.Context, session bus.Session, ids *liveliness.EntityIDs, cfg *config.Config,
	logger *slog.Logger) (*demo, error) {
	logger = logger.With("role", "demo")
	n, err := node.New(ctx, session, ids, node.Config{
		Domain:    cfg.Node.Domain,
		Enclave:   cfg.Node.Enclave,
		Namespace: cfg.Node.Namespace,
		Name:      cfg.Node.Name + "_demo",
	}, node.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	d := &demo{node: n, logger: logger}

	for _, topic := range cfg.Topics {
		if err := d.advertise(ctx, topic); err != nil {
			_ = n.Close(ctx)
			return nil, err
		}
	}

	for _, pub := range d.static {
		if err := pub.Publish(ctx, staticTransforms(time.Now())); err != nil {
			_ = n.Close(ctx)
			return nil, err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.run(loopCtx)
	return d, nil
}

func (d *demo) advertise(ctx context.Context, topic config.TopicConfig) error {
	profile, err := topic.Profile()
	if err != nil {
		return err
	}
	t, err := message.ParseType(topic.Type)
	if err != nil {
		return err
	}

	switch {
	case t.Equal(message.TFMessageType):
		pub, err := node.Advertise[message.TFMessage](ctx, d.node, topic.Name, message.TFMessageCodec{}, node.WithQoS(profile))
		if err != nil {
			return err
		}
		if profile.IsTransientLocal() {
			d.static = append(d.static, pub)
		} else {
			d.dynamic = append(d.dynamic, pub)
		}
	case t.Equal(message.PointCloud2Type):
		pub, err := node.Advertise[message.PointCloud2](ctx, d.node, topic.Name, message.PointCloud2Codec{}, node.WithQoS(profile))
		if err != nil {
			return err
		}
		d.clouds = append(d.clouds, pub)
	default:
		d.logger.Debug("No demo data for topic", "topic", topic.Name, "type", topic.Type)
	}
	return nil
}

func (d *demo) run(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(demoPeriod)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			angle := now.Sub(start).Seconds() / 10
			for _, pub := range d.dynamic {
				if err := pub.Publish(ctx, orbit(now, angle)); err != nil {
					d.logger.Warn("Demo publish failed", "topic", pub.Topic(), "error", err)
				}
			}
			for _, pub := range d.clouds {
				if err := pub.Publish(ctx, ring(now, 64, angle)); err != nil {
					d.logger.Warn("Demo publish failed", "topic", pub.Topic(), "error", err)
				}
			}
		}
	}
}

func (d *demo) close(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return d.node.Close(ctx)
}

func stamp(t time.Time) message.Time {
	return message.Time{Sec: int32(t.Unix()), Nanosec: uint32(t.Nanosecond())}
}

func staticTransforms(now time.Time) message.TFMessage {
	identity := message.Quaternion{W: 1}
	return message.TFMessage{Transforms: []message.TransformStamped{
		{
			Header:       message.Header{Stamp: stamp(now), FrameID: "map"},
			ChildFrameID: "odom",
			Transform:    message.Transform{Rotation: identity},
		},
		{
			Header:       message.Header{Stamp: stamp(now), FrameID: "base_link"},
			ChildFrameID: "lidar",
			Transform:    message.Transform{Translation: message.Vector3{Z: 0.4}, Rotation: identity},
		},
	}}
}

// orbit moves base_link around odom on a unit circle.
func orbit(now time.Time, angle float64) message.TFMessage {
	return message.TFMessage{Transforms: []message.TransformStamped{{
		Header:       message.Header{Stamp: stamp(now), FrameID: "odom"},
		ChildFrameID: "base_link",
		Transform: message.Transform{
			Translation: message.Vector3{X: math.Cos(angle), Y: math.Sin(angle)},
			Rotation:    message.Quaternion{Z: math.Sin(angle / 2), W: math.Cos(angle / 2)},
		},
	}}}
}

// ring is an unorganized cloud of n xyz points on a circle in the lidar frame.
func ring(now time.Time, n int, phase float64) message.PointCloud2 {
	const pointStep = 12
	data := make([]byte, n*pointStep)
	for i := 0; i < n; i++ {
		a := phase + 2*math.Pi*float64(i)/float64(n)
		off := i * pointStep
		binary.LittleEndian.PutUint32(data[off:], math.Float32bits(float32(5*math.Cos(a))))
		binary.LittleEndian.PutUint32(data[off+4:], math.Float32bits(float32(5*math.Sin(a))))
		binary.LittleEndian.PutUint32(data[off+8:], math.Float32bits(0))
	}
	return message.PointCloud2{
		Header: message.Header{Stamp: stamp(now), FrameID: "lidar"},
		Height: 1,
		Width:  uint32(n),
		Fields: []message.PointField{
			{Name: "x", Offset: 0, Datatype: message.PointFieldFloat32, Count: 1},
			{Name: "y", Offset: 4, Datatype: message.PointFieldFloat32, Count: 1},
			{Name: "z", Offset: 8, Datatype: message.PointFieldFloat32, Count: 1},
		},
		PointStep: pointStep,
		RowStep:   uint32(n * pointStep),
		Data:      data,
		IsDense:   true,
	}
}
