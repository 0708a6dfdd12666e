package nsmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/nsmd-sub004/internal/config"
	"github.com/NVIDIA/nsmd-sub004/internal/discovery"
	"github.com/NVIDIA/nsmd-sub004/internal/event"
	"github.com/NVIDIA/nsmd-sub004/internal/mctp"
	"github.com/NVIDIA/nsmd-sub004/internal/registry"
	"github.com/NVIDIA/nsmd-sub004/internal/sched"
	"github.com/NVIDIA/nsmd-sub004/internal/sensor"
	"github.com/NVIDIA/nsmd-sub004/internal/sink"
	"github.com/NVIDIA/nsmd-sub004/internal/transport"
	"github.com/NVIDIA/nsmd-sub004/internal/wire"
)

// deferredRetryInterval controls how often Daemon re-checks deferred sensor
// records against the registry. Apart from the single check at the start of
// Run, this tick is the only automatic activation path: discovery and
// rediscovery completing do not themselves trigger Daemon.ActivateDeferred.
const deferredRetryInterval = 2 * time.Second

// Params configures a Daemon, the Go-native counterpart of the teacher's
// DeviceParams: the collaborators a caller supplies (transport, enumerator,
// sinks) plus the sensor configuration to load.
type Params struct {
	Conn            transport.Conn
	Enumerator      mctp.Enumerator
	ConfigPath      string
	Subscription    wire.EventSourceMask
	LocalEndpointID uint8
	Log             *zap.SugaredLogger
	Metrics         *Metrics

	// Sinks maps a configuration record's sink binding name ("log",
	// "telemetry", or any caller-registered name) to the ObjectSink that
	// serves it. A record whose binding isn't present here is deferred to
	// sink.NoopSink.
	Sinks map[string]sink.ObjectSink
}

// Daemon wires the endpoint registry, transport client, event dispatcher,
// sensor engine, and discovery driver into one supervised unit — the same
// lifecycle role the teacher's Device plays for a single ublk block device:
// CreateAndServe's counterpart is Run, StopAndDelete's is Shutdown.
type Daemon struct {
	client     *transport.Client
	registry   *registry.Registry
	dispatcher *event.Dispatcher
	engine     *sensor.Engine
	driver     *discovery.Driver
	loop       *sched.Loop
	log        *zap.SugaredLogger
	metrics    *Metrics
	sinks      map[string]sink.ObjectSink
	configPath string

	deferredMu sync.Mutex
	deferred   *config.DeferredSet

	runningMu sync.Mutex
	running   map[uint8]bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Daemon from Params without starting it.
func New(params Params) (*Daemon, error) {
	if params.Conn == nil {
		return nil, fmt.Errorf("nsmd: Params.Conn is required")
	}
	log := params.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	metrics := params.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	sinks := params.Sinks
	if sinks == nil {
		sinks = map[string]sink.ObjectSink{}
	}
	enumerator := params.Enumerator
	if enumerator == nil {
		enumerator = mctp.StaticEnumerator{}
	}

	reg := registry.New()
	client := transport.NewClient(params.Conn)
	dispatcher := event.New(log)
	client.SubscribeEvents(0, dispatcher.Dispatch)
	loop := sched.NewLoop()
	engine := sensor.NewEngine(client, dispatcher, reg, loop, log, metrics.AsRecorder())
	driver := discovery.NewDriver(client, reg, enumerator, params.Subscription, params.LocalEndpointID, log)

	d := &Daemon{
		client:     client,
		registry:   reg,
		dispatcher: dispatcher,
		engine:     engine,
		driver:     driver,
		loop:       loop,
		log:        log,
		metrics:    metrics,
		sinks:      sinks,
		configPath: params.ConfigPath,
		running:    make(map[uint8]bool),
	}

	dispatcher.SetRediscoveryHandler(func(endpointID uint8) {
		medium := registry.MediumPCIe
		if id, ok := reg.UUIDFor(endpointID); ok {
			if entry, ok := reg.Preferred(id); ok {
				medium = entry.Medium
			}
		}
		driver.Rediscover(context.Background(), endpointID, medium)
	})
	dispatcher.SetAckSender(client.SendAck)

	return d, nil
}

// Run starts discovery, loads sensor configuration, and blocks serving until
// ctx is cancelled or a supervised goroutine returns an error. Mirrors the
// teacher's CreateAndServe in spirit: once setup completes the daemon is
// fully live, with every ongoing task supervised by an errgroup instead of
// CreateAndServe's manual per-queue-runner bookkeeping.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	d.group = group

	if err := d.driver.Start(groupCtx); err != nil {
		cancel()
		return fmt.Errorf("nsmd: start discovery: %w", err)
	}
	d.metrics.RecordDiscoveryAttempt()

	if err := d.loadConfig(); err != nil {
		cancel()
		return err
	}
	d.ActivateDeferred(groupCtx)

	group.Go(func() error {
		return d.deferredRetryLoop(groupCtx)
	})

	<-groupCtx.Done()
	if err := group.Wait(); err != nil && !isShutdownError(err) {
		return err
	}
	return nil
}

// isShutdownError reports whether err is just the context cancellation that
// follows a normal Shutdown, rather than a genuine task failure.
func isShutdownError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// loadConfig parses ConfigPath (a no-op if empty) and seeds the deferred set
// with every record; ActivateDeferred resolves what it can against the
// registry on each call.
func (d *Daemon) loadConfig() error {
	var records []config.SensorRecord
	if d.configPath != "" {
		f, err := config.Load(d.configPath)
		if err != nil {
			return fmt.Errorf("nsmd: load config: %w", err)
		}
		records = f.Sensors
	}

	d.deferredMu.Lock()
	d.deferred = config.NewDeferredSet(records)
	d.deferredMu.Unlock()
	return nil
}

// deferredRetryLoop periodically re-checks deferred sensor records against
// the registry. The rediscovery handler only calls driver.Rediscover, so
// records resolved by a later discovery are picked up here.
func (d *Daemon) deferredRetryLoop(ctx context.Context) error {
	ticker := time.NewTicker(deferredRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.ActivateDeferred(ctx)
		}
	}
}

// ActivateDeferred re-resolves every sensor record still waiting on its
// endpoint UUID to appear in the registry, per spec §6's deferred-activation
// invariant, and starts polling any that now resolve.
func (d *Daemon) ActivateDeferred(ctx context.Context) {
	d.deferredMu.Lock()
	deferred := d.deferred
	d.deferredMu.Unlock()
	if deferred == nil {
		return
	}
	d.activateResolved(ctx, deferred.Retry(d.registry))
}

// aggregateGroupKey groups a batch of newly resolved records by the
// (endpoint, msg type, command) tuple an aggregator and its members share:
// they all poll the same request, so a member's tag only means anything
// alongside the aggregator record that issues it.
type aggregateGroupKey struct {
	endpointID uint8
	msgType    uint8
	command    uint8
}

// activateResolved partitions one batch of newly resolved records into
// aggregator parents, their aggregate-member children, and plain records,
// per spec §4.5's "Aggregator specialisation": a parent and its members
// share an endpoint UUID, so they always resolve together in the same batch.
// Members grouped under a parent are assembled into that aggregator's
// Children map (config.SensorRecord's AggregateMember/AggregateTag fields)
// rather than being independently polled.
func (d *Daemon) activateResolved(ctx context.Context, resolved []config.Resolved) {
	members := make(map[aggregateGroupKey][]config.Resolved)
	var parents, plain []config.Resolved

	for _, r := range resolved {
		switch {
		case r.Record.Kind == "aggregator":
			parents = append(parents, r)
		case r.Record.AggregateMember:
			key := aggregateGroupKey{r.EndpointID, r.Record.MsgType, r.Record.Command}
			members[key] = append(members[key], r)
		default:
			plain = append(plain, r)
		}
	}

	for _, p := range parents {
		key := aggregateGroupKey{p.EndpointID, p.Record.MsgType, p.Record.Command}
		d.activateAggregator(ctx, p, members[key])
		delete(members, key)
	}
	for key, orphans := range members {
		for _, m := range orphans {
			d.log.Warnw("aggregate member has no matching aggregator in this resolution batch",
				"sensor", m.Record.Name, "endpoint", key.endpointID, "msg_type", key.msgType, "command", key.command)
		}
	}
	for _, r := range plain {
		d.activateSensor(ctx, r)
	}
}

// activateAggregator builds an aggregator sensor whose Children map is
// populated from memberRecords, then activates it exactly like any other
// sensor.
func (d *Daemon) activateAggregator(ctx context.Context, parent config.Resolved, memberRecords []config.Resolved) {
	children := make(map[uint8]*sensor.Sensor, len(memberRecords))
	for _, m := range memberRecords {
		childSink, ok := d.sinks[m.Record.Sink.Sink]
		if !ok {
			childSink = sink.NoopSink{}
		}
		children[m.Record.AggregateTag] = buildAggregateChildSensor(m.Record, m.EndpointID, childSink)
	}

	s := buildAggregatorSensor(parent.Record, children)
	d.engine.AddSensor(parent.EndpointID, s)
	if parent.Record.Priority {
		d.engine.Promote(parent.EndpointID, s)
	}
	d.ensureEngineRunning(ctx, parent.EndpointID)
}

func (d *Daemon) activateSensor(ctx context.Context, r config.Resolved) {
	sinkImpl, ok := d.sinks[r.Record.Sink.Sink]
	if !ok {
		sinkImpl = sink.NoopSink{}
	}

	s := buildSensor(r.Record, r.EndpointID, sinkImpl)
	if s == nil {
		d.log.Warnw("skipping sensor with unrecognized configuration", "sensor", r.Record.Name, "kind", r.Record.Kind)
		return
	}
	d.engine.AddSensor(r.EndpointID, s)
	if r.Record.Priority {
		d.engine.Promote(r.EndpointID, s)
	}
	d.ensureEngineRunning(ctx, r.EndpointID)
}

// ensureEngineRunning starts exactly one sensor.Engine.Run goroutine per
// endpoint id, even if multiple sensor records resolve onto the same
// endpoint across separate ActivateDeferred calls.
func (d *Daemon) ensureEngineRunning(ctx context.Context, endpointID uint8) {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()
	if d.running[endpointID] {
		return
	}
	d.running[endpointID] = true
	d.group.Go(func() error {
		return d.engine.Run(ctx, endpointID)
	})
}

// Shutdown cancels the daemon's context and waits for every supervised
// goroutine to exit, mirroring the teacher's StopAndDelete.
func (d *Daemon) Shutdown() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.metrics.Stop()
	if d.group != nil {
		if err := d.group.Wait(); err != nil && !isShutdownError(err) {
			return err
		}
	}
	return d.client.Close()
}

// Registry exposes the endpoint registry for introspection (a status
// endpoint, tests).
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Metrics exposes the daemon's Metrics collectors.
func (d *Daemon) Metrics() *Metrics { return d.metrics }

// buildSensor translates a non-aggregator configuration record into an
// internal/sensor Sensor. Only the commands this daemon has bespoke codec
// support for (temperature read, GPU presence-and-power, power-cap write)
// are recognized by name; any other (msg_type, command) falls back to a
// raw-hex passthrough. Aggregator records are built by buildAggregatorSensor
// instead, since their children are assembled externally.
func buildSensor(rec config.SensorRecord, endpointID uint8, sinkImpl sink.ObjectSink) *sensor.Sensor {
	kind, ok := parseKind(rec.Kind)
	if !ok {
		return nil
	}

	s := &sensor.Sensor{
		Name:            rec.Name,
		Kind:            kind,
		MsgType:         rec.MsgType,
		Command:         rec.Command,
		Priority:        rec.Priority,
		RefreshInterval: rec.RefreshInterval,
		Timeout:         rec.Timeout,
		Tag:             rec.AggregateTag,
	}

	path := fmt.Sprintf("/xyz/nvidia/nsm/endpoint_%d/%s", endpointID, rec.Name)

	switch {
	case rec.MsgType == wire.TypePlatformEnvironment && rec.Command == wire.CmdGetTemperature:
		sensorID := uint8(paramInt(rec.Params, "sensor_id", 0))
		s.MakeRequest = func() ([]byte, error) { return wire.EncodeGetTemperatureReq(sensorID), nil }
		s.DecodeResponse = func(data []byte) error {
			celsius, res := wire.DecodeGetTemperatureResp(data)
			if res != wire.Success {
				return fmt.Errorf("decode temperature: %s", res)
			}
			return sinkImpl.Publish(context.Background(), path, "GPU_SensorReading", "temperature", celsius, time.Now())
		}

	case rec.MsgType == wire.TypePlatformEnvironment && rec.Command == wire.CmdGetGpuPresenceAndPower:
		s.MakeRequest = func() ([]byte, error) { return wire.EncodeGpuPresenceAndPowerReq(), nil }
		s.DecodePresence = func(data []byte) (bool, error) {
			v, res := wire.DecodeGpuPresenceAndPowerResp(data)
			if res != wire.Success {
				return false, fmt.Errorf("decode gpu presence: %s", res)
			}
			if err := sinkImpl.Publish(context.Background(), path, "GPU_PresenceAndPower", "present", v.Present, time.Now()); err != nil {
				return false, err
			}
			return v.Present, nil
		}
		s.DecodePower = func(data []byte) error {
			v, res := wire.DecodeGpuPresenceAndPowerResp(data)
			if res != wire.Success {
				return fmt.Errorf("decode gpu power: %s", res)
			}
			return sinkImpl.Publish(context.Background(), path, "GPU_PresenceAndPower", "power_good", v.PowerGood, time.Now())
		}

	case rec.MsgType == wire.TypePowerControl && rec.Command == wire.CmdSetPowerCap:
		milliwatts := uint32(paramInt(rec.Params, "milliwatts", 0))
		s.MakeRequest = func() ([]byte, error) { return wire.EncodeSetPowerCapReq(milliwatts), nil }
		s.OnComplete = func(payload []byte) error {
			completion, res := wire.DecodeSetPowerCapCompletion(payload)
			if res != wire.Success {
				return fmt.Errorf("decode power cap completion: %s", res)
			}
			return sinkImpl.Publish(context.Background(), path, "GPU_PowerControl", "power_cap_applied", completion.Applied, time.Now())
		}

	default:
		raw, err := hex.DecodeString(paramString(rec.Params, "raw_payload"))
		if err != nil {
			raw = nil
		}
		s.MakeRequest = func() ([]byte, error) { return append([]byte(nil), raw...), nil }
		s.DecodeResponse = func(data []byte) error {
			return sinkImpl.Publish(context.Background(), path, "Raw", rec.Name, hex.EncodeToString(data), time.Now())
		}
	}

	return s
}

func parseKind(name string) (sensor.Kind, bool) {
	switch name {
	case "simple", "":
		return sensor.KindSimple, true
	case "aggregator":
		return sensor.KindAggregator, true
	case "long-running":
		return sensor.KindLongRunning, true
	case "two-phase":
		return sensor.KindTwoPhase, true
	default:
		return 0, false
	}
}

// buildAggregatorSensor translates an "aggregator"-kind configuration record
// into the parent sensor.Sensor that polls the combined request and
// dispatches each sample to its matching child via children.
func buildAggregatorSensor(rec config.SensorRecord, children map[uint8]*sensor.Sensor) *sensor.Sensor {
	raw, err := hex.DecodeString(paramString(rec.Params, "raw_payload"))
	if err != nil {
		raw = nil
	}
	return &sensor.Sensor{
		Name:            rec.Name,
		Kind:            sensor.KindAggregator,
		MsgType:         rec.MsgType,
		Command:         rec.Command,
		Priority:        rec.Priority,
		RefreshInterval: rec.RefreshInterval,
		Timeout:         rec.Timeout,
		Children:        children,
		MakeRequest:     func() ([]byte, error) { return append([]byte(nil), raw...), nil },
		DecodeResponse:  sensor.NewAggregatorDecode(children, &sensor.AggregatorScratch{}),
	}
}

// buildAggregateChildSensor builds the decode-only child sensor keyed by
// AggregateTag inside its parent's Children map: it never polls on its own
// (MakeRequest is never set), it just decodes its slice of the aggregator's
// response and publishes it.
func buildAggregateChildSensor(rec config.SensorRecord, endpointID uint8, sinkImpl sink.ObjectSink) *sensor.Sensor {
	path := fmt.Sprintf("/xyz/nvidia/nsm/endpoint_%d/%s", endpointID, rec.Name)
	return &sensor.Sensor{
		Name: rec.Name,
		Tag:  rec.AggregateTag,
		DecodeResponse: func(data []byte) error {
			watts, res := wire.SampleAsUint32(wire.Sample{Data: data})
			if res != wire.Success {
				return fmt.Errorf("decode aggregate member %q: %s", rec.Name, res)
			}
			return sinkImpl.Publish(context.Background(), path, "GPU_PowerDraw", "power_watts", float64(watts)/1000.0, time.Now())
		},
	}
}

func paramInt(params config.Params, key string, fallback int) int {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return fallback
	}
}

func paramString(params config.Params, key string) string {
	v, ok := params[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
