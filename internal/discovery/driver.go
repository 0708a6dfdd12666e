// Package discovery implements spec §4.7: startup endpoint enumeration,
// per-endpoint identity/capability/event-subscription queries, registry
// population, and rediscovery re-query. Failures retry with exponential
// backoff capped at 60 s via github.com/cenkalti/backoff/v4, grounded on
// the pack's DataDog-datadog-agent, which vendors the same library for its
// own collector retry paths.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NVIDIA/nsmd-sub004/internal/mctp"
	"github.com/NVIDIA/nsmd-sub004/internal/registry"
	"github.com/NVIDIA/nsmd-sub004/internal/sink"
	"github.com/NVIDIA/nsmd-sub004/internal/transport"
	"github.com/NVIDIA/nsmd-sub004/internal/wire"
)

// BackoffCap is spec §5's "discovery backoff 1 s … 60 s".
const BackoffCap = 60 * time.Second

// BackoffInitial is the first retry delay of that same window.
const BackoffInitial = time.Second

// SubscriptionMask is the event-source mask a deployment wants enabled on
// every discovered endpoint; callers configure it via NewDriver.
type SubscriptionMask = wire.EventSourceMask

// LocalEndpointID is the daemon's own endpoint id, named as the event
// subscription's receiver per spec §4.7.
type LocalEndpointID = uint8

// Driver implements the discovery sequence of spec §4.7.
type Driver struct {
	client         *transport.Client
	registry       *registry.Registry
	enumerator     mctp.Enumerator
	log            *zap.SugaredLogger
	errLog         *sink.RateLimitedErrorLog
	subscription   SubscriptionMask
	localEndpoint  LocalEndpointID
	requestTimeout time.Duration

	mu      sync.Mutex
	offline map[uint8]bool
}

// NewDriver wires a Driver to its collaborators. log may be nil.
func NewDriver(client *transport.Client, reg *registry.Registry, enumerator mctp.Enumerator, subscription SubscriptionMask, localEndpoint LocalEndpointID, log *zap.SugaredLogger) *Driver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Driver{
		client:         client,
		registry:       reg,
		enumerator:     enumerator,
		log:            log,
		errLog:         sink.NewRateLimitedErrorLog(log),
		subscription:   subscription,
		localEndpoint:  localEndpoint,
		requestTimeout: 2 * time.Second,
		offline:        make(map[uint8]bool),
	}
}

// Start enumerates every currently visible endpoint and queries each one,
// per spec §4.7's startup sequence. Individual endpoint failures are
// backgrounded onto a retry loop rather than failing the whole startup.
func (d *Driver) Start(ctx context.Context) error {
	descriptors, err := d.enumerator.Enumerate()
	if err != nil {
		return fmt.Errorf("discovery: enumerate endpoints: %w", err)
	}
	for _, desc := range descriptors {
		desc := desc
		go d.discoverWithRetry(ctx, desc.EndpointID, desc.Medium)
	}
	return nil
}

// Rediscover repeats the per-endpoint query sequence for one endpoint,
// per spec §4.7's "On a rediscovery event, repeat for that endpoint only."
// Existing sensor queues for the endpoint are untouched (spec scenario 5);
// the sensor engine owns those, not this package.
func (d *Driver) Rediscover(ctx context.Context, endpointID uint8, medium registry.Medium) {
	go d.discoverWithRetry(ctx, endpointID, medium)
}

func (d *Driver) discoverWithRetry(ctx context.Context, endpointID uint8, medium registry.Medium) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = BackoffInitial
	bo.MaxInterval = BackoffCap
	bo.MaxElapsedTime = 0 // retry indefinitely, capped per-step at BackoffCap

	operation := func() error {
		err := d.queryEndpoint(ctx, endpointID, medium)
		if err != nil {
			d.markOffline(endpointID)
			d.errLog.Report(endpointID, "discovery", "query-failed", err)
		}
		return err
	}

	_ = backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// queryEndpoint runs the read-UUID / read-capability / read-event-masks /
// set-event-sources / set-event-subscription sequence and populates the
// registry on success.
func (d *Driver) queryEndpoint(ctx context.Context, endpointID uint8, medium registry.Medium) error {
	uuidBytes, err := d.request(ctx, endpointID, wire.TypeDeviceCapability, wire.CmdGetUUID, nil)
	if err != nil {
		return fmt.Errorf("read uuid: %w", err)
	}
	raw, res := wire.DecodeGetUUIDResp(uuidBytes)
	if res != wire.Success {
		return fmt.Errorf("decode uuid: %s", res)
	}
	id, err := uuid.FromBytes(raw[:])
	if err != nil {
		return fmt.Errorf("parse uuid: %w", err)
	}

	capBytes, err := d.request(ctx, endpointID, wire.TypeDeviceCapability, wire.CmdGetDeviceCapability, nil)
	if err != nil {
		return fmt.Errorf("read device capability: %w", err)
	}
	if _, res := wire.DecodeDeviceCapabilityResp(capBytes); res != wire.Success {
		return fmt.Errorf("decode device capability: %s", res)
	}

	if _, err := d.request(ctx, endpointID, wire.TypeDeviceCapability, wire.CmdGetEventSourceMask, nil); err != nil {
		return fmt.Errorf("read event source mask: %w", err)
	}

	setMaskReq := wire.EncodeSetEventSourceMaskReq(d.subscription)
	if _, err := d.request(ctx, endpointID, wire.TypeDeviceCapability, wire.CmdSetEventSourceMask, setMaskReq); err != nil {
		return fmt.Errorf("set event source mask: %w", err)
	}

	subReq := wire.EncodeSetEventSubscriptionReq(wire.EventSettingPush, d.localEndpoint)
	if _, err := d.request(ctx, endpointID, wire.TypeDeviceCapability, wire.CmdSetEventSubscription, subReq); err != nil {
		return fmt.Errorf("set event subscription: %w", err)
	}

	d.registry.Upsert(id, endpointID, medium, true)
	d.clearOffline(endpointID)
	d.errLog.Clear(endpointID, "discovery", "query-failed")
	d.log.Infow("endpoint discovered", "endpoint", endpointID, "uuid", id)
	return nil
}

func (d *Driver) request(ctx context.Context, endpointID, msgType, command uint8, payload []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()
	resp, err := d.client.SendAndAwait(reqCtx, endpointID, msgType, command, payload)
	if err != nil {
		return nil, err
	}
	if resp.CompletionCode != wire.CCSuccess {
		return nil, fmt.Errorf("completion code %s", resp.CompletionCode)
	}
	return resp.Data, nil
}

func (d *Driver) markOffline(endpointID uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offline[endpointID] = true
}

func (d *Driver) clearOffline(endpointID uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.offline, endpointID)
}

// IsOffline reports whether endpointID's last discovery attempt failed.
func (d *Driver) IsOffline(endpointID uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offline[endpointID]
}
