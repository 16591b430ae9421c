package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/station-remote/internal/adapters"
	"go2tv.app/station-remote/internal/domain"
)

const (
	DefaultServiceType    = "_yandexio._tcp"
	DefaultDomain         = "local."
	defaultBusyRetryDelay = 250 * time.Millisecond
	defaultResolveTimeout = 5 * time.Second
	reachabilityWait      = 400 * time.Millisecond
	eventBuffer           = 32

	txtDeviceID = "deviceId"
	txtPlatform = "platform"
)

var isReachableAddress = defaultReachableAddress

type Config struct {
	ServiceType    string
	BusyRetryDelay time.Duration
	ResolveTimeout time.Duration
	Logger         zerolog.Logger
}

// Listener receives reachability changes for one device id. A Once listener
// is dropped after its first OnReachable call.
type Listener struct {
	OnReachable   func(domain.LocalDevice)
	OnUnreachable func(deviceID string)
	Once          bool
}

type listenerEntry struct {
	seq uint64
	Listener

	// deliverMu orders callbacks to this listener. delivered is the
	// generation of the last event handed to it; older events are dropped.
	deliverMu sync.Mutex
	delivered uint64
}

func (e *listenerEntry) reachable(gen uint64, dev domain.LocalDevice) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if gen <= e.delivered {
		return
	}
	e.delivered = gen
	e.OnReachable(dev)
}

func (e *listenerEntry) unreachable(gen uint64, id string) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if gen <= e.delivered {
		return
	}
	e.delivered = gen
	e.OnUnreachable(id)
}

// Registry tracks which speakers are currently reachable on the LAN.
//
// Resolutions are serialised through a FIFO queue because platform resolvers
// commonly support a single request in flight. Listeners are always invoked
// after the registry lock is released, so they may call back into it.
type Registry struct {
	browser  adapters.Browser
	resolver adapters.Resolver
	cfg      Config
	logger   zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu            sync.Mutex
	devices       map[string]domain.LocalDevice
	generations   map[string]uint64
	lastGen       uint64
	byService     map[string]string
	queue         []adapters.ServiceRecord
	busy          bool
	resolving     string
	resolvingLost bool
	listeners     map[string][]*listenerEntry
	nextSeq       uint64
}

func NewRegistry(browser adapters.Browser, resolver adapters.Resolver, cfg Config) *Registry {
	if strings.TrimSpace(cfg.ServiceType) == "" {
		cfg.ServiceType = DefaultServiceType
	}
	if cfg.BusyRetryDelay <= 0 {
		cfg.BusyRetryDelay = defaultBusyRetryDelay
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}

	return &Registry{
		browser:     browser,
		resolver:    resolver,
		cfg:         cfg,
		logger:      cfg.Logger,
		devices:     map[string]domain.LocalDevice{},
		generations: map[string]uint64{},
		byService:   map[string]string{},
		listeners:   map[string][]*listenerEntry{},
	}
}

// Start begins browsing. Calling it more than once has no effect.
func (r *Registry) Start(ctx context.Context) error {
	if r.browser == nil || r.resolver == nil {
		return errors.New("discovery browser and resolver are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		events := make(chan adapters.ServiceEvent, eventBuffer)

		r.wg.Add(2)
		go func() {
			defer r.wg.Done()
			if err := r.browser.Browse(loopCtx, r.cfg.ServiceType, events); err != nil && loopCtx.Err() == nil {
				r.logger.Error().Err(err).Str("service_type", r.cfg.ServiceType).Msg("discovery_browse_failed")
			}
		}()
		go func() {
			defer r.wg.Done()
			r.consume(loopCtx, events)
		}()
		r.logger.Info().Str("service_type", r.cfg.ServiceType).Msg("discovery_started")
	})
	return nil
}

// Shutdown stops browsing and waits for in-flight work until ctx expires.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) consume(ctx context.Context, events <-chan adapters.ServiceEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			r.handleEvent(ctx, ev)
		}
	}
}

func (r *Registry) handleEvent(ctx context.Context, ev adapters.ServiceEvent) {
	switch ev.Kind {
	case adapters.ServiceFound:
		r.enqueue(ctx, ev.Service)
	case adapters.ServiceLost:
		r.handleLost(ev.Service)
	}
}

// enqueue schedules svc for resolution unless it is already queued or being
// resolved. Known services are resolved again so address changes are seen.
func (r *Registry) enqueue(ctx context.Context, svc adapters.ServiceRecord) {
	r.mu.Lock()
	if r.resolving == svc.Name || r.queuedLocked(svc.Name) {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, svc)
	if r.busy {
		r.mu.Unlock()
		return
	}
	r.busy = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.drain(ctx)
	}()
}

func (r *Registry) queuedLocked(name string) bool {
	for _, queued := range r.queue {
		if queued.Name == name {
			return true
		}
	}
	return false
}

func (r *Registry) drain(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 || ctx.Err() != nil {
			r.busy = false
			r.resolving = ""
			r.mu.Unlock()
			return
		}
		svc := r.queue[0]
		r.queue = r.queue[1:]
		r.resolving = svc.Name
		r.resolvingLost = false
		r.mu.Unlock()

		resolveCtx, cancel := context.WithTimeout(ctx, r.cfg.ResolveTimeout)
		resolved, err := r.resolver.Resolve(resolveCtx, svc)
		cancel()

		switch {
		case errors.Is(err, adapters.ErrResolverBusy):
			r.requeueFront(svc)
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.BusyRetryDelay):
			}
		case err != nil:
			r.logger.Warn().Err(err).Str("service", svc.Name).Msg("discovery_resolve_failed")
			r.finishResolving()
		default:
			r.register(svc, resolved)
		}
	}
}

func (r *Registry) requeueFront(svc adapters.ServiceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lost := r.resolvingLost
	r.resolving = ""
	if !lost {
		r.queue = append([]adapters.ServiceRecord{svc}, r.queue...)
	}
}

func (r *Registry) finishResolving() {
	r.mu.Lock()
	r.resolving = ""
	r.mu.Unlock()
}

func (r *Registry) register(svc adapters.ServiceRecord, resolved adapters.ResolvedService) {
	id := strings.TrimSpace(resolved.TXT[txtDeviceID])
	if id == "" {
		r.logger.Warn().Str("service", svc.Name).Msg("discovery_missing_device_id")
		r.finishResolving()
		return
	}
	dev := domain.LocalDevice{
		DeviceID:    id,
		Host:        resolved.Host,
		Port:        resolved.Port,
		Platform:    strings.TrimSpace(resolved.TXT[txtPlatform]),
		ServiceName: svc.Name,
	}

	r.mu.Lock()
	lost := r.resolvingLost
	r.resolving = ""
	if lost {
		r.mu.Unlock()
		r.logger.Debug().Str("service", svc.Name).Msg("discovery_lost_during_resolve")
		return
	}
	prev, known := r.devices[id]
	if known && prev == dev {
		r.mu.Unlock()
		return
	}
	if known && prev.ServiceName != svc.Name {
		delete(r.byService, prev.ServiceName)
	}
	r.devices[id] = dev
	r.byService[svc.Name] = id
	gen := r.nextGenLocked(id)
	notify := r.reachableListenersLocked(id)
	r.mu.Unlock()

	if known {
		r.logger.Info().Str("device_id", id).Str("host", dev.Host).Int("port", dev.Port).Str("previous_host", prev.Host).Msg("discovery_address_changed")
	} else {
		r.logger.Info().Str("device_id", id).Str("host", dev.Host).Int("port", dev.Port).Msg("discovery_resolved")
	}
	for _, entry := range notify {
		entry.reachable(gen, dev)
	}
}

func (r *Registry) nextGenLocked(id string) uint64 {
	r.lastGen++
	r.generations[id] = r.lastGen
	return r.lastGen
}

func (r *Registry) handleLost(svc adapters.ServiceRecord) {
	r.mu.Lock()
	kept := r.queue[:0]
	for _, queued := range r.queue {
		if queued.Name != svc.Name {
			kept = append(kept, queued)
		}
	}
	r.queue = kept
	if r.resolving == svc.Name {
		r.resolvingLost = true
	}

	var (
		id     string
		gen    uint64
		notify []*listenerEntry
	)
	if known, ok := r.byService[svc.Name]; ok {
		delete(r.byService, svc.Name)
		if dev, exists := r.devices[known]; exists && dev.ServiceName == svc.Name {
			delete(r.devices, known)
			id = known
			gen = r.nextGenLocked(known)
			delete(r.generations, known)
			notify = r.unreachableListenersLocked(known)
		}
	}
	r.mu.Unlock()

	if id == "" {
		return
	}
	r.logger.Info().Str("device_id", id).Msg("discovery_lost")
	for _, entry := range notify {
		entry.unreachable(gen, id)
	}
}

func (r *Registry) reachableListenersLocked(id string) []*listenerEntry {
	entries := r.listeners[id]
	var out, kept []*listenerEntry
	for _, entry := range entries {
		if entry.OnReachable != nil {
			out = append(out, entry)
		}
		if !entry.Once {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(r.listeners, id)
	} else {
		r.listeners[id] = kept
	}
	return out
}

func (r *Registry) unreachableListenersLocked(id string) []*listenerEntry {
	var out []*listenerEntry
	for _, entry := range r.listeners[id] {
		if entry.OnUnreachable != nil {
			out = append(out, entry)
		}
	}
	return out
}

// AddListener subscribes to reachability changes of id. When the device is
// already known, OnReachable fires synchronously before AddListener returns,
// unless a newer change has already been delivered to the listener.
// The returned func unsubscribes.
func (r *Registry) AddListener(id string, l Listener) (cancel func()) {
	r.mu.Lock()
	dev, present := r.devices[id]
	if present && l.Once {
		r.mu.Unlock()
		if l.OnReachable != nil {
			l.OnReachable(dev)
		}
		return func() {}
	}

	r.nextSeq++
	entry := &listenerEntry{seq: r.nextSeq, Listener: l}
	r.listeners[id] = append(r.listeners[id], entry)
	gen := r.generations[id]
	r.mu.Unlock()

	if present && l.OnReachable != nil {
		entry.reachable(gen, dev)
	}
	return func() { r.removeListener(id, entry.seq) }
}

func (r *Registry) removeListener(id string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.listeners[id]
	for i, entry := range entries {
		if entry.seq == seq {
			r.listeners[id] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(r.listeners[id]) == 0 {
		delete(r.listeners, id)
	}
}

func (r *Registry) GetDevice(id string) (domain.LocalDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	return dev, ok
}

func (r *Registry) DeviceExists(id string) bool {
	_, ok := r.GetDevice(id)
	return ok
}

// RemoveDevice evicts id so the next advertisement of its service is resolved
// again. Unknown ids are ignored. Unreachable listeners are not notified.
func (r *Registry) RemoveDevice(id string) {
	r.mu.Lock()
	dev, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
		delete(r.generations, id)
		if r.byService[dev.ServiceName] == id {
			delete(r.byService, dev.ServiceName)
		}
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info().Str("device_id", id).Msg("discovery_device_evicted")
	}
}

// Devices returns the known devices sorted by id. Unless includeUnreachable
// is set, devices that do not accept a TCP connection are filtered out.
func (r *Registry) Devices(includeUnreachable bool) []domain.LocalDevice {
	r.mu.Lock()
	all := make([]domain.LocalDevice, 0, len(r.devices))
	for _, dev := range r.devices {
		all = append(all, dev)
	}
	r.mu.Unlock()

	if !includeUnreachable {
		all = filterReachable(all)
	}
	sortDevices(all)
	return all
}

func filterReachable(all []domain.LocalDevice) []domain.LocalDevice {
	filtered := make([]domain.LocalDevice, 0, len(all))
	for _, dev := range all {
		if isReachableAddress(net.JoinHostPort(dev.Host, strconv.Itoa(dev.Port)), reachabilityWait) {
			filtered = append(filtered, dev)
		}
	}
	return filtered
}

func sortDevices(all []domain.LocalDevice) {
	sort.Slice(all, func(i, j int) bool {
		if all[i].DeviceID != all[j].DeviceID {
			return all[i].DeviceID < all[j].DeviceID
		}
		return all[i].ServiceName < all[j].ServiceName
	})
}

func defaultReachableAddress(hostPort string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", hostPort, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
