package discovery

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go2tv.app/station-remote/internal/adapters"
	"go2tv.app/station-remote/internal/domain"
)

type fakeBrowser struct {
	events chan adapters.ServiceEvent
}

func (b *fakeBrowser) Browse(ctx context.Context, serviceType string, out chan<- adapters.ServiceEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.events:
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

type fakeResolver struct {
	mu          sync.Mutex
	calls       []string
	inFlight    int
	maxInFlight int
	busyOnce    map[string]bool
	gates       map[string]chan struct{}
	records     map[string]adapters.ResolvedService
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		busyOnce: map[string]bool{},
		gates:    map[string]chan struct{}{},
		records:  map[string]adapters.ResolvedService{},
	}
}

func (f *fakeResolver) add(name, deviceID, host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[name] = adapters.ResolvedService{
		Service: adapters.ServiceRecord{Name: name},
		Host:    host,
		Port:    1961,
		TXT:     map[string]string{"deviceId": deviceID, "platform": "yandexmini"},
	}
}

func (f *fakeResolver) gate(name string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[name] = ch
	return ch
}

func (f *fakeResolver) Resolve(ctx context.Context, svc adapters.ServiceRecord) (adapters.ResolvedService, error) {
	f.mu.Lock()
	f.calls = append(f.calls, svc.Name)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	busy := f.busyOnce[svc.Name]
	delete(f.busyOnce, svc.Name)
	gate := f.gates[svc.Name]
	rec, ok := f.records[svc.Name]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if busy {
		return adapters.ResolvedService{}, adapters.ErrResolverBusy
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return adapters.ResolvedService{}, ctx.Err()
		}
	}
	if !ok {
		return adapters.ResolvedService{}, errors.New("no such service")
	}
	return rec, nil
}

func (f *fakeResolver) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeBrowser, *fakeResolver) {
	t.Helper()
	browser := &fakeBrowser{events: make(chan adapters.ServiceEvent)}
	resolver := newFakeResolver()
	reg := NewRegistry(browser, resolver, Config{BusyRetryDelay: 5 * time.Millisecond})
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start registry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return reg, browser, resolver
}

// found and lost feed events straight into the registry so each one is fully
// handled before the test continues.
func found(reg *Registry, name string) {
	reg.handleEvent(context.Background(), adapters.ServiceEvent{Kind: adapters.ServiceFound, Service: adapters.ServiceRecord{Name: name, Type: DefaultServiceType}})
}

func lost(reg *Registry, name string) {
	reg.handleEvent(context.Background(), adapters.ServiceEvent{Kind: adapters.ServiceLost, Service: adapters.ServiceRecord{Name: name, Type: DefaultServiceType}})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (r *Registry) idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.busy && len(r.queue) == 0
}

func TestRegistryConsumesBrowserEvents(t *testing.T) {
	reg, browser, resolver := newTestRegistry(t)
	resolver.add("A", "dev-a", "192.168.1.10")

	browser.events <- adapters.ServiceEvent{Kind: adapters.ServiceFound, Service: adapters.ServiceRecord{Name: "A"}}
	waitFor(t, "device from browser", func() bool { return reg.DeviceExists("dev-a") })

	browser.events <- adapters.ServiceEvent{Kind: adapters.ServiceLost, Service: adapters.ServiceRecord{Name: "A"}}
	waitFor(t, "lost from browser", func() bool { return !reg.DeviceExists("dev-a") })

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
}

func TestRegistryResolvesOneAtATimeInFIFOOrder(t *testing.T) {
	reg, _, resolver := newTestRegistry(t)
	resolver.add("A", "dev-a", "192.168.1.10")
	resolver.add("B", "dev-b", "192.168.1.11")
	release := resolver.gate("A")

	found(reg, "A")
	found(reg, "B")
	waitFor(t, "A resolution to start", func() bool { return len(resolver.callLog()) == 1 })

	time.Sleep(30 * time.Millisecond)
	if calls := resolver.callLog(); !reflect.DeepEqual(calls, []string{"A"}) {
		t.Fatalf("B must wait for A, got calls %v", calls)
	}

	close(release)
	waitFor(t, "both devices", func() bool { return reg.DeviceExists("dev-a") && reg.DeviceExists("dev-b") })

	if calls := resolver.callLog(); !reflect.DeepEqual(calls, []string{"A", "B"}) {
		t.Fatalf("unexpected resolution order %v", calls)
	}
	if resolver.maxInFlight != 1 {
		t.Fatalf("expected at most one resolution in flight, got %d", resolver.maxInFlight)
	}
}

func TestRegistryRetriesBusyResolver(t *testing.T) {
	reg, _, resolver := newTestRegistry(t)
	resolver.add("A", "dev-a", "192.168.1.10")
	resolver.busyOnce["A"] = true

	found(reg, "A")
	waitFor(t, "device after busy retry", func() bool { return reg.DeviceExists("dev-a") })

	if calls := resolver.callLog(); !reflect.DeepEqual(calls, []string{"A", "A"}) {
		t.Fatalf("expected one retry, got %v", calls)
	}
	dev, _ := reg.GetDevice("dev-a")
	if dev.Platform != "yandexmini" || dev.Port != 1961 || dev.ServiceName != "A" {
		t.Fatalf("unexpected device %+v", dev)
	}
}

func TestAddListenerFiresSynchronouslyForKnownDevice(t *testing.T) {
	reg, _, resolver := newTestRegistry(t)
	resolver.add("A", "dev-a", "192.168.1.10")
	found(reg, "A")
	waitFor(t, "device", func() bool { return reg.DeviceExists("dev-a") })

	var got domain.LocalDevice
	reg.AddListener("dev-a", Listener{OnReachable: func(dev domain.LocalDevice) { got = dev }, Once: true})
	if got.DeviceID != "dev-a" {
		t.Fatalf("listener was not invoked synchronously, got %+v", got)
	}
}

func TestListenersFollowReachability(t *testing.T) {
	reg, _, resolver := newTestRegistry(t)
	resolver.add("A", "dev-a", "192.168.1.10")

	reachable := make(chan string, 4)
	unreachable := make(chan string, 4)
	onceCalls := make(chan string, 4)
	reg.AddListener("dev-a", Listener{
		OnReachable:   func(dev domain.LocalDevice) { reachable <- dev.Host },
		OnUnreachable: func(id string) { unreachable <- id },
	})
	reg.AddListener("dev-a", Listener{
		OnReachable: func(dev domain.LocalDevice) { onceCalls <- dev.DeviceID },
		Once:        true,
	})

	found(reg, "A")
	select {
	case host := <-reachable:
		if host != "192.168.1.10" {
			t.Fatalf("unexpected host %q", host)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reachable listener not invoked")
	}

	lost(reg, "A")
	select {
	case id := <-unreachable:
		if id != "dev-a" {
			t.Fatalf("unexpected id %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unreachable listener not invoked")
	}
	if reg.DeviceExists("dev-a") {
		t.Fatal("lost device must be removed")
	}

	found(reg, "A")
	<-reachable
	if len(onceCalls) != 1 {
		t.Fatalf("once listener should fire exactly once, fired %d", len(onceCalls))
	}
}

func TestLostDuringResolutionDiscardsResult(t *testing.T) {
	reg, _, resolver := newTestRegistry(t)
	resolver.add("A", "dev-a", "192.168.1.10")
	release := resolver.gate("A")

	found(reg, "A")
	waitFor(t, "resolution start", func() bool { return len(resolver.callLog()) == 1 })
	lost(reg, "A")
	close(release)

	waitFor(t, "queue drained", reg.idle)
	if reg.DeviceExists("dev-a") {
		t.Fatal("device lost mid-resolution must not be registered")
	}
}

func TestLostRemovesQueuedService(t *testing.T) {
	reg, _, resolver := newTestRegistry(t)
	resolver.add("A", "dev-a", "192.168.1.10")
	resolver.add("B", "dev-b", "192.168.1.11")
	release := resolver.gate("A")

	found(reg, "A")
	found(reg, "B")
	lost(reg, "B")
	close(release)

	waitFor(t, "queue drained", reg.idle)
	if calls := resolver.callLog(); !reflect.DeepEqual(calls, []string{"A"}) {
		t.Fatalf("lost B must leave the queue, got %v", calls)
	}
	if reg.DeviceExists("dev-b") {
		t.Fatal("dev-b must not be registered")
	}
}

func TestRemoveDeviceEvictsAndAllowsRediscovery(t *testing.T) {
	reg, _, resolver := newTestRegistry(t)
	reg.RemoveDevice("missing")

	resolver.add("A", "dev-a", "192.168.1.10")
	found(reg, "A")
	waitFor(t, "device", func() bool { return reg.DeviceExists("dev-a") })

	reg.RemoveDevice("dev-a")
	if reg.DeviceExists("dev-a") {
		t.Fatal("device should be evicted")
	}
	reg.RemoveDevice("dev-a")

	found(reg, "A")
	waitFor(t, "rediscovery", func() bool { return reg.DeviceExists("dev-a") })
}

func TestKnownServiceIsResolvedAgainOnAddressChange(t *testing.T) {
	reg, _, resolver := newTestRegistry(t)
	resolver.add("A", "dev-a", "192.168.1.40")
	found(reg, "A")
	waitFor(t, "device", func() bool { return reg.DeviceExists("dev-a") })

	hosts := make(chan string, 4)
	reg.AddListener("dev-a", Listener{OnReachable: func(dev domain.LocalDevice) { hosts <- dev.Host }})
	if got := <-hosts; got != "192.168.1.40" {
		t.Fatalf("unexpected initial host %q", got)
	}

	found(reg, "A")
	waitFor(t, "unchanged re-resolution", reg.idle)
	if calls := resolver.callLog(); len(calls) != 2 {
		t.Fatalf("a re-advertised service must be resolved again, got %v", calls)
	}
	if len(hosts) != 0 {
		t.Fatalf("an unchanged resolution must not notify, got %q", <-hosts)
	}

	resolver.add("A", "dev-a", "192.168.1.99")
	found(reg, "A")
	waitFor(t, "new address", func() bool {
		dev, _ := reg.GetDevice("dev-a")
		return dev.Host == "192.168.1.99"
	})
	select {
	case got := <-hosts:
		if got != "192.168.1.99" {
			t.Fatalf("listener saw %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener not told about the new address")
	}
	if all := reg.Devices(true); len(all) != 1 {
		t.Fatalf("expected one device, got %+v", all)
	}
}

func TestListenerNeverSeesOlderDeviceAfterNewer(t *testing.T) {
	reg, _, resolver := newTestRegistry(t)
	resolver.add("A", "dev-a", "192.168.1.10")
	found(reg, "A")
	waitFor(t, "device", func() bool { return reg.DeviceExists("dev-a") })
	stale, _ := reg.GetDevice("dev-a")

	var (
		mu    sync.Mutex
		hosts []string
	)
	reg.AddListener("dev-a", Listener{OnReachable: func(dev domain.LocalDevice) {
		mu.Lock()
		hosts = append(hosts, dev.Host)
		mu.Unlock()
	}})

	resolver.add("A", "dev-a", "192.168.1.20")
	found(reg, "A")
	waitFor(t, "update", reg.idle)

	// A delivery of the first resolution that lost the race with the update.
	reg.mu.Lock()
	entry := reg.listeners["dev-a"][0]
	reg.mu.Unlock()
	entry.reachable(1, stale)

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(hosts, []string{"192.168.1.10", "192.168.1.20"}) {
		t.Fatalf("unexpected delivery order %v", hosts)
	}
}

func TestConcurrentAddListenerEndsOnLatestDevice(t *testing.T) {
	reg, _, resolver := newTestRegistry(t)
	resolver.add("A", "dev-a", "192.168.1.1")
	found(reg, "A")
	waitFor(t, "device", func() bool { return reg.DeviceExists("dev-a") })

	const listeners = 20
	last := make([]string, listeners)
	var wg sync.WaitGroup
	for i := 0; i < listeners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var mu sync.Mutex
			reg.AddListener("dev-a", Listener{OnReachable: func(dev domain.LocalDevice) {
				mu.Lock()
				last[i] = dev.Host
				mu.Unlock()
			}})
		}(i)
	}
	resolver.add("A", "dev-a", "192.168.1.2")
	found(reg, "A")
	wg.Wait()
	waitFor(t, "update", reg.idle)

	for i, host := range last {
		if host != "192.168.1.2" {
			t.Fatalf("listener %d ended on %q", i, host)
		}
	}
}

func TestSameDeviceIDKeepsLatestResolution(t *testing.T) {
	reg, _, resolver := newTestRegistry(t)
	resolver.add("old-name", "dev-a", "192.168.1.10")
	resolver.add("new-name", "dev-a", "192.168.1.20")

	found(reg, "old-name")
	waitFor(t, "first", func() bool { return reg.DeviceExists("dev-a") })
	found(reg, "new-name")
	waitFor(t, "overwrite", func() bool {
		dev, _ := reg.GetDevice("dev-a")
		return dev.Host == "192.168.1.20"
	})

	if all := reg.Devices(true); len(all) != 1 {
		t.Fatalf("expected one device per id, got %+v", all)
	}

	lost(reg, "old-name")
	if !reg.DeviceExists("dev-a") {
		t.Fatal("losing the superseded service must not evict the device")
	}
}

func TestListenerMayCallBackIntoRegistry(t *testing.T) {
	reg, _, resolver := newTestRegistry(t)
	resolver.add("A", "dev-a", "192.168.1.10")

	done := make(chan struct{})
	reg.AddListener("dev-a", Listener{
		Once: true,
		OnReachable: func(dev domain.LocalDevice) {
			if !reg.DeviceExists(dev.DeviceID) {
				t.Error("device should be visible to its listener")
			}
			reg.AddListener(dev.DeviceID, Listener{Once: true, OnReachable: func(domain.LocalDevice) { close(done) }})
		},
	})

	found(reg, "A")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant listener deadlocked")
	}
}

func TestDevicesFiltersUnreachable(t *testing.T) {
	origReachable := isReachableAddress
	t.Cleanup(func() {
		isReachableAddress = origReachable
	})
	isReachableAddress = func(hostPort string, timeout time.Duration) bool {
		return hostPort == "192.168.1.10:1961"
	}

	reg, _, resolver := newTestRegistry(t)
	resolver.add("A", "dev-a", "192.168.1.10")
	resolver.add("B", "dev-b", "192.168.1.11")
	found(reg, "B")
	found(reg, "A")
	waitFor(t, "devices", func() bool { return reg.DeviceExists("dev-a") && reg.DeviceExists("dev-b") })

	all := reg.Devices(true)
	if len(all) != 2 || all[0].DeviceID != "dev-a" || all[1].DeviceID != "dev-b" {
		t.Fatalf("expected sorted devices, got %+v", all)
	}
	reachable := reg.Devices(false)
	if len(reachable) != 1 || reachable[0].DeviceID != "dev-a" {
		t.Fatalf("expected only dev-a to be reachable, got %+v", reachable)
	}
}
