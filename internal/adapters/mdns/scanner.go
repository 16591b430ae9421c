package mdns

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	hmdns "github.com/hashicorp/mdns"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"go2tv.app/station-remote/internal/adapters"
)

const (
	defaultDomain       = "local."
	defaultScanInterval = 5 * time.Second
	defaultScanTimeout  = 2 * time.Second
	defaultMissedScans  = 3
)

var errNotSeen = errors.New("service has not been seen by a scan")

// query is swapped in tests.
var query = hmdns.Query

type Config struct {
	Domain       string
	ScanInterval time.Duration
	ScanTimeout  time.Duration
	// MissedScans is how many consecutive scans may miss an instance before
	// it is reported lost.
	MissedScans int
	Logger      zerolog.Logger
}

type sighting struct {
	resolved adapters.ResolvedService
	missed   int
}

// Scanner implements adapters.Browser and adapters.Resolver on top of
// periodic multicast DNS queries. Resolution is served from the latest scan
// and, like platform resolvers, accepts one request at a time.
type Scanner struct {
	cfg    Config
	logger zerolog.Logger

	resolveMu sync.Mutex

	mu   sync.Mutex
	seen map[string]*sighting
}

func NewScanner(cfg Config) *Scanner {
	if strings.TrimSpace(cfg.Domain) == "" {
		cfg.Domain = defaultDomain
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = defaultScanTimeout
	}
	if cfg.MissedScans <= 0 {
		cfg.MissedScans = defaultMissedScans
	}
	return &Scanner{
		cfg:    cfg,
		logger: cfg.Logger,
		seen:   map[string]*sighting{},
	}
}

// Browse scans until ctx is done. Every scan reports each visible instance as
// found; instances missing for MissedScans consecutive scans are reported lost.
func (s *Scanner) Browse(ctx context.Context, serviceType string, events chan<- adapters.ServiceEvent) error {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		for _, ev := range s.scan(serviceType) {
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scanner) scan(serviceType string) []adapters.ServiceEvent {
	entries := make(chan *hmdns.ServiceEntry, 16)
	visible := map[string]adapters.ResolvedService{}
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for entry := range entries {
			if resolved, ok := toResolved(entry, serviceType, s.cfg.Domain); ok {
				visible[resolved.Service.Name] = resolved
			}
		}
	}()

	params := hmdns.DefaultParams(serviceType)
	params.Domain = strings.TrimSuffix(s.cfg.Domain, ".")
	params.Timeout = s.cfg.ScanTimeout
	params.Entries = entries
	params.DisableIPv6 = true
	err := query(params)
	close(entries)
	<-collected
	if err != nil {
		s.logger.Warn().Err(err).Str("service_type", serviceType).Msg("mdns_query_failed")
	}

	return s.reconcile(visible)
}

func (s *Scanner) reconcile(visible map[string]adapters.ResolvedService) []adapters.ServiceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []adapters.ServiceEvent
	for name, resolved := range visible {
		s.seen[name] = &sighting{resolved: resolved}
		events = append(events, adapters.ServiceEvent{Kind: adapters.ServiceFound, Service: resolved.Service})
	}
	for name, sg := range s.seen {
		if _, ok := visible[name]; ok {
			continue
		}
		sg.missed++
		if sg.missed < s.cfg.MissedScans {
			continue
		}
		delete(s.seen, name)
		events = append(events, adapters.ServiceEvent{Kind: adapters.ServiceLost, Service: sg.resolved.Service})
	}
	return events
}

// Resolve returns the address of svc as of the latest scan.
func (s *Scanner) Resolve(ctx context.Context, svc adapters.ServiceRecord) (adapters.ResolvedService, error) {
	if !s.resolveMu.TryLock() {
		return adapters.ResolvedService{}, adapters.ErrResolverBusy
	}
	defer s.resolveMu.Unlock()

	if err := ctx.Err(); err != nil {
		return adapters.ResolvedService{}, err
	}
	s.mu.Lock()
	sg, ok := s.seen[svc.Name]
	s.mu.Unlock()
	if !ok {
		return adapters.ResolvedService{}, errNotSeen
	}
	return sg.resolved, nil
}

func toResolved(entry *hmdns.ServiceEntry, serviceType, domain string) (adapters.ResolvedService, bool) {
	if entry == nil || entry.Port <= 0 {
		return adapters.ResolvedService{}, false
	}
	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil && !entry.AddrV6.IsLinkLocalUnicast():
		host = entry.AddrV6.String()
	default:
		return adapters.ResolvedService{}, false
	}

	return adapters.ResolvedService{
		Service: adapters.ServiceRecord{
			Name:   InstanceName(entry.Name, serviceType, domain),
			Type:   serviceType,
			Domain: dns.Fqdn(domain),
		},
		Host: host,
		Port: entry.Port,
		TXT:  ParseTXT(entry.InfoFields),
	}, true
}

// InstanceName strips the service type and domain from a full instance name.
func InstanceName(full, serviceType, domain string) string {
	name := dns.Fqdn(strings.TrimSpace(full))
	suffix := dns.Fqdn(strings.TrimSuffix(serviceType, ".") + "." + strings.TrimSuffix(domain, "."))
	if name == suffix || !dns.IsSubDomain(suffix, name) {
		return strings.TrimSuffix(name, ".")
	}
	labels := dns.SplitDomainName(name)
	return strings.Join(labels[:len(labels)-dns.CountLabel(suffix)], ".")
}

// ParseTXT turns key=value TXT strings into a map. Keys without a value map
// to the empty string; the first occurrence of a key wins.
func ParseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, field := range fields {
		key, value, _ := strings.Cut(field, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := out[key]; dup {
			continue
		}
		out[key] = value
	}
	return out
}

var (
	_ adapters.Browser  = (*Scanner)(nil)
	_ adapters.Resolver = (*Scanner)(nil)
)
