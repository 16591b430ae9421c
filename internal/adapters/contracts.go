package adapters

import (
	"context"
	"errors"

	"go2tv.app/station-remote/internal/domain"
	"go2tv.app/station-remote/internal/playback"
)

// ErrResolverBusy is returned by a Resolver that already has a resolution in flight.
var ErrResolverBusy = errors.New("resolver busy")

// CredentialStore persists the long-lived token and cookie blob.
type CredentialStore interface {
	Load() (domain.Credentials, error)
	Save(creds domain.Credentials) error
}

type ServiceEventKind int

const (
	ServiceFound ServiceEventKind = iota + 1
	ServiceLost
)

func (k ServiceEventKind) String() string {
	switch k {
	case ServiceFound:
		return "found"
	case ServiceLost:
		return "lost"
	default:
		return "unknown"
	}
}

// ServiceRecord identifies an advertised, not yet resolved, service instance.
type ServiceRecord struct {
	Name   string
	Type   string
	Domain string
}

type ServiceEvent struct {
	Kind    ServiceEventKind
	Service ServiceRecord
}

// ResolvedService is a service record with its address and TXT attributes.
type ResolvedService struct {
	Service ServiceRecord
	Host    string
	Port    int
	TXT     map[string]string
}

// Browser streams found/lost notifications for one service type until ctx is done.
type Browser interface {
	Browse(ctx context.Context, serviceType string, events chan<- ServiceEvent) error
}

// Resolver turns a ServiceRecord into an address. Implementations may support
// only one resolution in flight and report ErrResolverBusy otherwise.
type Resolver interface {
	Resolve(ctx context.Context, svc ServiceRecord) (ResolvedService, error)
}

// Presenter is the media-session/notification layer fed by the station controller.
type Presenter interface {
	Present(speaker domain.Speaker, update playback.Update)
	PresentArtwork(speaker domain.Speaker, art playback.Artwork)
	Offline(speaker domain.Speaker)
	// Failed reports a session that cannot be re-established without user
	// action, such as a rejected device token.
	Failed(speaker domain.Speaker, err error)
}
