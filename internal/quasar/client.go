package quasar

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/rs/zerolog"

	"go2tv.app/station-remote/internal/domain"
	"go2tv.app/station-remote/internal/session"
)

var (
	errNoDevices = errors.New("device list payload has no devices array")
	errNoToken   = errors.New("glagol token payload has no token")
)

// Requester is the authenticated transport; *session.Manager satisfies it.
type Requester interface {
	Request(ctx context.Context, method, rawURL string, body session.Body) (*session.RawResponse, error)
}

type Endpoints struct {
	// Web serves the account device list.
	Web string
	// API issues per-device glagol tokens.
	API string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Web: "https://quasar.yandex.ru",
		API: "https://quasar.yandex.net",
	}
}

// Client is the cloud side of the station stack: the account's speaker list
// and the scoped tokens needed to open a local control session.
type Client struct {
	requester Requester
	endpoints Endpoints
	logger    zerolog.Logger
}

func NewClient(requester Requester, endpoints Endpoints, logger zerolog.Logger) *Client {
	if endpoints.Web == "" {
		endpoints.Web = DefaultEndpoints().Web
	}
	if endpoints.API == "" {
		endpoints.API = DefaultEndpoints().API
	}
	return &Client{requester: requester, endpoints: endpoints, logger: logger}
}

// Speakers lists the stations registered on the account. Entries without an
// id or platform cannot be controlled and are dropped.
func (c *Client) Speakers(ctx context.Context) ([]domain.Speaker, error) {
	endpoint := strings.TrimSuffix(c.endpoints.Web, "/") + "/glagol/device_list"
	resp, err := c.requester.Request(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	speakers, dropped, err := parseDeviceList(resp.Body)
	if err != nil {
		return nil, &domain.RequestError{Kind: domain.RequestUnknown, StatusCode: resp.StatusCode, URL: endpoint, Cause: err}
	}
	c.logger.Debug().Int("speakers", len(speakers)).Int("dropped", dropped).Msg("quasar_device_list")
	return speakers, nil
}

// GlagolToken fetches the short-lived conversation token for one speaker.
func (c *Client) GlagolToken(ctx context.Context, speaker domain.Speaker) (string, error) {
	query := url.Values{}
	query.Set("device_id", speaker.ID)
	query.Set("platform", speaker.Platform)
	endpoint := strings.TrimSuffix(c.endpoints.API, "/") + "/glagol/token?" + query.Encode()

	resp, err := c.requester.Request(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	token, _ := jsonparser.GetString(resp.Body, "token")
	if token == "" {
		return "", &domain.RequestError{Kind: domain.RequestUnknown, StatusCode: resp.StatusCode, URL: endpoint, Cause: errNoToken}
	}
	return token, nil
}

func parseDeviceList(body []byte) ([]domain.Speaker, int, error) {
	devices, typ, _, err := jsonparser.Get(body, "devices")
	if err != nil || typ != jsonparser.Array {
		return nil, 0, errNoDevices
	}

	var (
		speakers []domain.Speaker
		dropped  int
		parseErr error
	)
	_, err = jsonparser.ArrayEach(devices, func(value []byte, dataType jsonparser.ValueType, _ int, err error) {
		if err != nil || dataType != jsonparser.Object {
			parseErr = errors.Join(parseErr, err)
			dropped++
			return
		}
		id, _ := jsonparser.GetString(value, "id")
		platform, _ := jsonparser.GetString(value, "platform")
		name, _ := jsonparser.GetString(value, "name")
		if id == "" || platform == "" {
			dropped++
			return
		}
		speakers = append(speakers, domain.Speaker{ID: id, Name: name, Platform: platform})
	})
	if err != nil {
		return nil, dropped, err
	}
	if parseErr != nil && len(speakers) == 0 {
		return nil, dropped, parseErr
	}
	return speakers, dropped, nil
}
