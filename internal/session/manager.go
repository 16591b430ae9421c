package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"go2tv.app/station-remote/internal/adapters"
	"go2tv.app/station-remote/internal/domain"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "com.yandex.mobile.auth.sdk/7.38.0 (Android)"
	csrfHeader       = "x-csrf-token"
	maxResponseBytes = 8 << 20
)

var errMissingCSRF = errors.New("csrf token missing from probe response")

// Endpoints are the base URLs of the remote services the session talks to.
type Endpoints struct {
	Passport    string
	MobileProxy string
	Probe       string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Passport:    "https://passport.yandex.ru",
		MobileProxy: "https://mobileproxy.passport.yandex.net",
		Probe:       "https://yandex.ru/quasar?storage=1",
	}
}

type Config struct {
	Endpoints      Endpoints
	IdentityDomain string
	ClientID       string
	ClientSecret   string
	UserAgent      string
	Timeout        time.Duration
	Logger         zerolog.Logger
}

// Body is a request payload. Use FormBody or JSONBody.
type Body interface {
	contentType() string
	encode() ([]byte, error)
}

type formBody url.Values

func FormBody(values url.Values) Body { return formBody(values) }

func (b formBody) contentType() string { return "application/x-www-form-urlencoded" }
func (b formBody) encode() ([]byte, error) {
	return []byte(url.Values(b).Encode()), nil
}

type jsonBody struct{ v any }

func JSONBody(v any) Body { return jsonBody{v: v} }

func (b jsonBody) contentType() string      { return "application/json" }
func (b jsonBody) encode() ([]byte, error) { return json.Marshal(b.v) }

// RawResponse is a fully read HTTP response.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Manager owns the authenticated HTTP session: the cookie jar, the long-lived
// token, and the cached CSRF token. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	store  adapters.CredentialStore
	jar    *CookieJar
	client *retryablehttp.Client
	logger zerolog.Logger

	localDialer *websocket.Dialer
	cloudDialer *websocket.Dialer

	csrfGroup singleflight.Group
	persistMu sync.Mutex

	mu        sync.Mutex
	authToken string
	csrfToken string
	pendingQR *QRChallenge
}

// NewManager restores persisted credentials from store. A corrupt cookie blob
// is logged and discarded rather than failing startup.
func NewManager(cfg Config, store adapters.CredentialStore) (*Manager, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if cfg.Endpoints == (Endpoints{}) {
		cfg.Endpoints = DefaultEndpoints()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if strings.TrimSpace(cfg.IdentityDomain) == "" {
		cfg.IdentityDomain = "yandex.ru"
	}

	jar, err := NewCookieJar()
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		jar:    jar,
		logger: cfg.Logger,
	}

	creds, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if err := m.jar.Restore(creds.CookieBlob); err != nil {
		m.logger.Warn().Err(err).Msg("cookie_blob_discarded")
	}
	m.authToken = creds.AuthToken
	m.jar.OnChange(func(string) { m.persist() })

	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Jar = m.jar
	httpClient.Timeout = cfg.Timeout

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.RetryMax = 0
	rc.Logger = leveledLogger{logger: m.logger}
	rc.CheckRetry = func(context.Context, *http.Response, error) (bool, error) { return false, nil }
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	m.client = rc

	m.cloudDialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.Timeout,
		Jar:              m.jar,
	}
	m.localDialer = &websocket.Dialer{
		HandshakeTimeout: cfg.Timeout,
		// Speakers present self-signed certificates on the LAN.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}, //nolint:gosec
	}
	return m, nil
}

func (m *Manager) Jar() *CookieJar { return m.jar }

// Credentials returns a snapshot of what would be persisted right now.
func (m *Manager) Credentials() domain.Credentials {
	m.mu.Lock()
	token := m.authToken
	m.mu.Unlock()
	blob, err := m.jar.Marshal()
	if err != nil {
		m.logger.Warn().Err(err).Msg("cookie_blob_encode_failed")
	}
	return domain.Credentials{AuthToken: token, CookieBlob: blob}
}

func (m *Manager) HasCredentials() bool {
	return !m.Credentials().Empty()
}

// Request performs an authenticated call. Non-GET requests carry the CSRF
// token. A 401 triggers exactly one RefreshSession and one retry.
func (m *Manager) Request(ctx context.Context, method, rawURL string, body Body) (*RawResponse, error) {
	resp, err := m.attempt(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		m.logger.Debug().Str("url", redactURL(rawURL)).Msg("session_unauthorized_refreshing")
		if refreshErr := m.RefreshSession(ctx); refreshErr != nil {
			if errors.Is(refreshErr, domain.ErrAuthTimeout) {
				return nil, &domain.RequestError{Kind: domain.RequestTimeout, URL: redactURL(rawURL), Cause: refreshErr}
			}
			return nil, &domain.RequestError{
				Kind:       domain.RequestUnauthorized,
				StatusCode: http.StatusUnauthorized,
				URL:        redactURL(rawURL),
				Cause:      refreshErr,
			}
		}
		resp, err = m.attempt(ctx, method, rawURL, body)
		if err != nil {
			return nil, err
		}
	}

	if err := statusError(resp.StatusCode, rawURL); err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *Manager) attempt(ctx context.Context, method, rawURL string, body Body) (*RawResponse, error) {
	header := http.Header{}
	if method != http.MethodGet && method != http.MethodHead {
		token, err := m.csrf(ctx)
		if err != nil {
			return nil, err
		}
		header.Set(csrfHeader, token)
	}
	return m.send(ctx, method, rawURL, body, header)
}

// send is the bare transport: no CSRF, no refresh, no status mapping.
func (m *Manager) send(ctx context.Context, method, rawURL string, body Body, header http.Header) (*RawResponse, error) {
	var payload any
	if body != nil {
		data, err := body.encode()
		if err != nil {
			return nil, &domain.RequestError{Kind: domain.RequestUnknown, URL: redactURL(rawURL), Cause: err}
		}
		payload = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, payload)
	if err != nil {
		return nil, &domain.RequestError{Kind: domain.RequestUnknown, URL: redactURL(rawURL), Cause: err}
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("User-Agent", m.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", body.contentType())
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, transportError(rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(rawURL, err)
	}
	return &RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

type probeResult struct {
	uid  string
	csrf string
}

func (m *Manager) probe(ctx context.Context) (probeResult, error) {
	resp, err := m.send(ctx, http.MethodGet, m.cfg.Endpoints.Probe, nil, nil)
	if err != nil {
		return probeResult{}, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return probeResult{}, nil
	}
	if err := statusError(resp.StatusCode, m.cfg.Endpoints.Probe); err != nil {
		return probeResult{}, err
	}

	var out probeResult
	out.uid = scalarString(resp.Body, "storage", "user", "uid")
	out.csrf, _ = jsonparser.GetString(resp.Body, "storage", "csrfToken2")
	return out, nil
}

func (m *Manager) csrf(ctx context.Context) (string, error) {
	m.mu.Lock()
	token := m.csrfToken
	m.mu.Unlock()
	if token != "" {
		return token, nil
	}

	v, err, _ := m.csrfGroup.Do("csrf", func() (any, error) {
		res, err := m.probe(ctx)
		if err != nil {
			return "", err
		}
		if res.csrf == "" {
			return "", &domain.RequestError{
				Kind:  domain.RequestUnauthorized,
				URL:   redactURL(m.cfg.Endpoints.Probe),
				Cause: errMissingCSRF,
			}
		}
		m.setCSRF(res.csrf)
		return res.csrf, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) setCSRF(token string) {
	m.mu.Lock()
	m.csrfToken = token
	m.mu.Unlock()
}

// RefreshSession probes the web session and, when cookies are stale,
// regenerates them from the stored token. The cached CSRF token is always
// replaced.
func (m *Manager) RefreshSession(ctx context.Context) error {
	res, err := m.probe(ctx)
	if err != nil {
		m.setCSRF("")
		return authFromRequestError(err)
	}
	m.setCSRF(res.csrf)
	if res.uid != "" {
		m.logger.Debug().Str("uid", res.uid).Msg("session_valid")
		return nil
	}

	m.mu.Lock()
	token := m.authToken
	m.mu.Unlock()
	if token == "" {
		return domain.NewAuthError(domain.AuthTokenAuthFailed, "no stored token to refresh cookies", nil)
	}

	m.logger.Info().Msg("session_cookies_stale_refreshing")
	if err := m.cookiesFromToken(ctx, token); err != nil {
		return err
	}
	m.setCSRF("")
	return nil
}

func (m *Manager) setToken(token string) {
	m.mu.Lock()
	m.authToken = token
	m.mu.Unlock()
	m.persist()
}

func (m *Manager) persist() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	creds := m.Credentials()
	if err := m.store.Save(creds); err != nil {
		m.logger.Warn().Err(err).Msg("credentials_save_failed")
	}
}

// OpenWebSocket dials a WebSocket. LAN endpoints use the relaxed TLS dialer
// and never receive account cookies; everything else uses strict TLS and the
// session cookies.
func (m *Manager) OpenWebSocket(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &domain.RequestError{Kind: domain.RequestUnknown, URL: rawURL, Cause: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &domain.RequestError{Kind: domain.RequestUnknown, URL: rawURL, Cause: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	dialer := m.cloudDialer
	if IsLocalHost(u.Hostname()) {
		dialer = m.localDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, &domain.RequestError{Kind: statusKind(resp.StatusCode), StatusCode: resp.StatusCode, URL: rawURL, Cause: err}
		}
		return nil, transportError(rawURL, err)
	}
	return conn, nil
}

// IsLocalHost reports whether host is a LAN address or an mDNS name.
func IsLocalHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
	}
	return host == "localhost" || strings.HasSuffix(host, ".local")
}

func statusKind(code int) domain.RequestErrorKind {
	switch {
	case code == http.StatusBadRequest:
		return domain.RequestBadRequest
	case code == http.StatusUnauthorized:
		return domain.RequestUnauthorized
	case code >= 500:
		return domain.RequestInternalServerError
	default:
		return domain.RequestUnknown
	}
}

func statusError(code int, rawURL string) error {
	if code >= 200 && code < 400 {
		return nil
	}
	return &domain.RequestError{Kind: statusKind(code), StatusCode: code, URL: redactURL(rawURL)}
}

func transportError(rawURL string, err error) error {
	kind := domain.RequestConnectionError
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = domain.RequestTimeout
	}
	return &domain.RequestError{Kind: kind, URL: redactURL(rawURL), Cause: err}
}

func authFromRequestError(err error) error {
	var reqErr *domain.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Kind {
		case domain.RequestTimeout, domain.RequestConnectionError, domain.RequestInternalServerError:
			return domain.NewAuthError(domain.AuthTimeout, "identity service unreachable", err)
		}
	}
	return domain.NewAuthError(domain.AuthParsingError, "unexpected identity service response", err)
}

// scalarString reads a JSON string or number at keys as text.
func scalarString(data []byte, keys ...string) string {
	value, typ, _, err := jsonparser.Get(data, keys...)
	if err != nil {
		return ""
	}
	switch typ {
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return ""
		}
		return s
	case jsonparser.Number:
		if n, err := strconv.ParseInt(string(value), 10, 64); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return string(bytes.TrimSpace(value))
	default:
		return ""
	}
}

func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
