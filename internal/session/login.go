package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/buger/jsonparser"

	"go2tv.app/station-remote/internal/domain"
)

const loginRetpath = "https://passport.yandex.ru/am/finish?status=ok&from=Login"

// ErrOAuthClientNotConfigured is returned by the password and QR logins when
// no OAuth client is configured to exchange session cookies for a token.
var ErrOAuthClientNotConfigured = errors.New("oauth.client_id is not configured: set oauth.client_id and oauth.client_secret")

// QRChallenge is a pending QR login. URL is what the user scans.
type QRChallenge struct {
	TrackID   string
	CSRFToken string
	URL       string
}

// LoginWithPassword runs the two-step account/password flow and, on success,
// exchanges the resulting cookies for the long-lived token.
func (m *Manager) LoginWithPassword(ctx context.Context, username, password string) (domain.Credentials, error) {
	if err := m.requireOAuthClient(); err != nil {
		return domain.Credentials{}, err
	}
	csrf, err := m.loginPageCSRF(ctx)
	if err != nil {
		return domain.Credentials{}, err
	}

	start, err := m.passportForm(ctx, "/registration-validations/auth/multi_step/start", url.Values{
		"csrf_token": {csrf},
		"login":      {username},
	})
	if err != nil {
		return domain.Credentials{}, err
	}
	if canRegister, _ := jsonparser.GetBoolean(start, "can_register"); canRegister {
		return domain.Credentials{}, domain.NewAuthError(domain.AuthInvalidAccount, "account "+username+" does not exist", nil)
	}
	trackID, _ := jsonparser.GetString(start, "track_id")
	if trackID == "" {
		return domain.Credentials{}, domain.NewAuthError(domain.AuthParsingError, "login start returned no track id", nil)
	}

	commit, err := m.passportForm(ctx, "/registration-validations/auth/multi_step/commit_password", url.Values{
		"csrf_token": {csrf},
		"login":      {username},
		"track_id":   {trackID},
		"password":   {password},
		"retpath":    {loginRetpath},
	})
	if err != nil {
		return domain.Credentials{}, err
	}
	if status, _ := jsonparser.GetString(commit, "status"); status != "ok" {
		return domain.Credentials{}, domain.NewAuthError(domain.AuthInvalidPassword, "password rejected", nil)
	}
	if redirect, _ := jsonparser.GetString(commit, "redirect_url"); redirect != "" {
		return domain.Credentials{}, domain.NewAuthError(domain.AuthNeedsPhoneChallenge, "confirm the login in the identity app", nil)
	}

	return m.finishLogin(ctx)
}

// StartQR issues a QR login challenge and remembers it for LoginWithQR.
func (m *Manager) StartQR(ctx context.Context) (*QRChallenge, error) {
	if err := m.requireOAuthClient(); err != nil {
		return nil, err
	}
	csrf, err := m.loginPageCSRF(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := m.passportForm(ctx, "/registration-validations/auth/password/submit", url.Values{
		"csrf_token": {csrf},
		"retpath":    {loginRetpath},
		"with_code":  {"1"},
	})
	if err != nil {
		return nil, err
	}
	if status, _ := jsonparser.GetString(resp, "status"); status != "ok" {
		return nil, domain.NewAuthError(domain.AuthParsingError, "qr challenge was not issued", nil)
	}
	trackID, _ := jsonparser.GetString(resp, "track_id")
	if trackID == "" {
		return nil, domain.NewAuthError(domain.AuthParsingError, "qr challenge returned no track id", nil)
	}
	if fresh, _ := jsonparser.GetString(resp, "csrf_token"); fresh != "" {
		csrf = fresh
	}

	challenge := &QRChallenge{
		TrackID:   trackID,
		CSRFToken: csrf,
		URL:       strings.TrimSuffix(m.cfg.Endpoints.Passport, "/") + "/auth/magic/code/?track_id=" + url.QueryEscape(trackID),
	}
	m.mu.Lock()
	m.pendingQR = challenge
	m.mu.Unlock()
	return challenge, nil
}

// LoginWithQR checks the pending QR challenge once. It returns
// QrNotConfirmed until the user approves the code; callers poll.
func (m *Manager) LoginWithQR(ctx context.Context) (domain.Credentials, error) {
	m.mu.Lock()
	challenge := m.pendingQR
	m.mu.Unlock()
	if challenge == nil {
		return domain.Credentials{}, domain.NewAuthError(domain.AuthQrNotConfirmed, "no qr challenge was issued", nil)
	}

	resp, err := m.passportForm(ctx, "/auth/new/magic/status/", url.Values{
		"csrf_token": {challenge.CSRFToken},
		"track_id":   {challenge.TrackID},
	})
	if err != nil {
		return domain.Credentials{}, err
	}
	if status, _ := jsonparser.GetString(resp, "status"); status != "ok" {
		return domain.Credentials{}, domain.NewAuthError(domain.AuthQrNotConfirmed, "qr code not confirmed yet", nil)
	}

	creds, err := m.finishLogin(ctx)
	if err != nil {
		return domain.Credentials{}, err
	}
	m.mu.Lock()
	m.pendingQR = nil
	m.mu.Unlock()
	return creds, nil
}

// LoginWithToken stores token and derives fresh session cookies from it.
func (m *Manager) LoginWithToken(ctx context.Context, token string) (domain.Credentials, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Credentials{}, domain.NewAuthError(domain.AuthTokenAuthFailed, "token is empty", nil)
	}
	if err := m.cookiesFromToken(ctx, token); err != nil {
		return domain.Credentials{}, err
	}
	m.setCSRF("")
	m.setToken(token)
	return m.Credentials(), nil
}

// Logout forgets every cookie and the stored token.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.authToken = ""
	m.csrfToken = ""
	m.pendingQR = nil
	m.mu.Unlock()

	m.jar.ClearAll()
	m.persist()
	m.logger.Info().Msg("session_logged_out")
}

func (m *Manager) finishLogin(ctx context.Context) (domain.Credentials, error) {
	token, err := m.tokenFromCookies(ctx)
	if err != nil {
		return domain.Credentials{}, err
	}
	m.setCSRF("")
	m.setToken(token)
	m.logger.Info().Msg("session_login_completed")
	return m.Credentials(), nil
}

func (m *Manager) loginPageCSRF(ctx context.Context) (string, error) {
	pageURL := strings.TrimSuffix(m.cfg.Endpoints.Passport, "/") + "/am?app_platform=android"
	resp, err := m.send(ctx, http.MethodGet, pageURL, nil, nil)
	if err != nil {
		return "", authFromRequestError(err)
	}
	token := scrapeCSRF(resp.Body)
	if token == "" {
		return "", domain.NewAuthError(domain.AuthParsingError, "login page carries no csrf token", nil)
	}
	return token, nil
}

func (m *Manager) passportForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	endpoint := strings.TrimSuffix(m.cfg.Endpoints.Passport, "/") + path
	resp, err := m.send(ctx, http.MethodPost, endpoint, FormBody(form), nil)
	if err != nil {
		return nil, authFromRequestError(err)
	}
	if resp.StatusCode >= 500 {
		return nil, domain.NewAuthError(domain.AuthTimeout, "identity service unavailable", statusError(resp.StatusCode, endpoint))
	}
	return resp.Body, nil
}

// tokenFromCookies exchanges the identity-domain session cookies for the
// long-lived token.
func (m *Manager) tokenFromCookies(ctx context.Context) (string, error) {
	if err := m.requireOAuthClient(); err != nil {
		return "", err
	}
	endpoint := strings.TrimSuffix(m.cfg.Endpoints.MobileProxy, "/") + "/1/bundle/oauth/token_by_sessionid"
	header := http.Header{}
	header.Set("Ya-Client-Host", hostOf(m.cfg.Endpoints.Passport))
	header.Set("Ya-Client-Cookie", m.jar.HeaderFor(m.cfg.IdentityDomain))

	resp, err := m.send(ctx, http.MethodPost, endpoint, FormBody(url.Values{
		"client_id":     {m.cfg.ClientID},
		"client_secret": {m.cfg.ClientSecret},
	}), header)
	if err != nil {
		return "", authFromRequestError(err)
	}
	token, _ := jsonparser.GetString(resp.Body, "access_token")
	if token == "" {
		return "", domain.NewAuthError(domain.AuthParsingError, "token exchange returned no access token", statusError(resp.StatusCode, endpoint))
	}
	return token, nil
}

func (m *Manager) requireOAuthClient() error {
	if strings.TrimSpace(m.cfg.ClientID) == "" || strings.TrimSpace(m.cfg.ClientSecret) == "" {
		return ErrOAuthClientNotConfigured
	}
	return nil
}

// cookiesFromToken regenerates the web session cookies from the long-lived
// token via the identity bundle endpoint.
func (m *Manager) cookiesFromToken(ctx context.Context, token string) error {
	endpoint := strings.TrimSuffix(m.cfg.Endpoints.MobileProxy, "/") + "/1/bundle/auth/x_token/"
	header := http.Header{}
	header.Set("Ya-Consumer-Authorization", "OAuth "+token)

	resp, err := m.send(ctx, http.MethodPost, endpoint, FormBody(url.Values{
		"type":    {"x-token"},
		"retpath": {"https://www.yandex.ru"},
	}), header)
	if err != nil {
		return authFromRequestError(err)
	}
	status, _ := jsonparser.GetString(resp.Body, "status")
	host, _ := jsonparser.GetString(resp.Body, "passport_host")
	trackID, _ := jsonparser.GetString(resp.Body, "track_id")
	if status != "ok" || host == "" || trackID == "" {
		return domain.NewAuthError(domain.AuthTokenAuthFailed, "token was rejected", statusError(resp.StatusCode, endpoint))
	}

	sessionURL := strings.TrimSuffix(host, "/") + "/auth/session/?track_id=" + url.QueryEscape(trackID)
	sessionResp, err := m.send(ctx, http.MethodGet, sessionURL, nil, nil)
	if err != nil {
		return authFromRequestError(err)
	}
	if sessionResp.StatusCode >= 400 {
		return domain.NewAuthError(domain.AuthTokenAuthFailed, "session cookies were not issued", statusError(sessionResp.StatusCode, sessionURL))
	}
	m.logger.Info().Msg("session_cookies_refreshed")
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
