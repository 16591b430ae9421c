package session

import (
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	cookiejar "github.com/juju/persistent-cookiejar"
	"golang.org/x/net/publicsuffix"
)

// savedCookie is one entry of the opaque cookie blob.
type savedCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"http_only,omitempty"`
}

// CookieJar wraps an in-memory RFC 6265 jar. Every mutation is reported to
// the OnChange hook with the serialised jar so it can be persisted.
type CookieJar struct {
	jar *cookiejar.Jar

	// mu serialises mutations so change detection sees a consistent before
	// and after.
	mu       sync.Mutex
	onChange func(blob string)
}

func NewCookieJar() (*CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{
		PublicSuffixList: publicsuffix.List,
		NoPersist:        true,
	})
	if err != nil {
		return nil, err
	}
	return &CookieJar{jar: jar}, nil
}

func (j *CookieJar) OnChange(fn func(blob string)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onChange = fn
}

func (j *CookieJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if u == nil || len(cookies) == 0 {
		return
	}
	j.mu.Lock()
	before := j.blob()
	j.jar.SetCookies(u, cookies)
	after := j.blob()
	fn := j.onChange
	j.mu.Unlock()

	if fn != nil && after != before {
		fn(after)
	}
}

// Cookies returns the live cookies to send with a request to u.
func (j *CookieJar) Cookies(u *url.URL) []*http.Cookie {
	if u == nil {
		return nil
	}
	return j.jar.Cookies(u)
}

// HeaderFor serialises every live cookie scoped to domain or its subdomains
// as a single Cookie header value.
func (j *CookieJar) HeaderFor(domain string) string {
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	var parts []string
	for _, c := range j.jar.AllCookies() {
		d := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		if d != domain && !strings.HasSuffix(d, "."+domain) {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func (j *CookieJar) ClearAll() {
	j.mu.Lock()
	had := len(j.jar.AllCookies()) > 0
	j.jar.RemoveAll()
	fn := j.onChange
	j.mu.Unlock()

	if had && fn != nil {
		fn("")
	}
}

func (j *CookieJar) Len() int {
	return len(j.jar.AllCookies())
}

// Marshal serialises the jar into the opaque cookie blob.
func (j *CookieJar) Marshal() (string, error) {
	saved := j.saved()
	if len(saved) == 0 {
		return "", nil
	}
	data, err := json.Marshal(saved)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Restore replaces the jar contents with a blob produced by Marshal. It does
// not fire OnChange.
func (j *CookieJar) Restore(blob string) error {
	var saved []savedCookie
	if strings.TrimSpace(blob) != "" {
		if err := json.Unmarshal([]byte(blob), &saved); err != nil {
			return err
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.jar.RemoveAll()
	now := time.Now()
	for _, s := range saved {
		if s.Name == "" || s.Domain == "" || (!s.Expires.IsZero() && !s.Expires.After(now)) {
			continue
		}
		u, c := s.replay()
		j.jar.SetCookies(u, []*http.Cookie{c})
	}
	return nil
}

// replay rebuilds the Set-Cookie that produced s, as seen from its own origin.
func (s savedCookie) replay() (*url.URL, *http.Cookie) {
	scheme := "http"
	if s.Secure {
		scheme = "https"
	}
	path := s.Path
	if path == "" {
		path = "/"
	}
	c := &http.Cookie{
		Name:     s.Name,
		Value:    s.Value,
		Path:     path,
		Expires:  s.Expires,
		Secure:   s.Secure,
		HttpOnly: s.HttpOnly,
	}
	// Domain attributes are not accepted for IP hosts.
	if net.ParseIP(s.Domain) == nil {
		c.Domain = s.Domain
	}
	return &url.URL{Scheme: scheme, Host: s.Domain, Path: path}, c
}

func (j *CookieJar) blob() string {
	blob, _ := j.Marshal()
	return blob
}

func (j *CookieJar) saved() []savedCookie {
	all := j.jar.AllCookies()
	out := make([]savedCookie, 0, len(all))
	for _, c := range all {
		s := savedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   strings.TrimPrefix(c.Domain, "."),
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}
		// Session cookies come back with a far-future expiry.
		if c.Expires.Year() < 9999 {
			s.Expires = c.Expires.UTC()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Domain != out[b].Domain {
			return out[a].Domain < out[b].Domain
		}
		if out[a].Path != out[b].Path {
			return out[a].Path < out[b].Path
		}
		return out[a].Name < out[b].Name
	})
	return out
}
