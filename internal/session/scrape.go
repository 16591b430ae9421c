package session

import (
	"bytes"
	"regexp"

	"golang.org/x/net/html"
)

var csrfPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"csrf_token"\s+value="([^"]+)"`),
	regexp.MustCompile(`"csrf_token"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`csrf_token=([A-Za-z0-9:_\-]+)`),
}

// scrapeCSRF extracts the login CSRF token from the identity login page,
// preferring the hidden form input and falling back to inline scripts.
func scrapeCSRF(page []byte) string {
	if token := csrfFromInputs(page); token != "" {
		return token
	}
	for _, re := range csrfPatterns {
		if m := re.FindSubmatch(page); m != nil {
			return string(m[1])
		}
	}
	return ""
}

func csrfFromInputs(page []byte) string {
	z := html.NewTokenizer(bytes.NewReader(page))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "input" || !hasAttr {
				continue
			}
			var fieldName, value string
			for {
				key, val, more := z.TagAttr()
				switch string(key) {
				case "name":
					fieldName = string(val)
				case "value":
					value = string(val)
				}
				if !more {
					break
				}
			}
			if fieldName == "csrf_token" && value != "" {
				return value
			}
		}
	}
}
