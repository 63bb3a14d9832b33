package credential

import (
	"net/http"
	"strings"
)

// Source names the carrier that satisfied (or failed) a token lookup.
type Source string

const (
	SourceCookieList       Source = "cookie_list"
	SourceMultiValueHeader Source = "multi_value_header"
	SourceHeader           Source = "header"
	SourceBearer           Source = "bearer"
	SourceNone             Source = "none"
)

// Cookie is one entry of the structured cookie-list carrier.
type Cookie struct {
	Name  string
	Value string
}

// Carriers holds every place an incoming request may have put a credential.
// Any subset may be populated; the dispatch layer decides which shapes exist.
type Carriers struct {
	Cookies           []Cookie
	MultiValueHeaders map[string][]string
	Headers           map[string]string
	Authorization     string
}

// Diagnostic describes which carrier satisfied a lookup. It carries presence
// metadata only, never token values, so it is safe to log as-is.
type Diagnostic struct {
	CookieName       string `json:"cookie_name"`
	Source           Source `json:"source"`
	CookieListCount  int    `json:"cookie_list_count"`
	HasMultiValue    bool   `json:"has_multi_value_header"`
	HasSingleValue   bool   `json:"has_single_value_header"`
	HasAuthorization bool   `json:"has_authorization"`
}

// Options controls carrier eligibility for a single lookup.
type Options struct {
	// AllowBearer permits the Authorization header as the last-resort
	// carrier. Only access-token lookups set this; refresh tokens are
	// cookie-scoped and must never arrive over a bearer header.
	AllowBearer bool
}

// Extract returns the first value for the named cookie across the carriers in
// fixed priority order: structured cookie list, multi-value cookie header,
// single-value cookie header, then (when allowed) the bearer header.
func Extract(c Carriers, name string, opt Options) (string, Diagnostic, bool) {
	diag := Diagnostic{
		CookieName:       name,
		Source:           SourceNone,
		CookieListCount:  len(c.Cookies),
		HasMultiValue:    len(c.MultiValueHeaders) > 0,
		HasSingleValue:   len(c.Headers) > 0,
		HasAuthorization: strings.TrimSpace(c.Authorization) != "",
	}

	for _, cookie := range c.Cookies {
		if cookie.Name == name && cookie.Value != "" {
			diag.Source = SourceCookieList
			return cookie.Value, diag, true
		}
	}

	for _, header := range cookieHeaderValues(c.MultiValueHeaders) {
		if value, ok := parseCookieHeader(header, name); ok {
			diag.Source = SourceMultiValueHeader
			return value, diag, true
		}
	}

	if header, ok := singleCookieHeader(c.Headers); ok {
		if value, ok := parseCookieHeader(header, name); ok {
			diag.Source = SourceHeader
			return value, diag, true
		}
	}

	if opt.AllowBearer {
		if token, ok := bearerToken(c.Authorization); ok {
			diag.Source = SourceBearer
			return token, diag, true
		}
	}

	return "", diag, false
}

// FromRequest adapts a net/http request into the carrier set. The parsed
// cookie jar becomes the structured list and raw headers keep their multi-value
// shape, so middleware and serverless entries share one extraction path.
func FromRequest(r *http.Request) Carriers {
	carriers := Carriers{
		MultiValueHeaders: r.Header,
		Authorization:     r.Header.Get("Authorization"),
	}
	for _, cookie := range r.Cookies() {
		carriers.Cookies = append(carriers.Cookies, Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	return carriers
}

func cookieHeaderValues(headers map[string][]string) []string {
	if len(headers) == 0 {
		return nil
	}
	var values []string
	for key, entry := range headers {
		if strings.EqualFold(key, "cookie") {
			values = append(values, entry...)
		}
	}
	return values
}

func singleCookieHeader(headers map[string]string) (string, bool) {
	for key, value := range headers {
		if strings.EqualFold(key, "cookie") && value != "" {
			return value, true
		}
	}
	return "", false
}

// parseCookieHeader scans a `;`-delimited cookie header for the named cookie.
// Malformed segments (missing `=`, empty name) are skipped without aborting
// the rest of the parse; the first occurrence of a name wins.
func parseCookieHeader(header, name string) (string, bool) {
	for _, segment := range strings.Split(header, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		eq := strings.Index(segment, "=")
		if eq <= 0 {
			continue
		}
		if segment[:eq] == name {
			return segment[eq+1:], true
		}
	}
	return "", false
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
