package reqsession

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
)

// CookieJar is the capability object the engine receives per spec.md §3
// ("the engine receives a capability object exposing getCookieHeader(url)
// and setFromResponse(url, resp)"). It wraps the standard library's
// cookiejar, which already implements per-domain/path cookie scoping.
type CookieJar struct {
	jar   *cookiejar.Jar
	count int
}

func newCookieJar() *CookieJar {
	jar, _ := cookiejar.New(nil)
	return &CookieJar{jar: jar}
}

// GetCookieHeader returns the Cookie header value for requests to u.
func (c *CookieJar) GetCookieHeader(u *url.URL) string {
	cookies := c.jar.Cookies(u)
	if len(cookies) == 0 {
		return ""
	}
	req := &http.Request{Header: make(http.Header)}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	return req.Header.Get("Cookie")
}

// SetFromResponse records Set-Cookie headers from resp against u.
func (c *CookieJar) SetFromResponse(u *url.URL, resp *http.Response) bool {
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return false
	}
	c.jar.SetCookies(u, cookies)
	c.count += len(cookies)
	return true
}

// Count returns the number of cookies observed via SetFromResponse. The
// standard cookiejar exposes no enumeration API, so this is a running
// count of cookies set rather than the live deduplicated set size; it is
// sufficient to satisfy the "cookieCount >= 1" observability contract.
func (c *CookieJar) Count() int {
	return c.count
}
