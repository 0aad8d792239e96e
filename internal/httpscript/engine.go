package httpscript

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/treqd/treqd/internal/service"
)

// Engine implements service.Engine with a plain net/http client per call,
// the same direct-http.Client-with-Timeout idiom the teacher uses for its
// own outbound calls rather than reaching for an HTTP framework.
type Engine struct {
	DefaultTimeout time.Duration
}

func NewEngine() *Engine {
	return &Engine{DefaultTimeout: 30 * time.Second}
}

func (e *Engine) CreateEngine(opts service.EngineOptions) service.Runner {
	return &runner{engine: e, opts: opts}
}

type runner struct {
	engine *Engine
	opts   service.EngineOptions
}

var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

func interpolate(raw string, vars map[string]any) string {
	return varPattern.ReplaceAllStringFunc(raw, func(m string) string {
		sub := varPattern.FindStringSubmatch(m)
		if len(sub) != 2 {
			return m
		}
		v, ok := vars[sub[1]]
		if !ok {
			return m
		}
		return fmt.Sprintf("%v", v)
	})
}

func (r *runner) emit(evType string, payload map[string]any) {
	if r.opts.OnEvent != nil {
		r.opts.OnEvent(service.EngineEvent{Type: evType, Payload: payload})
	}
}

func (r *runner) RunString(ctx context.Context, rawRequest string, opts service.RunOptions) (*service.Response, error) {
	r.emit("parseStarted", nil)
	method, rawURL, headers, body, err := splitRaw(rawRequest)
	if err != nil {
		r.emit("error", map[string]any{"message": err.Error()})
		return nil, err
	}
	r.emit("parseFinished", nil)

	r.emit("interpolateStarted", nil)
	rawURL = interpolate(rawURL, opts.Variables)
	for k, v := range headers {
		headers[k] = interpolate(v, opts.Variables)
	}
	body = interpolate(body, opts.Variables)
	r.emit("interpolateFinished", nil)

	r.emit("compileStarted", nil)
	u, err := url.Parse(rawURL)
	if err != nil {
		r.emit("error", map[string]any{"message": err.Error()})
		return nil, fmt.Errorf("httpscript: invalid url %q: %w", rawURL, err)
	}
	timeout := r.engine.DefaultTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	client := &http.Client{Timeout: timeout}
	if !opts.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader([]byte(body)))
	if err != nil {
		r.emit("error", map[string]any{"message": err.Error()})
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if r.opts.CookieStore != nil {
		if ch := r.opts.CookieStore.GetCookieHeader(u); ch != "" {
			req.Header.Set("Cookie", ch)
		}
	}
	r.emit("compileFinished", nil)

	r.emit("fetchStarted", map[string]any{"method": method, "url": u.String()})
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		r.emit("error", map[string]any{"message": err.Error()})
		return nil, err
	}
	ttfb := time.Since(start).Milliseconds()
	r.emit("fetchFinished", map[string]any{"status": resp.StatusCode})

	setCookies := resp.Header.Values("Set-Cookie")
	if r.opts.CookieStore != nil && len(setCookies) > 0 {
		r.opts.CookieStore.SetFromResponse(u, &service.Response{SetCookies: setCookies})
	}

	return &service.Response{
		URL:        u.String(),
		Status:     resp.StatusCode,
		Headers:    map[string][]string(resp.Header),
		Body:       resp.Body,
		TTFBMs:     ttfb,
		SetCookies: setCookies,
	}, nil
}

func splitRaw(raw string) (method, url string, headers map[string]string, body string, err error) {
	lines := strings.Split(raw, "\n")
	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) {
		return "", "", nil, "", fmt.Errorf("httpscript: empty request")
	}
	fields := strings.Fields(strings.TrimSpace(lines[i]))
	if len(fields) < 2 {
		return "", "", nil, "", fmt.Errorf("httpscript: malformed request line %q", lines[i])
	}
	method = strings.ToUpper(fields[0])
	url = fields[1]
	i++

	headers = map[string]string{}
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			i++
			break
		}
		colon := strings.Index(trimmed, ":")
		if colon < 0 {
			break
		}
		headers[strings.TrimSpace(trimmed[:colon])] = strings.TrimSpace(trimmed[colon+1:])
		i++
	}
	body = strings.TrimRight(strings.Join(lines[i:], "\n"), "\n")
	return method, url, headers, body, nil
}
