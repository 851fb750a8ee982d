package engine

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/botmata/botmata/core/model"
)

const defaultRequestTimeout = 10 * time.Second

// CallResult carries the observable outcome of the outbound call for
// logging. It is informational: upstream failures are data for the
// response template, never control flow.
type CallResult struct {
	Status int
	Err    error
}

// OK reports whether the call completed with a 2xx/3xx status.
func (r CallResult) OK() bool {
	return r.Err == nil && r.Status < 400 && r.Status > 0
}

// Dispatcher turns a rule's request template bundle into exactly one
// outbound HTTP call. URL, body, header values and query-param values
// are independent template evaluations sharing one context.
type Dispatcher struct {
	renderer *Renderer
	client   *http.Client
	timeout  time.Duration
}

// NewDispatcher builds a dispatcher with a transport tuned for
// short-lived upstream calls. timeout bounds each call; zero selects
// the default.
func NewDispatcher(renderer *Renderer, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Dispatcher{
		renderer: renderer,
		client:   &http.Client{Transport: transport},
		timeout:  timeout,
	}
}

// Execute renders req against rc and performs the call. The returned
// value is the parsed response body destined for the response branch:
// a JSON object as-is, a JSON array wrapped as {"list": [...]}, and an
// empty map for anything else. Transport failures, timeouts and
// non-2xx statuses also yield the empty map, so the response template
// can decide how to react. Only template failures are returned as errors.
func (d *Dispatcher) Execute(ctx context.Context, req *model.RequestTemplate, rc *RenderContext) (any, CallResult, error) {
	target, err := d.renderer.Render("request.url", req.URLTemplate, rc)
	if err != nil {
		return nil, CallResult{}, err
	}

	if len(req.URLParams) > 0 {
		target, err = d.appendQuery(target, req.URLParams, rc)
		if err != nil {
			return nil, CallResult{}, err
		}
	}

	var body io.Reader
	hasBody := strings.TrimSpace(req.BodyTemplate) != ""
	if hasBody {
		rendered, err := d.renderer.Render("request.body", req.BodyTemplate, rc)
		if err != nil {
			return nil, CallResult{}, err
		}
		body = strings.NewReader(rendered)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, target, body)
	if err != nil {
		return emptyBody(), CallResult{Err: err}, nil
	}
	if hasBody {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for _, h := range req.Headers {
		value, err := d.renderer.Render("request.header."+h.Key, h.ValueTemplate, rc)
		if err != nil {
			return nil, CallResult{}, err
		}
		httpReq.Header.Set(h.Key, value)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return emptyBody(), CallResult{Err: err}, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return emptyBody(), CallResult{Status: resp.StatusCode, Err: err}, nil
	}
	return parseBody(data), CallResult{Status: resp.StatusCode}, nil
}

func (d *Dispatcher) appendQuery(target string, params []model.KVTemplate, rc *RenderContext) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return target, nil
	}
	q := u.Query()
	for _, p := range params {
		value, err := d.renderer.Render("request.param."+p.Key, p.ValueTemplate, rc)
		if err != nil {
			return "", err
		}
		q.Set(p.Key, value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func emptyBody() map[string]any {
	return map[string]any{}
}

// parseBody exposes whatever the upstream returned to templates. Top
// level arrays are reachable as response.list.
func parseBody(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return emptyBody()
	}
	switch t := v.(type) {
	case []any:
		return map[string]any{"list": t}
	case map[string]any:
		return t
	default:
		return emptyBody()
	}
}
