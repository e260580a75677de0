// Package gateway is the typed boundary to the judge evaluation API. Every
// call returns a decoded value or an *Error classifying the failure; retries
// are left to the caller.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"judge-console/internal/auth"
	"judge-console/internal/metrics"
)

const maxBodyBytes = 10 << 20

type Client struct {
	base  *url.URL
	token string
	httpc *http.Client
}

type Option func(*Client)

func WithToken(tok string) Option {
	return func(c *Client) { c.token = tok }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.httpc
		hc.Timeout = d
		c.httpc = &hc
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	c := &Client{base: u, httpc: &http.Client{Timeout: 12 * time.Second}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type call struct {
	op     string
	method string
	segs   []string
	query  url.Values
	body   any
}

func (cl call) path() string {
	return "/" + strings.Join(cl.segs, "/")
}

// rawPath escapes each segment on its own so an id containing '/' stays a
// single path segment.
func (cl call) rawPath() string {
	esc := make([]string, len(cl.segs))
	for i, s := range cl.segs {
		esc[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(esc, "/")
}

// do performs the call and returns the fully read body of a 2xx response.
func (c *Client) do(ctx context.Context, cl call) (_ []byte, err error) {
	reqID := uuid.NewString()
	tr := otel.Tracer("judge-console/gateway", trace.WithInstrumentationVersion("1.0.0"))
	ctx, span := tr.Start(ctx, "gateway."+cl.op, trace.WithAttributes(
		attribute.String("http.method", cl.method),
		attribute.String("http.path", cl.path()),
		attribute.String("request_id", reqID),
	))
	start := time.Now()
	log := clog.FromContext(ctx).With("op", cl.op).With("request_id", reqID)
	defer func() {
		outcome := metrics.OK
		if err != nil {
			outcome = KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Debug("api call failed", "error", err)
		}
		metrics.GatewayRequests.WithLabelValues(cl.op, outcome).Inc()
		metrics.GatewayLatency.WithLabelValues(cl.op).Observe(time.Since(start).Seconds())
		span.End()
	}()

	u := *c.base
	u.Path = c.base.Path + cl.path()
	u.RawPath = c.base.EscapedPath() + cl.rawPath()
	if len(cl.query) > 0 {
		u.RawQuery = cl.query.Encode()
	}

	var r io.Reader
	if cl.body != nil {
		b, err := json.Marshal(cl.body)
		if err != nil {
			return nil, &Error{Kind: KindInvalid, Op: cl.op, Message: "encode request", Err: err}
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u.String(), r)
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Op: cl.op, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", reqID)
	auth.SetBearer(req, c.token)

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: cl.op, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: cl.op, Status: res.StatusCode, Message: "read response body", Err: err}
	}
	if len(body) > maxBodyBytes {
		return nil, &Error{Kind: KindDecode, Op: cl.op, Status: res.StatusCode, Message: "response body exceeds limit"}
	}
	log.Debug("api call", "method", cl.method, "path", cl.path(), "status", res.StatusCode, "elapsed", time.Since(start))

	if res.StatusCode/100 != 2 {
		return nil, &Error{Kind: classify(res.StatusCode), Op: cl.op, Status: res.StatusCode, Message: errorMessage(res.StatusCode, body)}
	}
	return body, nil
}

func errorMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > 512 {
			text = text[:512] + "..."
		}
		return text
	}
	return fmt.Sprintf("HTTP %d", status)
}

func decode[T any](op string, body []byte) (T, error) {
	var out T
	if len(bytes.TrimSpace(body)) == 0 {
		return out, &Error{Kind: KindDecode, Op: op, Message: "empty response body"}
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, &Error{Kind: KindDecode, Op: op, Message: "decode response", Err: err}
	}
	return out, nil
}

// decodeID accepts either a JSON string or a bare text body.
func decodeID(op string, body []byte) (string, error) {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return "", &Error{Kind: KindDecode, Op: op, Message: "decode id", Err: err}
		}
		text = strings.TrimSpace(s)
	}
	if text == "" {
		return "", &Error{Kind: KindDecode, Op: op, Message: "empty id in response"}
	}
	if strings.ContainsAny(text, "{}[] \t\n") {
		return "", &Error{Kind: KindDecode, Op: op, Message: fmt.Sprintf("unexpected id %q", text)}
	}
	return text, nil
}

func get[T any](ctx context.Context, c *Client, op string, query url.Values, segs ...string) (T, error) {
	body, err := c.do(ctx, call{op: op, method: http.MethodGet, segs: segs, query: query})
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](op, body)
}
