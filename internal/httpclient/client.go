package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Response is the outcome of a single completed HTTP call. Latency covers
// request start through the last body byte.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Latency time.Duration
}

// Request describes one HTTP call. Timeout, when positive, bounds this call
// only and is independent of the run deadline.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// Client issues instrumented HTTP requests on behalf of virtual users. It is
// safe for concurrent use; all VUs share one transport so connection pooling
// works across the whole run.
type Client struct {
	http *http.Client
}

// New builds a client tuned for load generation: generous idle pools, HTTP/2
// where the target supports it. timeout is the default per-call bound; zero
// means no default.
func New(timeout time.Duration) *Client {
	if timeout < 0 {
		timeout = 0
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// Do executes the request and drains the full body so the recorded latency
// includes transfer time. Connection errors and timeouts are returned as
// errors with the elapsed time still filled in on the (partial) response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, value := range req.Headers {
		if strings.ContainsAny(key, "\r\n") || strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("invalid header %q", key)
		}
		httpReq.Header.Set(key, value)
	}
	if req.Body != "" {
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(req.Body)), nil
		}
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return &Response{Latency: time.Since(start)}, err
	}
	defer httpResp.Body.Close()

	var buf bytes.Buffer
	_, readErr := io.Copy(&buf, httpResp.Body)
	latency := time.Since(start)

	resp := &Response{
		Status:  httpResp.StatusCode,
		Header:  httpResp.Header,
		Body:    buf.Bytes(),
		Latency: latency,
	}
	if readErr != nil {
		return resp, fmt.Errorf("read body: %w", readErr)
	}
	return resp, nil
}

// BytesSent estimates the request payload size for the data_sent counter.
func (r Request) BytesSent() int64 {
	return int64(len(r.Body))
}

// IsTimeout reports whether err represents a per-call or run deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
