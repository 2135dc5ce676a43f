package portainer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
)

const (
	apiPrefix       = "/api"
	maxResponseBody = 4 << 20
	// maxErrorBody bounds how much of a failed response ends up in an error message.
	maxErrorBody = 512
)

// Options configures a Transport.
type Options struct {
	BaseURL            string
	Timeout            time.Duration
	CACert             string
	InsecureSkipVerify bool
	ReadRetries        uint64
	RetryBackoff       time.Duration
	Logger             *zap.Logger

	// HTTPClient replaces the client built from the TLS and timeout options.
	HTTPClient *http.Client
}

// Transport issues HTTP requests against the control plane API and maps
// failures onto the domain error classes.
type Transport struct {
	baseURL *url.URL
	client  *http.Client
	retries uint64
	backoff time.Duration
	logger  *zap.Logger
}

// Request describes a single API call. Path is relative to the API root.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any

	// Session authorizes the request. Nil for unauthenticated calls.
	Session *Session

	// ByID marks requests addressed by a stack identifier, where a 404 means
	// the object itself is gone.
	ByID bool
}

// Response is a successful API response.
type Response struct {
	StatusCode int
	Body       []byte
}

// NewTransport creates a new Transport.
func NewTransport(opts Options) (*Transport, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, apiPrefix) {
		base.Path += apiPrefix
	}

	client := opts.HTTPClient
	if client == nil {
		client, err = newHTTPClient(opts)
		if err != nil {
			return nil, err
		}
	}

	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Transport{
		baseURL: base,
		client:  client,
		retries: opts.ReadRetries,
		backoff: backoff,
		logger:  logger,
	}, nil
}

func newHTTPClient(opts Options) (*http.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	if opts.CACert != "" {
		pem, err := os.ReadFile(opts.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CACert)
		}
		tlsConfig.RootCAs = pool
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:       tlsConfig,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
		},
	}, nil
}

// Do sends the request. GET requests are retried on transient failures with
// exponential backoff; every other method is sent exactly once.
func (t *Transport) Do(ctx context.Context, r Request) (*Response, error) {
	if r.Method != http.MethodGet {
		return t.do(ctx, r)
	}

	var resp *Response
	attempt := 0
	backoff := retry.WithMaxRetries(t.retries, retry.NewExponential(t.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		var err error
		resp, err = t.do(ctx, r)
		if err != nil && isTransient(err) {
			t.logger.Debug("Retrying read after transient failure",
				zap.String("path", r.Path),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		// Cancellation between attempts surfaces as a bare context error.
		var apiErr *domain.APIError
		if !errors.As(err, &apiErr) {
			err = &domain.APIError{Kind: domain.ErrTransport, Method: r.Method, Path: apiPrefix + r.Path, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

func (t *Transport) do(ctx context.Context, r Request) (*Response, error) {
	path := apiPrefix + r.Path
	fail := func(kind error, status int, err error) *domain.APIError {
		return &domain.APIError{Kind: kind, Method: r.Method, Path: path, StatusCode: status, Err: err}
	}

	var body io.Reader
	if r.Body != nil {
		data, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fail(domain.ErrValidation, 0, fmt.Errorf("encoding request body: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, t.endpoint(r.Path, r.Query), body)
	if err != nil {
		return nil, fail(domain.ErrTransport, 0, fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Session != nil {
		if err := r.Session.authorize(req); err != nil {
			return nil, fail(domain.ErrAuth, 0, err)
		}
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fail(domain.ErrTransport, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fail(domain.ErrTransport, resp.StatusCode, fmt.Errorf("reading response: %w", err))
	}

	t.logger.Debug("Control plane call",
		zap.String("method", r.Method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{StatusCode: resp.StatusCode, Body: data}, nil
	}

	apiErr := fail(classifyStatus(resp.StatusCode, r.ByID), resp.StatusCode, nil)
	apiErr.Message = errorMessage(data)
	if apiErr.Message == "" {
		apiErr.Body = truncate(strings.TrimSpace(string(data)), maxErrorBody)
	}
	return nil, apiErr
}

func (t *Transport) endpoint(path string, query url.Values) string {
	u := *t.baseURL
	u.Path = t.baseURL.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// classifyStatus maps a non-2xx HTTP status to an error class.
func classifyStatus(status int, byID bool) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ErrAuth
	case status == http.StatusNotFound && byID:
		return domain.ErrNotFound
	case status == http.StatusConflict:
		return domain.ErrConflict
	case status == http.StatusNotFound:
		return domain.ErrTransport
	case status >= 400 && status < 500:
		return domain.ErrValidation
	default:
		return domain.ErrTransport
	}
}

// isTransient reports whether a failed call may succeed when repeated.
func isTransient(err error) bool {
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || !errors.Is(apiErr.Kind, domain.ErrTransport) {
		return false
	}
	if apiErr.StatusCode >= 500 {
		return true
	}
	if apiErr.Err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(apiErr.Err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(apiErr.Err, syscall.ECONNRESET) ||
		errors.Is(apiErr.Err, syscall.ECONNREFUSED) ||
		errors.Is(apiErr.Err, io.ErrUnexpectedEOF) ||
		errors.Is(apiErr.Err, io.EOF)
}

// errorMessage extracts the message from a control plane error body of the
// form {"message": "...", "details": "..."}.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	switch {
	case payload.Message != "" && payload.Details != "" && payload.Details != payload.Message:
		return payload.Message + ": " + payload.Details
	case payload.Message != "":
		return payload.Message
	default:
		return payload.Details
	}
}

// decodeJSON decodes a response body into v. Anything that is not the
// expected JSON shape is a validation failure.
func decodeJSON(r Request, resp *Response, v any) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return &domain.APIError{
			Kind:       domain.ErrValidation,
			Method:     r.Method,
			Path:       apiPrefix + r.Path,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(resp.Body), maxErrorBody),
			Err:        fmt.Errorf("unexpected response shape: %w", err),
		}
	}
	return nil
}

// shapeError reports a response that decoded but lacks a required field.
func shapeError(r Request, resp *Response, field string) error {
	return &domain.APIError{
		Kind:       domain.ErrValidation,
		Method:     r.Method,
		Path:       apiPrefix + r.Path,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("unexpected response shape: missing %s", field),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
