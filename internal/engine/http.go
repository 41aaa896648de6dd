// Package engine sends outbound requests over HTTP. Each engine owns a
// tuned connection pool and a circuit breaker, retries idempotent verbs
// with exponential backoff, and caps response body size.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/fabrica/internal/observability"
	"github.com/pitabwire/fabrica/internal/request"
	"github.com/pitabwire/fabrica/model"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultMaxConnsPerHost = 50
	defaultBackoffInitial  = 100 * time.Millisecond
	defaultBackoffMax      = 2 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 10 << 20
)

// CorrelationHeader carries the invocation's correlation ID to the remote
// service.
const CorrelationHeader = "X-Correlation-Id"

var errRetryableStatus = errors.New("retryable status")

// Engine is a model.Transport on net/http. It is safe for concurrent use.
type Engine struct {
	settings  model.EngineSettings
	client    *http.Client
	transport *http.Transport
	breaker   *Breaker
	logger    *zap.Logger
	onRetry   func(host string)
}

var _ model.Transport = (*Engine)(nil)

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithLogger sets the logger used for retry and send diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRetryHook registers a callback invoked before each retry attempt.
func WithRetryHook(fn func(host string)) Option {
	return func(e *Engine) { e.onRetry = fn }
}

// New creates an engine tuned by the given settings. Zero-valued settings
// select the package defaults.
func New(settings model.EngineSettings, opts ...Option) *Engine {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxConns := settings.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = defaultMaxConnsPerHost
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     maxConns,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	e := &Engine{
		settings:  settings,
		transport: transport,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		breaker: NewBreaker(settings.BreakerThreshold, settings.BreakerCooldown),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send executes the request. Idempotent verbs are retried on connection
// errors and retryable statuses with exponential backoff; when retries are
// exhausted on a retryable status, the last response is returned rather
// than an error.
func (e *Engine) Send(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	fullURL, err := request.FullURL(req)
	if err != nil {
		return nil, err
	}
	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	maxRetries := e.settings.MaxRetries
	canRetry := maxRetries > 0 && idempotentVerb(req.Verb)

	var resp *model.Response
	var sendErr error
	attempt := 0

	operation := func() error {
		attempt++
		r, err := e.sendOnce(ctx, req, fullURL, body, contentType)
		if err != nil {
			sendErr = err
			if !canRetry || !retryableError(err) {
				return backoff.Permanent(err)
			}
			e.noteRetry(fullURL)
			e.logger.Debug("retrying after error",
				zap.Int("attempt", attempt),
				zap.String("verb", req.Verb),
				zap.String("url", fullURL),
				zap.Error(err),
			)
			return err
		}
		resp, sendErr = r, nil
		if canRetry && retryableStatus(r.StatusCode) {
			e.noteRetry(fullURL)
			e.logger.Debug("retrying after status",
				zap.Int("attempt", attempt),
				zap.Int("status", r.StatusCode),
			)
			return errRetryableStatus
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.settings.BackoffInitial
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = defaultBackoffInitial
	}
	policy.MaxInterval = e.settings.BackoffMax
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = defaultBackoffMax
	}
	policy.MaxElapsedTime = 0

	retries := 0
	if canRetry {
		retries = maxRetries
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)

	if err := backoff.Retry(operation, b); err != nil {
		if sendErr != nil {
			return nil, sendErr
		}
		if resp == nil {
			return nil, model.NewSendFailedError(err)
		}
		// Retries exhausted on a retryable status; the caller gets the
		// last response and decides what a 5xx means.
	}
	return resp, nil
}

// sendOnce performs a single HTTP exchange with circuit breaker protection.
func (e *Engine) sendOnce(ctx context.Context, req *model.Request, fullURL string, body []byte, contentType string) (*model.Response, error) {
	if !e.breaker.Allow() {
		return nil, model.NewCircuitOpenError(hostOf(fullURL))
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Verb, fullURL, reader)
	if err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("building request for %q: %v", fullURL, err))
	}
	e.applyHeaders(ctx, httpReq, req, contentType)

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		e.breaker.RecordFailure()
		return nil, model.NewSendFailedError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		e.breaker.RecordFailure()
		return nil, model.NewSendFailedError(err)
	}

	// 4xx statuses are not infrastructure failures and leave the breaker
	// counters untouched.
	if httpResp.StatusCode >= 500 {
		e.breaker.RecordFailure()
	} else if httpResp.StatusCode < 400 {
		e.breaker.RecordSuccess()
	}

	return model.NewResponse(httpResp.StatusCode, httpResp.Header.Clone(), respBody, fullURL), nil
}

// noteRetry reports one retry attempt to the hook, if any.
func (e *Engine) noteRetry(fullURL string) {
	if e.onRetry != nil {
		e.onRetry(hostOf(fullURL))
	}
}

// applyHeaders writes defaults first and the request's own headers last, so
// a request can override any default.
func (e *Engine) applyHeaders(ctx context.Context, httpReq *http.Request, req *model.Request, contentType string) {
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	correlationID := ""
	if scope := model.CallScopeFrom(ctx); scope != nil {
		correlationID = scope.CorrelationID
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	httpReq.Header.Set(CorrelationHeader, sanitizeHeader(correlationID))

	for k, v := range req.Headers {
		httpReq.Header.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	for name, value := range req.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

// Get sends a GET request to the URL with optional query parameters.
func (e *Engine) Get(ctx context.Context, rawURL string, params map[string]string) (*model.Response, error) {
	req := model.NewRequest(model.VerbGet, rawURL)
	if len(params) > 0 {
		req = req.WithParams(params)
	}
	return e.Send(ctx, req)
}

// Post sends a POST request with a JSON body.
func (e *Engine) Post(ctx context.Context, rawURL string, body any) (*model.Response, error) {
	return e.Send(ctx, model.NewRequest(model.VerbPost, rawURL).WithJSON(body))
}

// Put sends a PUT request with a JSON body.
func (e *Engine) Put(ctx context.Context, rawURL string, body any) (*model.Response, error) {
	return e.Send(ctx, model.NewRequest(model.VerbPut, rawURL).WithJSON(body))
}

// Patch sends a PATCH request with a JSON body.
func (e *Engine) Patch(ctx context.Context, rawURL string, body any) (*model.Response, error) {
	return e.Send(ctx, model.NewRequest(model.VerbPatch, rawURL).WithJSON(body))
}

// Delete sends a DELETE request.
func (e *Engine) Delete(ctx context.Context, rawURL string) (*model.Response, error) {
	return e.Send(ctx, model.NewRequest(model.VerbDelete, rawURL))
}

// Head sends a HEAD request.
func (e *Engine) Head(ctx context.Context, rawURL string) (*model.Response, error) {
	return e.Send(ctx, model.NewRequest(model.VerbHead, rawURL))
}

// Breaker exposes the engine's circuit breaker for diagnostics.
func (e *Engine) Breaker() *Breaker {
	return e.breaker
}

// Close releases idle connections. The engine stays usable afterwards.
func (e *Engine) Close() error {
	e.transport.CloseIdleConnections()
	return nil
}

// encodeBody serializes the request payload and reports its content type.
// Files win over json and form data; json and form data never coexist on a
// valid request.
func encodeBody(req *model.Request) ([]byte, string, error) {
	switch {
	case len(req.Files) > 0:
		return encodeMultipart(req)
	case req.JSON != nil:
		raw, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, "", model.NewBadRequestError(fmt.Sprintf("marshaling json body: %v", err))
		}
		return raw, "application/json", nil
	case len(req.Data) > 0:
		form := url.Values{}
		for k, v := range req.Data {
			form.Set(k, v)
		}
		return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
	default:
		return nil, "", nil
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeMultipart(req *model.Request) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	// Deterministic part order keeps payloads reproducible.
	fields := make([]string, 0, len(req.Data))
	for k := range req.Data {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, k := range fields {
		if err := writer.WriteField(k, req.Data[k]); err != nil {
			return nil, "", model.NewBadRequestError(fmt.Sprintf("writing form field %q: %v", k, err))
		}
	}

	names := make([]string, 0, len(req.Files))
	for k := range req.Files {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		file := req.Files[name]
		filename := file.Filename
		if filename == "" {
			filename = name
		}
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`,
			quoteEscaper.Replace(name), quoteEscaper.Replace(filename)))
		header.Set("Content-Type", contentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", model.NewBadRequestError(fmt.Sprintf("creating part %q: %v", name, err))
		}
		if _, err := part.Write(file.Content); err != nil {
			return nil, "", model.NewBadRequestError(fmt.Sprintf("writing part %q: %v", name, err))
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", model.NewBadRequestError(fmt.Sprintf("closing multipart body: %v", err))
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

// sanitizeHeader strips newlines and carriage returns to prevent header
// injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

func idempotentVerb(verb string) bool {
	switch verb {
	case model.VerbGet, model.VerbPut, model.VerbDelete,
		model.VerbHead, model.VerbOptions:
		return true
	}
	return false
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryableError reports whether another attempt could help. An open
// circuit and a dead context never recover within this send.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if model.IsCode(err, model.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
