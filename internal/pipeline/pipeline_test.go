package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/fabrica/internal/session"
	"github.com/pitabwire/fabrica/model"
)

// --- test helpers ---

func testClient() *model.ClientDescriptor {
	return &model.ClientDescriptor{
		ID:      "orders",
		BaseURL: "https://api.example.com",
		Headers: map[string]string{"User-Agent": "fabrica-test"},
	}
}

func testMethod() *model.MethodDescriptor {
	return &model.MethodDescriptor{
		Ref:          "orders.get",
		ClientID:     "orders",
		Resource:     "orders",
		Name:         "get",
		Verb:         model.VerbGet,
		PathTemplate: "{order_id}",
		ResourcePath: "orders",
	}
}

func okResponse() *model.Response {
	return model.NewResponse(200,
		http.Header{"Content-Type": []string{"application/json"}},
		[]byte(`{"id":"ord-1","status":"shipped"}`),
		"https://api.example.com/orders/ord-1")
}

// mockTransport records every sent request.
type mockTransport struct {
	mu     sync.Mutex
	sent   []*model.Request
	sendFn func(ctx context.Context, req *model.Request) (*model.Response, error)
}

func (m *mockTransport) Send(ctx context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	m.sent = append(m.sent, req)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, req)
	}
	return okResponse(), nil
}

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) lastSent() *model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

type mockAuth struct {
	applyFn func(req *model.Request) (*model.Request, error)
}

func (m *mockAuth) IsAuthenticated() bool { return true }

func (m *mockAuth) Apply(req *model.Request) (*model.Request, error) {
	if m.applyFn != nil {
		return m.applyFn(req)
	}
	return req.WithAuth("Bearer test-token"), nil
}

type mockBackend struct {
	formatFn  func(req *model.Request, data map[string]any) (*model.Request, error)
	processFn func(resp *model.Response) (any, error)
}

func (m *mockBackend) Format(req *model.Request, data map[string]any) (*model.Request, error) {
	if m.formatFn != nil {
		return m.formatFn(req, data)
	}
	return req, nil
}

func (m *mockBackend) Process(resp *model.Response) (any, error) {
	if m.processFn != nil {
		return m.processFn(resp)
	}
	return resp, nil
}

type mockValidator struct {
	validateFn func(ctx context.Context, data map[string]any) (map[string]any, error)
}

func (m *mockValidator) Validate(ctx context.Context, data map[string]any) (map[string]any, error) {
	if m.validateFn != nil {
		return m.validateFn(ctx, data)
	}
	return data, nil
}

// mockObserver records invocation events.
type mockObserver struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockObserver) OnInvocation(ctx context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockObserver) lastEvent() Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return Event{}
	}
	return m.events[len(m.events)-1]
}

func newTestBinding(desc *model.MethodDescriptor, engine model.Transport) *Binding {
	return &Binding{
		Client: testClient(),
		Desc:   desc,
		Engine: engine,
	}
}

func stageOf(t *testing.T, err error) string {
	t.Helper()
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("error %v is not a StageError", err)
	}
	return stageErr.Stage
}

// --- full path ---

func TestExecute_getRequest(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	inv := model.NewInvocation(map[string]any{"status": "open"}).WithArgs("ord-1")
	result, err := x.Execute(context.Background(), newTestBinding(testMethod(), transport), inv)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	sent := transport.lastSent()
	if sent == nil {
		t.Fatal("nothing was sent")
	}
	if sent.URL != "https://api.example.com/orders/ord-1" {
		t.Errorf("URL = %q", sent.URL)
	}
	if sent.Params["status"] != "open" {
		t.Errorf("Params = %v, want status=open", sent.Params)
	}
	if _, leaked := sent.Params["order_id"]; leaked {
		t.Error("consumed path parameter leaked into query params")
	}
	if len(inv.Consumed) != 1 || inv.Consumed[0] != "order_id" {
		t.Errorf("Consumed = %v, want [order_id]", inv.Consumed)
	}

	resp, ok := result.(*model.Response)
	if !ok {
		t.Fatalf("result type = %T, want *model.Response", result)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
}

func TestExecute_postRoutesLooseFieldsToBody(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	desc := testMethod()
	desc.Ref = "orders.create"
	desc.Name = "create"
	desc.Verb = model.VerbPost
	desc.PathTemplate = ""

	inv := model.NewInvocation(map[string]any{"customer": "acme", "total": 42})
	if _, err := x.Execute(context.Background(), newTestBinding(desc, transport), inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	sent := transport.lastSent()
	body, ok := sent.JSON.(map[string]any)
	if !ok {
		t.Fatalf("JSON body type = %T", sent.JSON)
	}
	if body["customer"] != "acme" {
		t.Errorf("body = %v", body)
	}
	if len(sent.Params) != 0 {
		t.Errorf("POST routed loose fields into params: %v", sent.Params)
	}
}

// --- Step 1: Preprocess ---

func TestExecute_preprocessTransformsKwargs(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	desc := testMethod()
	desc.Pre = func(ctx context.Context, kwargs map[string]any) (map[string]any, error) {
		out := map[string]any{}
		for k, v := range kwargs {
			out[k] = v
		}
		out["page_size"] = 25
		return out, nil
	}

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	if _, err := x.Execute(context.Background(), newTestBinding(desc, transport), inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := transport.lastSent().Params["page_size"]; got != "25" {
		t.Errorf("page_size param = %q, want 25", got)
	}
}

func TestExecute_preprocessError(t *testing.T) {
	x := NewExecutor(nil)

	desc := testMethod()
	desc.Pre = func(ctx context.Context, kwargs map[string]any) (map[string]any, error) {
		return nil, model.NewBadRequestError("reject")
	}

	_, err := x.Execute(context.Background(), newTestBinding(desc, &mockTransport{}), model.NewInvocation(nil))
	if err == nil {
		t.Fatal("expected preprocess error")
	}
	if got := stageOf(t, err); got != StagePreprocess {
		t.Errorf("stage = %q, want %q", got, StagePreprocess)
	}
	if model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("code = %s", model.CodeOf(err))
	}
}

// --- Step 3: Validation ---

func TestExecute_validatorSeesResolvedKwargs(t *testing.T) {
	var seen map[string]any
	desc := testMethod()
	desc.Validator = &mockValidator{validateFn: func(ctx context.Context, data map[string]any) (map[string]any, error) {
		seen = data
		return data, nil
	}}

	x := NewExecutor(nil)
	inv := model.NewInvocation(map[string]any{"status": "open"}).WithArgs("ord-1")
	if _, err := x.Execute(context.Background(), newTestBinding(desc, &mockTransport{}), inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	// The positional argument must be resolved to its logical name before
	// validation runs.
	if seen["order_id"] != "ord-1" {
		t.Errorf("validator saw %v, want order_id=ord-1", seen)
	}
	if seen["status"] != "open" {
		t.Errorf("validator saw %v, want status=open", seen)
	}
}

func TestExecute_validationFailure(t *testing.T) {
	desc := testMethod()
	desc.Validator = &mockValidator{validateFn: func(ctx context.Context, data map[string]any) (map[string]any, error) {
		return nil, model.NewValidationFailedError([]model.FieldError{
			{Field: "status", Message: "must be one of open, closed"},
			{Field: "order_id", Message: "too short"},
		})
	}}

	x := NewExecutor(nil)
	inv := model.NewInvocation(map[string]any{"order_id": "x", "status": "bogus"})
	_, err := x.Execute(context.Background(), newTestBinding(desc, &mockTransport{}), inv)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if got := stageOf(t, err); got != StageValidate {
		t.Errorf("stage = %q, want %q", got, StageValidate)
	}
	if model.CodeOf(err) != model.ErrValidationFailed {
		t.Errorf("code = %s, want %s", model.CodeOf(err), model.ErrValidationFailed)
	}
}

func TestExecute_validatorNormalizesValues(t *testing.T) {
	transport := &mockTransport{}
	desc := testMethod()
	desc.Validator = &mockValidator{validateFn: func(ctx context.Context, data map[string]any) (map[string]any, error) {
		out := map[string]any{}
		for k, v := range data {
			out[k] = v
		}
		out["limit"] = 10
		return out, nil
	}}

	x := NewExecutor(nil)
	inv := model.NewInvocation(map[string]any{"order_id": "ord-1", "limit": "10"})
	if _, err := x.Execute(context.Background(), newTestBinding(desc, transport), inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := transport.lastSent().Params["limit"]; got != "10" {
		t.Errorf("limit param = %q", got)
	}
}

// --- Step 4: Substitution ---

func TestExecute_missingPathParam(t *testing.T) {
	x := NewExecutor(nil)

	_, err := x.Execute(context.Background(), newTestBinding(testMethod(), &mockTransport{}), model.NewInvocation(nil))
	if err == nil {
		t.Fatal("expected missing path parameter error")
	}
	if got := stageOf(t, err); got != StageSubstitute {
		t.Errorf("stage = %q, want %q", got, StageSubstitute)
	}
	if model.CodeOf(err) != model.ErrMissingPathParam {
		t.Errorf("code = %s", model.CodeOf(err))
	}
}

func TestExecute_keywordWinsOverPositional(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	inv := model.NewInvocation(map[string]any{"order_id": "kw-order"}).WithArgs("pos-order")
	if _, err := x.Execute(context.Background(), newTestBinding(testMethod(), transport), inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := transport.lastSent().URL; got != "https://api.example.com/orders/kw-order" {
		t.Errorf("URL = %q, want keyword value in path", got)
	}
}

// --- Step 6: Augmentation ---

func TestExecute_methodHeadersWin(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	desc := testMethod()
	desc.Headers = map[string]string{"Accept": "application/vnd.orders+json"}

	inv := model.NewInvocation(map[string]any{
		"order_id": "ord-1",
		"headers":  map[string]string{"Accept": "text/plain"},
	})
	if _, err := x.Execute(context.Background(), newTestBinding(desc, transport), inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := transport.lastSent().Header("Accept"); got != "application/vnd.orders+json" {
		t.Errorf("Accept = %q, want the method's static value", got)
	}
}

func TestExecute_clientDefaultsFillAbsent(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	if _, err := x.Execute(context.Background(), newTestBinding(testMethod(), transport), inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := transport.lastSent().Header("User-Agent"); got != "fabrica-test" {
		t.Errorf("User-Agent = %q, want client default", got)
	}
}

func TestExecute_clientDefaultsDoNotOverride(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	inv := model.NewInvocation(map[string]any{
		"order_id": "ord-1",
		"headers":  map[string]string{"User-Agent": "caller-agent"},
	})
	if _, err := x.Execute(context.Background(), newTestBinding(testMethod(), transport), inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := transport.lastSent().Header("User-Agent"); got != "caller-agent" {
		t.Errorf("User-Agent = %q, want caller value preserved", got)
	}
}

func TestExecute_sessionStateFillsAbsent(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	sess := session.New("orders", nil, &model.SessionDefinition{
		Persist: &model.PersistFilterDefinition{Headers: true, Cookies: true},
	})
	sess.SetHeader("X-Tenant", "acme")

	b := newTestBinding(testMethod(), transport)
	b.Session = sess

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	if _, err := x.Execute(context.Background(), b, inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := transport.lastSent().Header("X-Tenant"); got != "acme" {
		t.Errorf("X-Tenant = %q, want session value", got)
	}
}

func TestExecute_sessionCapturesCookies(t *testing.T) {
	transport := &mockTransport{sendFn: func(ctx context.Context, req *model.Request) (*model.Response, error) {
		return model.NewResponse(200,
			http.Header{"Set-Cookie": []string{"sid=abc123; Path=/"}},
			[]byte(`{}`), req.URL), nil
	}}
	x := NewExecutor(nil)

	sess := session.New("orders", nil, nil)
	b := newTestBinding(testMethod(), transport)
	b.Session = sess

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	if _, err := x.Execute(context.Background(), b, inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got, ok := sess.Cookie("sid"); !ok || got != "abc123" {
		t.Errorf("session cookie sid = %q, %v", got, ok)
	}
}

func TestExecute_authApplied(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	desc := testMethod()
	desc.RequiresAuth = true

	b := newTestBinding(desc, transport)
	b.Auth = &mockAuth{}

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	if _, err := x.Execute(context.Background(), b, inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := transport.lastSent().Header("Authorization"); got != "Bearer test-token" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestExecute_authRequiredButMissing(t *testing.T) {
	x := NewExecutor(nil)

	desc := testMethod()
	desc.RequiresAuth = true

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	_, err := x.Execute(context.Background(), newTestBinding(desc, &mockTransport{}), inv)
	if err == nil {
		t.Fatal("expected auth error")
	}
	if got := stageOf(t, err); got != StageAugment {
		t.Errorf("stage = %q, want %q", got, StageAugment)
	}
	if model.CodeOf(err) != model.ErrAuthFailed {
		t.Errorf("code = %s", model.CodeOf(err))
	}
}

func TestExecute_authNotRequiredSkipsProvider(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	applied := false
	b := newTestBinding(testMethod(), transport)
	b.Auth = &mockAuth{applyFn: func(req *model.Request) (*model.Request, error) {
		applied = true
		return req, nil
	}}

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	if _, err := x.Execute(context.Background(), b, inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if applied {
		t.Error("auth applied to a method that does not require it")
	}
}

func TestExecute_authFailure(t *testing.T) {
	x := NewExecutor(nil)

	desc := testMethod()
	desc.RequiresAuth = true

	b := newTestBinding(desc, &mockTransport{})
	b.Auth = &mockAuth{applyFn: func(req *model.Request) (*model.Request, error) {
		return nil, model.NewAuthFailedError("token expired")
	}}

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	_, err := x.Execute(context.Background(), b, inv)
	if err == nil {
		t.Fatal("expected auth error")
	}
	if model.CodeOf(err) != model.ErrAuthFailed {
		t.Errorf("code = %s", model.CodeOf(err))
	}
}

// --- Step 7: Backend formatting ---

func TestExecute_backendFormatsRequest(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	var sawData map[string]any
	b := newTestBinding(testMethod(), transport)
	b.Backend = &mockBackend{formatFn: func(req *model.Request, data map[string]any) (*model.Request, error) {
		sawData = data
		return req.WithURL("https://gateway.example.com/proxy"), nil
	}}

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1", "status": "open"})
	if _, err := x.Execute(context.Background(), b, inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := transport.lastSent().URL; got != "https://gateway.example.com/proxy" {
		t.Errorf("URL = %q, want the backend rewrite", got)
	}
	// The backend sees the leftover kwargs, not the consumed path names.
	if _, ok := sawData["order_id"]; ok {
		t.Errorf("backend data contains consumed name: %v", sawData)
	}
	if sawData["status"] != "open" {
		t.Errorf("backend data = %v", sawData)
	}
}

func TestExecute_backendConfiguredButMissing(t *testing.T) {
	x := NewExecutor(nil)

	b := newTestBinding(testMethod(), &mockTransport{})
	b.Client.Backend = &model.BackendDefinition{Type: "gateway"}

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	_, err := x.Execute(context.Background(), b, inv)
	if err == nil {
		t.Fatal("expected no backend error")
	}
	if got := stageOf(t, err); got != StageFormat {
		t.Errorf("stage = %q, want %q", got, StageFormat)
	}
	if model.CodeOf(err) != model.ErrNoBackend {
		t.Errorf("code = %s", model.CodeOf(err))
	}
}

// --- Step 8: Dry run ---

func TestExecute_noExecNeverSends(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1", "status": "open"}).WithNoExec()
	result, err := x.Execute(context.Background(), newTestBinding(testMethod(), transport), inv)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(transport.sent) != 0 {
		t.Fatalf("dry run touched the transport: %d sends", len(transport.sent))
	}

	req, ok := result.(*model.Request)
	if !ok {
		t.Fatalf("result type = %T, want *model.Request", result)
	}
	if req.URL != "https://api.example.com/orders/ord-1" {
		t.Errorf("URL = %q", req.URL)
	}
	if req.Params["status"] != "open" {
		t.Errorf("Params = %v", req.Params)
	}
}

func TestExecute_noExecWorksWithoutEngine(t *testing.T) {
	x := NewExecutor(nil)

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"}).WithNoExec()
	result, err := x.Execute(context.Background(), newTestBinding(testMethod(), nil), inv)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if _, ok := result.(*model.Request); !ok {
		t.Fatalf("result type = %T", result)
	}
}

func TestBuildRequest(t *testing.T) {
	transport := &mockTransport{}
	x := NewExecutor(nil)

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	req, err := x.BuildRequest(context.Background(), newTestBinding(testMethod(), transport), inv)
	if err != nil {
		t.Fatalf("BuildRequest error: %v", err)
	}
	if req.URL != "https://api.example.com/orders/ord-1" {
		t.Errorf("URL = %q", req.URL)
	}
	if len(transport.sent) != 0 {
		t.Error("BuildRequest touched the transport")
	}
	if len(inv.Consumed) != 1 || inv.Consumed[0] != "order_id" {
		t.Errorf("Consumed = %v", inv.Consumed)
	}
	if inv.NoExec {
		t.Error("BuildRequest mutated the caller's NoExec flag")
	}
}

// --- Step 9: Send ---

func TestExecute_noEngine(t *testing.T) {
	x := NewExecutor(nil)

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	_, err := x.Execute(context.Background(), newTestBinding(testMethod(), nil), inv)
	if err == nil {
		t.Fatal("expected no engine error")
	}
	if got := stageOf(t, err); got != StageSend {
		t.Errorf("stage = %q, want %q", got, StageSend)
	}
	if model.CodeOf(err) != model.ErrNoEngine {
		t.Errorf("code = %s", model.CodeOf(err))
	}
}

func TestExecute_sendFailure(t *testing.T) {
	transport := &mockTransport{sendFn: func(ctx context.Context, req *model.Request) (*model.Response, error) {
		return nil, model.NewSendFailedError(errors.New("connection refused"))
	}}
	x := NewExecutor(nil)

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	_, err := x.Execute(context.Background(), newTestBinding(testMethod(), transport), inv)
	if err == nil {
		t.Fatal("expected send error")
	}
	if got := stageOf(t, err); got != StageSend {
		t.Errorf("stage = %q, want %q", got, StageSend)
	}
	if model.CodeOf(err) != model.ErrSendFailed {
		t.Errorf("code = %s", model.CodeOf(err))
	}
}

// --- Step 10: Backend processing ---

func TestExecute_backendProcessesResponse(t *testing.T) {
	x := NewExecutor(nil)

	b := newTestBinding(testMethod(), &mockTransport{})
	b.Backend = &mockBackend{processFn: func(resp *model.Response) (any, error) {
		return map[string]any{"unwrapped": true}, nil
	}}

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	result, err := x.Execute(context.Background(), b, inv)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	out, ok := result.(map[string]any)
	if !ok || out["unwrapped"] != true {
		t.Errorf("result = %v (%T)", result, result)
	}
}

func TestExecute_processError(t *testing.T) {
	x := NewExecutor(nil)

	b := newTestBinding(testMethod(), &mockTransport{})
	b.Backend = &mockBackend{processFn: func(resp *model.Response) (any, error) {
		return nil, model.NewBadRequestError("malformed envelope")
	}}

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	_, err := x.Execute(context.Background(), b, inv)
	if err == nil {
		t.Fatal("expected process error")
	}
	if got := stageOf(t, err); got != StageProcess {
		t.Errorf("stage = %q, want %q", got, StageProcess)
	}
}

// --- Step 11: Postprocess ---

func TestExecute_postprocessAppliedLast(t *testing.T) {
	x := NewExecutor(nil)

	desc := testMethod()
	desc.Post = func(ctx context.Context, result any) (any, error) {
		resp, ok := result.(*model.Response)
		if !ok {
			t.Fatalf("post received %T", result)
		}
		return resp.StatusCode, nil
	}

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	result, err := x.Execute(context.Background(), newTestBinding(desc, &mockTransport{}), inv)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result != 200 {
		t.Errorf("result = %v", result)
	}
}

func TestExecute_postprocessError(t *testing.T) {
	x := NewExecutor(nil)

	desc := testMethod()
	desc.Post = func(ctx context.Context, result any) (any, error) {
		return nil, errors.New("extract failed")
	}

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	_, err := x.Execute(context.Background(), newTestBinding(desc, &mockTransport{}), inv)
	if err == nil {
		t.Fatal("expected postprocess error")
	}
	if got := stageOf(t, err); got != StagePostprocess {
		t.Errorf("stage = %q, want %q", got, StagePostprocess)
	}
}

// --- observers ---

func TestExecute_observerReceivesEvent(t *testing.T) {
	obs := &mockObserver{}
	x := NewExecutor(nil, WithObserver(obs))

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	if _, err := x.Execute(context.Background(), newTestBinding(testMethod(), &mockTransport{}), inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	ev := obs.lastEvent()
	if ev.ClientID != "orders" || ev.MethodRef != "orders.get" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Status != 200 {
		t.Errorf("Status = %d", ev.Status)
	}
	if ev.Err != nil {
		t.Errorf("Err = %v", ev.Err)
	}
	if ev.Duration <= 0 {
		t.Error("Duration not recorded")
	}
}

func TestExecute_observerSeesFailure(t *testing.T) {
	obs := &mockObserver{}
	x := NewExecutor(nil, WithObserver(obs))

	_, err := x.Execute(context.Background(), newTestBinding(testMethod(), &mockTransport{}), model.NewInvocation(nil))
	if err == nil {
		t.Fatal("expected error")
	}

	ev := obs.lastEvent()
	if ev.Err == nil {
		t.Fatal("event carries no error")
	}
	if model.CodeOf(ev.Err) != model.ErrMissingPathParam {
		t.Errorf("event error code = %s", model.CodeOf(ev.Err))
	}
}

func TestExecute_observerSeesDryRun(t *testing.T) {
	obs := &mockObserver{}
	x := NewExecutor(nil, WithObserver(obs))

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"}).WithNoExec()
	if _, err := x.Execute(context.Background(), newTestBinding(testMethod(), &mockTransport{}), inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	ev := obs.lastEvent()
	if !ev.NoExec {
		t.Error("NoExec = false")
	}
	if ev.Status != 0 {
		t.Errorf("Status = %d, want 0 for a dry run", ev.Status)
	}
}

// --- stage errors ---

func TestStageError_message(t *testing.T) {
	err := fail(StageSend, model.NewNoEngineError("orders"))
	want := "stage send: "
	if got := err.Error(); len(got) < len(want) || got[:len(want)] != want {
		t.Errorf("Error() = %q", got)
	}
}

func TestStageError_unwrapPreservesCode(t *testing.T) {
	err := fail(StageValidate, model.NewValidationFailedError([]model.FieldError{{Field: "a", Message: "bad"}}))

	if model.CodeOf(err) != model.ErrValidationFailed {
		t.Errorf("code through wrapper = %s", model.CodeOf(err))
	}
	var envErr *model.ErrorEnvelope
	if !errors.As(err, &envErr) {
		t.Fatal("envelope not reachable through StageError")
	}
}

// --- invocation isolation ---

func TestExecute_callerKwargsNeverMutated(t *testing.T) {
	x := NewExecutor(nil)

	kwargs := map[string]any{"order_id": "ord-1", "status": "open"}
	inv := model.NewInvocation(kwargs)
	if _, err := x.Execute(context.Background(), newTestBinding(testMethod(), &mockTransport{}), inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	if len(kwargs) != 2 || kwargs["order_id"] != "ord-1" || kwargs["status"] != "open" {
		t.Errorf("caller kwargs mutated: %v", kwargs)
	}
}

func TestExecute_timing(t *testing.T) {
	transport := &mockTransport{sendFn: func(ctx context.Context, req *model.Request) (*model.Response, error) {
		time.Sleep(5 * time.Millisecond)
		return okResponse(), nil
	}}
	obs := &mockObserver{}
	x := NewExecutor(nil, WithObserver(obs))

	inv := model.NewInvocation(map[string]any{"order_id": "ord-1"})
	if _, err := x.Execute(context.Background(), newTestBinding(testMethod(), transport), inv); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if obs.lastEvent().Duration < 5*time.Millisecond {
		t.Errorf("Duration = %v, want at least the send latency", obs.lastEvent().Duration)
	}
}
