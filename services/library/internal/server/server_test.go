package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"bibliotec/internal/metrics"
	"bibliotec/internal/ratelimit"
	"bibliotec/pkg/mail"
	"bibliotec/pkg/store"
	"bibliotec/services/library/internal/app"
	"bibliotec/services/library/internal/security"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (n *fakeNotifier) Send(_ context.Context, msg mail.Message) *mail.DeliveryInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return &mail.DeliveryInfo{MessageID: "<test@bibliotec>", Recipient: msg.To, SentAt: time.Now()}
}

func (n *fakeNotifier) lastToken(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		t.Fatalf("no notification sent")
	}
	return n.sent[len(n.sent)-1].Data.Token
}

type switchableHealth struct {
	down atomic.Bool
}

func (h *switchableHealth) Ping(context.Context) error {
	if h.down.Load() {
		return store.ErrUnavailable
	}
	return nil
}

type testServer struct {
	url      string
	app      *app.App
	store    *store.MemoryStore
	notifier *fakeNotifier
	health   *switchableHealth
}

func newTestServer(t *testing.T, mutate func(*Config)) testServer {
	t.Helper()
	mem := store.NewMemoryStore()
	notifier := &fakeNotifier{}
	sessions, err := store.NewJWTSessionStore("0123456789abcdef0123456789abcdef", time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	m := metrics.New()
	core, err := app.New(app.Config{
		AppURL:     "http://localhost:3000",
		BcryptCost: bcrypt.MinCost,
		Store:      mem,
		Sessions:   sessions,
		Notifier:   notifier,
		Metrics:    m,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	health := &switchableHealth{}
	cfg := Config{
		App:        core,
		Health:     health,
		Metrics:    m,
		AppVersion: "2.1.0",
		SessionTTL: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return testServer{url: ts.URL, app: core, store: mem, notifier: notifier, health: health}
}

func (ts testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.url+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func anaBody() map[string]string {
	return map[string]string{
		"firstName": "Ana",
		"lastName":  "Ruiz",
		"grade":     "3",
		"section":   "A",
		"email":     "ana@example.com",
		"password":  "secret1",
		"code":      "123456789",
	}
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// registerConfirmed registers Ana, confirms the account and logs in.
func (ts testServer) registerConfirmed(t *testing.T) string {
	t.Helper()
	if resp, body := ts.do(t, http.MethodPost, "/user/register", anaBody(), nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", resp.StatusCode, body)
	}
	if resp, body := ts.do(t, http.MethodGet, "/user/confirm/"+ts.notifier.lastToken(t), nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d %s", resp.StatusCode, body)
	}
	resp, body := ts.do(t, http.MethodPost, "/user/login", map[string]string{"email": "ana@example.com", "password": "secret1"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %s", resp.StatusCode, body)
	}
	var out loginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return out.Token
}

func TestRegisterEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodPost, "/user/register", anaBody(), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var view map[string]any
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view["email"] != "ana@example.com" || view["confirmationPending"] != true {
		t.Fatalf("unexpected projection: %s", body)
	}
	for _, secret := range []string{"secret1", "passwordHash", ts.notifier.lastToken(t)} {
		if strings.Contains(string(body), secret) {
			t.Fatalf("projection leaks %q: %s", secret, body)
		}
	}

	resp, body = ts.do(t, http.MethodPost, "/user/register", anaBody(), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on resubmission, got %d: %s", resp.StatusCode, body)
	}
	if ts.store.UserCount() != 1 {
		t.Fatalf("expected one record, got %d", ts.store.UserCount())
	}
}

func TestRegisterEndpointValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	in := anaBody()
	in["code"] = "1234"
	resp, body := ts.do(t, http.MethodPost, "/user/register", in, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, body)
	}
	var out errorResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Fields) != 1 || out.Fields[0].Field != "code" {
		t.Fatalf("expected code field error, got %s", body)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.url+"/user/register", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", raw.StatusCode)
	}

	if resp, _ := ts.do(t, http.MethodGet, "/user/register", nil, nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if ts.store.UserCount() != 0 {
		t.Fatalf("rejected requests must not persist records")
	}
}

func TestRegisterEndpointAcceptsForm(t *testing.T) {
	ts := newTestServer(t, nil)
	form := url.Values{}
	for k, v := range anaBody() {
		form.Set(k, v)
	}
	resp, err := http.PostForm(ts.url+"/user/register", form)
	if err != nil {
		t.Fatalf("post form: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if _, ok, _ := ts.store.GetUserByEmail(context.Background(), "ana@example.com"); !ok {
		t.Fatalf("form registration not stored")
	}
}

func TestConfirmLoginAndLogout(t *testing.T) {
	ts := newTestServer(t, nil)
	if resp, body := ts.do(t, http.MethodPost, "/user/register", anaBody(), nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", resp.StatusCode, body)
	}
	creds := map[string]string{"email": "ana@example.com", "password": "secret1"}
	if resp, _ := ts.do(t, http.MethodPost, "/user/login", creds, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 before confirmation, got %d", resp.StatusCode)
	}

	token := ts.notifier.lastToken(t)
	if resp, body := ts.do(t, http.MethodGet, "/user/confirm/"+token, nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d %s", resp.StatusCode, body)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/user/confirm/"+token, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected reused token to 404, got %d", resp.StatusCode)
	}
	resp, body := ts.do(t, http.MethodGet, "/user/confirm/"+token, nil, map[string]string{"Accept": "text/html"})
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(body), "Enlace no valido") {
		t.Fatalf("expected html invalid link page, got %d: %s", resp.StatusCode, body)
	}

	if resp, _ := ts.do(t, http.MethodPost, "/user/login", map[string]string{"email": "ana@example.com", "password": "nope"}, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", resp.StatusCode)
	}
	resp, body = ts.do(t, http.MethodPost, "/user/login", creds, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %s", resp.StatusCode, body)
	}
	var login loginResponse
	if err := json.Unmarshal(body, &login); err != nil || login.Token == "" {
		t.Fatalf("decode login: %v %s", err, body)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly || cookie.Value != login.Token {
		t.Fatalf("expected HttpOnly session cookie, got %+v", cookie)
	}

	resp, body = ts.do(t, http.MethodGet, "/user/me", nil, map[string]string{"Cookie": SessionCookie + "=" + login.Token})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ana@example.com") {
		t.Fatalf("me via cookie: %d %s", resp.StatusCode, body)
	}

	if resp, _ := ts.do(t, http.MethodPost, "/user/logout", nil, bearer(login.Token)); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on logout, got %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/user/me", nil, bearer(login.Token)); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodPost, "/user/logout", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestLogoutAll(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.registerConfirmed(t)
	if resp, _ := ts.do(t, http.MethodPost, "/user/logout-all", nil, bearer(token)); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/user/me", nil, bearer(token)); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout-all, got %d", resp.StatusCode)
	}
}

func TestResendConfirmationEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	if resp, _ := ts.do(t, http.MethodPost, "/user/register", anaBody(), nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("register failed")
	}
	first := ts.notifier.lastToken(t)
	if resp, _ := ts.do(t, http.MethodPost, "/user/confirm/resend", map[string]string{"email": "ana@example.com"}, nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if ts.notifier.lastToken(t) == first {
		t.Fatalf("expected a fresh token")
	}
	if resp, _ := ts.do(t, http.MethodPost, "/user/confirm/resend", map[string]string{"email": "ghost@example.com"}, nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unknown email must look identical, got %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodPost, "/user/confirm/resend", map[string]string{"email": "bad"}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed email, got %d", resp.StatusCode)
	}
}

func TestBookEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.registerConfirmed(t)
	auth := bearer(token)
	book := map[string]any{"name": "Rayuela", "author": "Julio Cortázar", "copyCount": 2, "description": "Novela"}

	if resp, _ := ts.do(t, http.MethodGet, "/books", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodPost, "/books", book, auth); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for regular user, got %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/admin/users", nil, auth); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on admin listing, got %d", resp.StatusCode)
	}

	if err := ts.app.PromoteAdmins(context.Background(), []string{"ana@example.com"}); err != nil {
		t.Fatalf("promote: %v", err)
	}
	resp, body := ts.do(t, http.MethodPost, "/books", book, auth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create book: %d %s", resp.StatusCode, body)
	}
	var created struct {
		ID        string `json:"id"`
		CopyCount int    `json:"copyCount"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
		t.Fatalf("decode book: %v %s", err, body)
	}

	missingCount := map[string]any{"name": "Aura", "author": "Carlos Fuentes", "description": "Novela corta"}
	if resp, body := ts.do(t, http.MethodPost, "/books", missingCount, auth); resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "copyCount") {
		t.Fatalf("expected copyCount validation error, got %d %s", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodGet, "/books", nil, auth)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"count":1`) {
		t.Fatalf("list books: %d %s", resp.StatusCode, body)
	}

	book["copyCount"] = 7
	resp, body = ts.do(t, http.MethodPut, "/books/"+created.ID, book, auth)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"copyCount":7`) {
		t.Fatalf("update book: %d %s", resp.StatusCode, body)
	}
	if resp, _ := ts.do(t, http.MethodDelete, "/books/"+created.ID, nil, auth); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete book: %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/books/"+created.ID, nil, auth); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}

	resp, body = ts.do(t, http.MethodGet, "/admin/users", nil, auth)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"count":1`) {
		t.Fatalf("admin users: %d %s", resp.StatusCode, body)
	}
}

func TestReadinessGate(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.health.down.Store(true)

	if resp, _ := ts.do(t, http.MethodGet, "/healthz", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must not depend on the store, got %d", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/readyz", nil, nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503, got %d", resp.StatusCode)
	}
	resp, body := ts.do(t, http.MethodPost, "/user/register", anaBody(), nil)
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		t.Fatalf("expected JSON 503, got %d %s", resp.StatusCode, body)
	}
	resp, body = ts.do(t, http.MethodGet, "/", nil, map[string]string{"Accept": "text/html"})
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "503") {
		t.Fatalf("expected HTML 503 page, got %d %s", resp.StatusCode, body)
	}
	if ts.store.UserCount() != 0 {
		t.Fatalf("nothing may be stored while not ready")
	}

	ts.health.down.Store(false)
	if resp, _ := ts.do(t, http.MethodGet, "/readyz", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", resp.StatusCode)
	}
}

func TestLoginRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(client, "bibliotec:test:login", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ts := newTestServer(t, func(cfg *Config) { cfg.LoginLimiter = limiter })

	creds := map[string]string{"email": "ana@example.com", "password": "secret1"}
	if resp, _ := ts.do(t, http.MethodPost, "/user/login", creds, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("first request expected 401, got %d", resp.StatusCode)
	}
	resp, _ := ts.do(t, http.MethodPost, "/user/login", creds, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestFailedLoginsFeedAlerter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	alerter, err := security.NewAuditAlerter(client, "bibliotec:test:alerts")
	if err != nil {
		t.Fatalf("new alerter: %v", err)
	}
	ts := newTestServer(t, func(cfg *Config) { cfg.Alerter = alerter })

	creds := map[string]string{"email": "ana@example.com", "password": "wrong-password"}
	for i := 0; i < 3; i++ {
		if resp, _ := ts.do(t, http.MethodPost, "/user/login", creds, nil); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	}
	var counted bool
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "bibliotec:test:alerts:library.login:fail:") {
			v, err := mr.Get(key)
			if err != nil || v != "3" {
				t.Fatalf("expected 3 failures counted, got %q %v", v, err)
			}
			counted = true
		}
	}
	if !counted {
		t.Fatalf("no alert counter recorded: %v", mr.Keys())
	}
}

func TestPages(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/", "/index"} {
		resp, body := ts.do(t, http.MethodGet, path, nil, nil)
		if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
			t.Fatalf("%s: %d %s", path, resp.StatusCode, resp.Header.Get("Content-Type"))
		}
		found := false
		for _, icon := range homeIcons {
			if strings.Contains(string(body), icon) {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s: home icon missing:\n%s", path, body)
		}
	}
	resp, body := ts.do(t, http.MethodGet, "/about", nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "2.1.0") {
		t.Fatalf("about: %d %s", resp.StatusCode, body)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/missing", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" || resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("middleware headers missing: %v", resp.Header)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	if resp, _ := ts.do(t, http.MethodPost, "/user/register", anaBody(), nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("register failed")
	}
	resp, body := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	for _, want := range []string{
		`bibliotec_registrations_total{outcome="created"} 1`,
		`bibliotec_notifications_total{result="sent",template="confirmation"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without app")
	}
	ts := newTestServer(t, nil)
	if _, err := New(Config{App: ts.app}); err == nil {
		t.Fatalf("expected error without health checker")
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{app.ErrEmailAlreadyExists, "duplicate_email"},
		{app.ErrInvalidCredentials, "invalid_credentials"},
		{app.ErrEmailNotConfirmed, "email_not_confirmed"},
		{store.ErrUnavailable, "store_unavailable"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range tests {
		if got := failureReason(tc.err); got != tc.want {
			t.Fatalf("failureReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
