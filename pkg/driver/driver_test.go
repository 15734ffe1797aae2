package driver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mova-labs/ocp/pkg/contracts"
	"github.com/mova-labs/ocp/pkg/webhook"
)

func builtinsRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	r := NewRegistry(opts...)
	if err := RegisterBuiltins(r, BuiltinConfig{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return r
}

func TestRegistryListsAllBuiltins(t *testing.T) {
	r := builtinsRegistry(t)

	want := []string{
		"http",
		"http_webhook_delivery_v1",
		"noop",
		"noop_delivery_v0",
		"noop_webhook_v0",
		"restricted_shell",
	}
	got := r.List()
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGetUnknownDriver(t *testing.T) {
	r := builtinsRegistry(t)
	_, err := r.Get("teleport")
	if !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("err = %v, want ErrDriverNotFound", err)
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := builtinsRegistry(t)
	err := r.Register("noop", func() (Driver, error) { return &noopDriver{}, nil })
	if err == nil {
		t.Fatal("duplicate registration must fail")
	}
}

func TestLazyConstructionCachesInstance(t *testing.T) {
	r := NewRegistry()
	constructed := 0
	if err := r.Register("counting", func() (Driver, error) {
		constructed++
		return &noopDriver{}, nil
	}); err != nil {
		t.Fatal(err)
	}

	if constructed != 0 {
		t.Fatal("factory must not run at registration time")
	}
	if _, err := r.Get("counting"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("counting"); err != nil {
		t.Fatal(err)
	}
	if constructed != 1 {
		t.Errorf("constructed %d times, want 1", constructed)
	}
}

func TestNoopOnlyGate(t *testing.T) {
	r := builtinsRegistry(t, WithNoopOnly(true))

	if _, err := r.Get("noop"); err != nil {
		t.Errorf("noop should pass the gate: %v", err)
	}
	if _, err := r.Get("noop_delivery_v0"); err != nil {
		t.Errorf("noop_delivery_v0 should pass the gate: %v", err)
	}
	if _, err := r.Get("http"); err == nil {
		t.Error("http must be blocked under noop-only")
	}
	if _, err := r.Get("http_webhook_delivery_v1"); err == nil {
		t.Error("webhook driver must be blocked under noop-only")
	}
}

func TestNoopDriverEchoes(t *testing.T) {
	r := builtinsRegistry(t)
	d, err := r.Get("noop")
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.Execute(context.Background(), map[string]any{"message": "hi"}, ExecContext{})
	if err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" {
		t.Errorf("status = %v, want ok", out["status"])
	}
	echo, ok := out["echo"].(map[string]any)
	if !ok || echo["message"] != "hi" {
		t.Errorf("echo = %v, want input back", out["echo"])
	}
}

func TestNoopWebhookSignsWithoutSending(t *testing.T) {
	r := builtinsRegistry(t)
	d, err := r.Get("noop_webhook_v0")
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.Execute(context.Background(), map[string]any{
		"target_url":     "https://hooks.example.com/v1",
		"payload":        map[string]any{"b": 2, "a": 1},
		"signing_secret": "test_secret_v1",
	}, ExecContext{})
	if err != nil {
		t.Fatal(err)
	}
	if out["dry_run"] != true || out["delivered"] != false {
		t.Errorf("dry_run/delivered = %v/%v", out["dry_run"], out["delivered"])
	}
	headers, ok := out["headers"].(map[string]any)
	if !ok {
		t.Fatal("headers missing")
	}
	ts, _ := headers[webhook.HeaderTimestamp].(string)
	sha, _ := headers[webhook.HeaderBodySHA].(string)
	sig, _ := headers[webhook.HeaderSignature].(string)
	if !webhook.VerifySignature("test_secret_v1", ts, sha, sig) {
		t.Error("emitted headers must verify against the secret")
	}
	for _, v := range out {
		if s, ok := v.(string); ok && s == "test_secret_v1" {
			t.Error("secret leaked into driver output")
		}
	}
}

func TestHTTPDriverNormalizesTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	r := builtinsRegistry(t)
	d, err := r.Get("http")
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.Execute(context.Background(),
		map[string]any{"url": srv.URL},
		ExecContext{Limits: contracts.Limits{TimeoutMs: 50}})
	if err != nil {
		t.Fatalf("timeouts are normalized, not thrown: %v", err)
	}
	if out["status"] != http.StatusRequestTimeout {
		t.Errorf("status = %v, want 408", out["status"])
	}
	if out["body"] != "timeout" {
		t.Errorf("body = %v, want timeout", out["body"])
	}
}

func TestHTTPDriverPostsBody(t *testing.T) {
	var gotMethod, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("content-type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	r := builtinsRegistry(t)
	d, _ := r.Get("http")
	out, err := d.Execute(context.Background(),
		map[string]any{"url": srv.URL, "body": map[string]any{"k": "v"}},
		ExecContext{Limits: contracts.Limits{TimeoutMs: 2000}})
	if err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST when body present", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Errorf("content-type = %s", gotContentType)
	}
	if out["status"] != http.StatusCreated {
		t.Errorf("status = %v, want 201", out["status"])
	}
}

func TestHTTPDriverRequiresURL(t *testing.T) {
	r := builtinsRegistry(t)
	d, _ := r.Get("http")
	if _, err := d.Execute(context.Background(), map[string]any{}, ExecContext{}); err == nil {
		t.Error("missing url must error")
	}
}

func TestRestrictedShellAllowlist(t *testing.T) {
	r := builtinsRegistry(t)
	d, err := r.Get("restricted_shell")
	if err != nil {
		t.Fatal(err)
	}

	out, err := d.Execute(context.Background(),
		map[string]any{"argv": []any{"echo", "hello"}},
		ExecContext{Limits: contracts.Limits{TimeoutMs: 5000}})
	if err != nil {
		t.Fatal(err)
	}
	if out["exit_code"] != 0 {
		t.Errorf("exit_code = %v", out["exit_code"])
	}
	if out["stdout"] != "hello\n" {
		t.Errorf("stdout = %q", out["stdout"])
	}

	_, err = d.Execute(context.Background(),
		map[string]any{"argv": []any{"rm", "-rf", "/"}},
		ExecContext{})
	if err == nil {
		t.Fatal("non-allowlisted program must fail closed")
	}

	_, err = d.Execute(context.Background(), map[string]any{}, ExecContext{})
	if err == nil {
		t.Fatal("missing argv must error")
	}
}

func TestWebhookDriverDelivers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(webhook.HeaderSignature) == "" {
			t.Error("delivery must be signed")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := builtinsRegistry(t)
	d, err := r.Get("http_webhook_delivery_v1")
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.Execute(context.Background(), map[string]any{
		"target_url":     srv.URL,
		"payload":        map[string]any{"k": "v"},
		"signing_secret": "test_secret_v1",
		"timeout_ms":     2000,
	}, ExecContext{})
	if err != nil {
		t.Fatal(err)
	}
	if out["delivered"] != true {
		t.Errorf("delivered = %v, want true", out["delivered"])
	}
	if out["status"] != 200 {
		t.Errorf("status = %v, want 200", out["status"])
	}
}
