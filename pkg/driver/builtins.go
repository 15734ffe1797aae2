package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mova-labs/ocp/pkg/canonical"
	"github.com/mova-labs/ocp/pkg/webhook"
)

// Built-in driver names.
const (
	NameNoop            = "noop"
	NameHTTP            = "http"
	NameRestrictedShell = "restricted_shell"
	NameNoopDeliveryV0  = "noop_delivery_v0"
	NameNoopWebhookV0   = "noop_webhook_v0"
	NameWebhookV1       = "http_webhook_delivery_v1"
)

// BuiltinConfig carries the shared dependencies of the built-in drivers.
type BuiltinConfig struct {
	HTTPClient *http.Client
	Sender     *webhook.Sender
	Now        func() time.Time
}

// RegisterBuiltins wires the six built-in drivers. Called explicitly at
// startup; nothing registers itself via init.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Sender == nil {
		cfg.Sender = webhook.NewSender(webhook.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	builtins := map[string]Factory{
		NameNoop:            func() (Driver, error) { return &noopDriver{}, nil },
		NameNoopDeliveryV0:  func() (Driver, error) { return &noopDeliveryDriver{}, nil },
		NameNoopWebhookV0:   func() (Driver, error) { return &noopWebhookDriver{now: cfg.Now}, nil },
		NameHTTP:            func() (Driver, error) { return &httpDriver{client: cfg.HTTPClient}, nil },
		NameRestrictedShell: func() (Driver, error) { return &shellDriver{}, nil },
		NameWebhookV1:       func() (Driver, error) { return &webhookDriver{sender: cfg.Sender}, nil },
	}
	for name, f := range builtins {
		if err := r.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

// noopDriver echoes its input without side effects.
type noopDriver struct{}

func (d *noopDriver) Execute(ctx context.Context, input map[string]any, ec ExecContext) (map[string]any, error) {
	return map[string]any{
		"status": "ok",
		"driver": NameNoop,
		"echo":   input,
	}, nil
}

// noopDeliveryDriver stands in for a delivery without touching the network.
type noopDeliveryDriver struct{}

func (d *noopDeliveryDriver) Execute(ctx context.Context, input map[string]any, ec ExecContext) (map[string]any, error) {
	return map[string]any{
		"driver":     NameNoopDeliveryV0,
		"dry_run":    true,
		"delivered":  false,
		"target_url": getString(input, "target_url"),
	}, nil
}

// noopWebhookDriver performs the full signing path of the webhook driver but
// never sends. The output carries the headers a real send would have used,
// which is what staging runs diff against; the secret itself never appears.
type noopWebhookDriver struct {
	now func() time.Time
}

func (d *noopWebhookDriver) Execute(ctx context.Context, input map[string]any, ec ExecContext) (map[string]any, error) {
	body, err := canonical.Bytes(input["payload"])
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	bodySHA := canonical.HashBytes(body)
	ts := strconv.FormatInt(d.now().UnixMilli(), 10)
	sig := webhook.Sign(getString(input, "signing_secret"), ts, bodySHA)

	return map[string]any{
		"driver":      NameNoopWebhookV0,
		"dry_run":     true,
		"delivered":   false,
		"target_url":  getString(input, "target_url"),
		"body_sha256": bodySHA,
		"headers": map[string]any{
			webhook.HeaderTimestamp: ts,
			webhook.HeaderBodySHA:   bodySHA,
			webhook.HeaderSignature: sig,
		},
	}, nil
}

// httpDriver issues a plain HTTP request. Transport failures are normalized
// into statuses at this boundary, matching the webhook driver: timeout
// becomes 408, other transport errors 500.
type httpDriver struct {
	client *http.Client
}

func (d *httpDriver) Execute(ctx context.Context, input map[string]any, ec ExecContext) (map[string]any, error) {
	target := getString(input, "url")
	if target == "" {
		target = getString(input, "endpoint")
	}
	if target == "" {
		return nil, errors.New("http driver: input requires url or endpoint")
	}

	var bodyReader io.Reader
	method := strings.ToUpper(getString(input, "method"))
	if body, ok := input["body"]; ok && body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		if method == "" {
			method = http.MethodPost
		}
	}
	if method == "" {
		method = http.MethodGet
	}

	if ec.Limits.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ec.Limits.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("content-type", "application/json")
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		status := http.StatusInternalServerError
		body := err.Error()
		if isTimeout(err) {
			status = http.StatusRequestTimeout
			body = "timeout"
		}
		return map[string]any{"status": status, "body": body, "duration_ms": durationMs}, nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return map[string]any{
		"status":      resp.StatusCode,
		"body":        string(respBody),
		"duration_ms": durationMs,
	}, nil
}

// shellDriver runs a fixed allowlist of programs with argv passed verbatim.
// There is no shell interpretation: no word splitting, no globbing, no
// redirection. Anything outside the allowlist fails closed.
type shellDriver struct{}

var shellAllowlist = map[string]bool{
	"echo": true,
	"true": true,
	"date": true,
}

const maxShellOutput = 64 << 10

func (d *shellDriver) Execute(ctx context.Context, input map[string]any, ec ExecContext) (map[string]any, error) {
	rawArgv, ok := input["argv"].([]any)
	if !ok || len(rawArgv) == 0 {
		return nil, errors.New("restricted_shell: input requires non-empty argv array")
	}
	argv := make([]string, len(rawArgv))
	for i, a := range rawArgv {
		s, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("restricted_shell: argv[%d] is not a string", i)
		}
		argv[i] = s
	}
	if !shellAllowlist[argv[0]] {
		return nil, fmt.Errorf("restricted_shell: program %q not allowlisted", argv[0])
	}

	if ec.Limits.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ec.Limits.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = limitWriter(&stdout, maxShellOutput)
	cmd.Stderr = limitWriter(&stderr, maxShellOutput)

	start := time.Now()
	err := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("restricted_shell: %w", err)
		}
	}
	return map[string]any{
		"exit_code":   exitCode,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"duration_ms": durationMs,
	}, nil
}

// webhookDriver adapts the signed webhook sender to the driver interface.
type webhookDriver struct {
	sender *webhook.Sender
}

func (d *webhookDriver) Execute(ctx context.Context, input map[string]any, ec ExecContext) (map[string]any, error) {
	timeoutMs := getInt64(input, "timeout_ms")
	if timeoutMs == 0 {
		timeoutMs = int64(ec.Limits.TimeoutMs)
	}
	resp, err := d.sender.Send(ctx, webhook.Input{
		TargetURL:     getString(input, "target_url"),
		Payload:       input["payload"],
		SigningSecret: getString(input, "signing_secret"),
		TimeoutMs:     timeoutMs,
		AuthMode:      getString(input, "auth_mode"),
		RequestID:     getString(input, "request_id"),
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"driver":        NameWebhookV1,
		"status":        resp.Status,
		"duration_ms":   resp.DurationMs,
		"response_body": resp.ResponseBody,
		"delivered":     resp.Delivered(),
	}
	if resp.ResponseBodySHA256 != "" {
		out["response_body_sha256"] = resp.ResponseBodySHA256
	}
	return out, nil
}

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getInt64(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// limitWriter truncates after n bytes without failing the write.
func limitWriter(w io.Writer, n int64) io.Writer {
	return &truncatingWriter{w: w, remaining: n}
}

type truncatingWriter struct {
	w         io.Writer
	remaining int64
}

func (t *truncatingWriter) Write(p []byte) (int, error) {
	if t.remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > t.remaining {
		if _, err := t.w.Write(p[:t.remaining]); err != nil {
			return 0, err
		}
		t.remaining = 0
		return len(p), nil
	}
	t.remaining -= int64(len(p))
	return t.w.Write(p)
}
