package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mova-labs/ocp/pkg/canonical"
	"github.com/mova-labs/ocp/pkg/contracts"
)

// maxResponseBytes caps how much of a response body is retained for
// evidence.
const maxResponseBytes = 1 << 20

// Input is one delivery request.
type Input struct {
	TargetURL     string
	Payload       any
	SigningSecret string
	TimeoutMs     int64

	// AuthMode optionally adds an Authorization header; see contracts.
	AuthMode  string
	RequestID string
}

// Response is the normalized result. Transport failures are folded into
// status codes, never returned as errors: timeouts become 408 with body
// "timeout", other transport errors become 500 with the error message.
// Non-2xx statuses pass through untouched; classification is the
// orchestrator's job.
type Response struct {
	Status             int
	DurationMs         int64
	ResponseBody       string
	ResponseBodySHA256 string
}

// Delivered reports whether the response status is 2xx.
func (r Response) Delivered() bool { return r.Status >= 200 && r.Status < 300 }

// Sender POSTs signed payloads.
type Sender struct {
	client *http.Client
	now    func() time.Time
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the transport, used by tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// WithClock fixes the signing timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) { s.now = now }
}

// NewSender constructs a Sender. Per-request timeouts come from the input,
// so the base client has none.
func NewSender(opts ...Option) *Sender {
	s := &Sender{
		client: &http.Client{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send serializes the payload canonically, signs it, and POSTs it. An error
// return means the request never left this process (bad payload, bad URL);
// everything after the dial is folded into the Response.
func (s *Sender) Send(ctx context.Context, in Input) (Response, error) {
	body, err := canonical.Bytes(in.Payload)
	if err != nil {
		return Response{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	bodySHA := canonical.HashBytes(body)
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	sig := Sign(in.SigningSecret, ts, bodySHA)

	if in.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(in.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.TargetURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderBodySHA, bodySHA)
	req.Header.Set(HeaderSignature, sig)

	if in.AuthMode == contracts.AuthModeBearerJWT {
		token, err := MintBearer([]byte(in.SigningSecret), in.RequestID, req.URL.Hostname(), s.now())
		if err != nil {
			return Response{}, fmt.Errorf("mint bearer token: %w", err)
		}
		req.Header.Set("authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if isTimeout(err) {
			return Response{Status: http.StatusRequestTimeout, DurationMs: durationMs, ResponseBody: "timeout"}, nil
		}
		return Response{Status: http.StatusInternalServerError, DurationMs: durationMs, ResponseBody: err.Error()}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{Status: http.StatusInternalServerError, DurationMs: durationMs, ResponseBody: err.Error()}, nil
	}
	return Response{
		Status:             resp.StatusCode,
		DurationMs:         durationMs,
		ResponseBody:       string(respBody),
		ResponseBodySHA256: canonical.HashBytes(respBody),
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
