package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mova-labs/ocp/pkg/canonical"
	"github.com/mova-labs/ocp/pkg/contracts"
)

func TestSignDeterministicAndVerifiable(t *testing.T) {
	sig := Sign("test_secret_v1", "1700000000000", "aabbcc")

	assert.Len(t, sig, 64, "hex-encoded SHA-256 HMAC")
	assert.Equal(t, sig, Sign("test_secret_v1", "1700000000000", "aabbcc"))

	assert.True(t, VerifySignature("test_secret_v1", "1700000000000", "aabbcc", sig))
	assert.False(t, VerifySignature("other_secret", "1700000000000", "aabbcc", sig))
	assert.False(t, VerifySignature("test_secret_v1", "1700000000001", "aabbcc", sig))
	assert.False(t, VerifySignature("test_secret_v1", "1700000000000", "aabbcd", sig))
}

func TestSendSignsCanonicalBody(t *testing.T) {
	var gotHeader http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewSender(WithClock(func() time.Time {
		return time.UnixMilli(1_700_000_000_000)
	}))
	resp, err := s.Send(context.Background(), Input{
		TargetURL:     srv.URL,
		Payload:       map[string]any{"zeta": 1, "alpha": "two"},
		SigningSecret: "test_secret_v1",
		TimeoutMs:     2_000,
	})
	require.NoError(t, err)

	assert.Equal(t, 200, resp.Status)
	assert.True(t, resp.Delivered())
	assert.Equal(t, `{"ok":true}`, resp.ResponseBody)
	assert.Equal(t, canonical.HashBytes([]byte(`{"ok":true}`)), resp.ResponseBodySHA256)

	// Body is canonical: keys sorted.
	assert.Equal(t, `{"alpha":"two","zeta":1}`, string(gotBody))

	assert.Equal(t, "application/json", gotHeader.Get("content-type"))
	assert.Equal(t, "1700000000000", gotHeader.Get(HeaderTimestamp))
	assert.Equal(t, canonical.HashBytes(gotBody), gotHeader.Get(HeaderBodySHA))
	require.NoError(t, VerifyRequest("test_secret_v1", gotHeader, gotBody))
	assert.Error(t, VerifyRequest("wrong_secret", gotHeader, gotBody))
}

func TestSendNon2xxIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSender()
	resp, err := s.Send(context.Background(), Input{
		TargetURL:     srv.URL,
		Payload:       map[string]any{"k": "v"},
		SigningSecret: "test_secret_v1",
	})
	require.NoError(t, err, "non-2xx must not surface as an error")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.False(t, resp.Delivered())
	assert.Contains(t, resp.ResponseBody, "upstream busy")
}

func TestSendTimeoutNormalizesTo408(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	s := NewSender()
	resp, err := s.Send(context.Background(), Input{
		TargetURL:     srv.URL,
		Payload:       map[string]any{"k": "v"},
		SigningSecret: "test_secret_v1",
		TimeoutMs:     50,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestTimeout, resp.Status)
	assert.Equal(t, "timeout", resp.ResponseBody)
	assert.Empty(t, resp.ResponseBodySHA256)
}

func TestSendTransportErrorNormalizesTo500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // nothing listens anymore

	s := NewSender()
	resp, err := s.Send(context.Background(), Input{
		TargetURL:     url,
		Payload:       map[string]any{"k": "v"},
		SigningSecret: "test_secret_v1",
		TimeoutMs:     2_000,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.NotEmpty(t, resp.ResponseBody)
	assert.NotContains(t, resp.ResponseBody, "test_secret_v1", "secrets never appear in error payloads")
}

func TestSendRejectsUnserializablePayload(t *testing.T) {
	s := NewSender()
	_, err := s.Send(context.Background(), Input{
		TargetURL:     "http://localhost:0",
		Payload:       map[string]any{"bad": make(chan int)},
		SigningSecret: "test_secret_v1",
	})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "test_secret_v1")
}

func TestSendBearerAuthMode(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender()
	_, err := s.Send(context.Background(), Input{
		TargetURL:     srv.URL,
		Payload:       map[string]any{"k": "v"},
		SigningSecret: "test_secret_v1",
		AuthMode:      contracts.AuthModeBearerJWT,
		RequestID:     "req-123",
	})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(auth, "Bearer "), "auth header = %q", auth)
	claims, err := ParseBearer([]byte("test_secret_v1"), strings.TrimPrefix(auth, "Bearer "))
	require.NoError(t, err)
	assert.Equal(t, "req-123", claims.ID)
	assert.Equal(t, "ocp", claims.Issuer)
	assert.Contains(t, claims.Audience, "127.0.0.1")
}

func TestMintAndParseBearer(t *testing.T) {
	token, err := MintBearer([]byte("k1"), "req-9", "hooks.example.com", time.Now())
	require.NoError(t, err)

	claims, err := ParseBearer([]byte("k1"), token)
	require.NoError(t, err)
	assert.Equal(t, "req-9", claims.ID)
	assert.Contains(t, claims.Audience, "hooks.example.com")

	_, err = ParseBearer([]byte("other"), token)
	assert.Error(t, err, "wrong key must fail validation")
}

func TestDeriveTargetKey(t *testing.T) {
	master := []byte("master-secret-material")

	k1, err := DeriveTargetKey(master, "hooks.example.com")
	require.NoError(t, err)
	k2, err := DeriveTargetKey(master, "hooks.example.com")
	require.NoError(t, err)
	k3, err := DeriveTargetKey(master, "other.example.com")
	require.NoError(t, err)

	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k2, "derivation is deterministic")
	assert.NotEqual(t, k1, k3, "keys are distinct per host")

	_, err = DeriveTargetKey(nil, "hooks.example.com")
	assert.Error(t, err)
	_, err = DeriveTargetKey(master, "")
	assert.Error(t, err)
}
