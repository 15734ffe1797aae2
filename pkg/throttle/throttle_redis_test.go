package throttle

import (
	"context"
	"testing"
	"time"
)

// TestRedisStore_Integration requires a running Redis; it skips when no
// server responds on the default port.
func TestRedisStore_Integration(t *testing.T) {
	store := NewRedisStore("localhost:6379", "", 0)
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	store.TTL = 30 * time.Second

	key := "test.example.com/hooks|itest"
	nowMs := time.Now().UnixMilli()

	if err := store.SetLastSent(ctx, key, nowMs); err != nil {
		t.Fatalf("SetLastSent: %v", err)
	}
	ms, ok, err := store.GetLastSent(ctx, key)
	if err != nil {
		t.Fatalf("GetLastSent: %v", err)
	}
	if !ok || ms != nowMs {
		t.Errorf("got (%d, %v), want (%d, true)", ms, ok, nowMs)
	}

	_, ok, err = store.GetLastSent(ctx, "absent-key")
	if err != nil {
		t.Fatalf("GetLastSent absent: %v", err)
	}
	if ok {
		t.Error("absent key should report ok=false")
	}
}
