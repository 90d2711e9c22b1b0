package contentcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, "", 7*24*time.Hour), mr
}

func TestExtractionKeyFormat(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	key := c.ExtractionKey("2025-03-03", "abcdef0123456789extra")
	want := "extract:2025-03-03:abcdef0123456789"
	if key != want {
		t.Fatalf("got %q want %q", key, want)
	}
}

func TestAggregationKeyFormat(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	key := c.AggregationKey("weekly", "2025-03-03", "abcdef0123456789extra")
	want := "agg:weekly:2025-03-03:abcdef0123456789"
	if key != want {
		t.Fatalf("got %q want %q", key, want)
	}
}

func TestGetMiss(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	_, ok, err := c.Get(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestPutThenGet(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	ctx := context.Background()
	key := c.ExtractionKey("2025-03-03", "abcdef0123456789")
	if err := c.Put(ctx, key, `{"mood_score":5}`, 0); err != nil {
		t.Fatal(err)
	}
	val, ok, err := c.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if val != `{"mood_score":5}` {
		t.Fatalf("unexpected value: %s", val)
	}
}
