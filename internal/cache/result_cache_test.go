package cache

import (
	"testing"
	"time"

	"github.com/dunamismax/pixelprep/internal/imaging"
	"github.com/redis/go-redis/v9"
)

func TestKeyDependsOnProfileAndInput(t *testing.T) {
	a := Key("profile-a", []byte("image"))
	if a != Key("profile-a", []byte("image")) {
		t.Fatal("expected the key to be deterministic")
	}
	if a == Key("profile-b", []byte("image")) {
		t.Fatal("expected the profile to change the key")
	}
	if a == Key("profile-a", []byte("other")) {
		t.Fatal("expected the input to change the key")
	}
	if Key("ab", []byte("c")) == Key("a", []byte("bc")) {
		t.Fatal("expected profile and input to be separated")
	}
}

func TestDecodeEntry(t *testing.T) {
	a, err := imaging.NewArray(imaging.Float32, []int{2, 2, 3}, []float64{0, 0.25, 0.5, 1, -1, 2, 3, 4, 5, 6, 7, 8})
	if err != nil {
		t.Fatalf("new array: %v", err)
	}
	dtype, shape, data := encodeEntry(a)
	if dtype != "float32" || shape != "2,2,3" || len(data) != 48 {
		t.Fatalf("unexpected entry %s %s %d", dtype, shape, len(data))
	}

	got, ok, err := decodeEntry([]any{dtype, shape, string(data)})
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if !got.Equal(a) {
		t.Fatal("expected the cached tensor to equal the original")
	}
}

func TestDecodeEntryMissAndCorruption(t *testing.T) {
	if _, ok, err := decodeEntry([]any{nil, nil, nil}); ok || err != nil {
		t.Fatalf("expected a clean miss, got ok=%v err=%v", ok, err)
	}
	if _, _, err := decodeEntry([]any{"float32", "2,2", "short"}); err == nil {
		t.Fatal("expected an error for truncated data")
	}
	if _, _, err := decodeEntry([]any{"complex", "1", "x"}); err == nil {
		t.Fatal("expected an error for an unknown dtype")
	}
	if _, _, err := decodeEntry([]any{"uint8"}); err == nil {
		t.Fatal("expected an error for a short response")
	}
}

func TestNewResultCacheValidates(t *testing.T) {
	if _, err := NewResultCache(nil, time.Minute, ""); err == nil {
		t.Fatal("expected an error without a client")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	if _, err := NewResultCache(client, 0, ""); err == nil {
		t.Fatal("expected an error for a zero ttl")
	}
	c, err := NewResultCache(client, time.Minute, "")
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	if got := c.redisKey("abc"); got != "pixelprep:tensor:abc" {
		t.Fatalf("expected default prefix, got %q", got)
	}
}
