package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/pixelprep/internal/imaging"
	"github.com/redis/go-redis/v9"
)

// ResultCache keeps preprocessed tensors in Redis. The pipeline is
// deterministic, so a tensor is fully identified by the processing profile
// and the input bytes.
type ResultCache struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
	script    *redis.Script
}

func NewResultCache(client redis.UniversalClient, ttl time.Duration, keyPrefix string) (*ResultCache, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "pixelprep:tensor"
	}

	return &ResultCache{
		client:    client,
		ttl:       ttl,
		keyPrefix: keyPrefix,
		script: redis.NewScript(`
local key = KEYS[1]
redis.call("HSET", key, "dtype", ARGV[1], "shape", ARGV[2], "data", ARGV[3])
redis.call("PEXPIRE", key, tonumber(ARGV[4]))
return 1
`),
	}, nil
}

// Key derives the cache key for input processed under the given profile
// fingerprint.
func Key(fingerprint string, input []byte) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *ResultCache) redisKey(key string) string {
	return c.keyPrefix + ":" + key
}

// Get returns the cached tensor for key. A miss is (nil, false, nil).
func (c *ResultCache) Get(ctx context.Context, key string) (*imaging.Array, bool, error) {
	values, err := c.client.HMGet(ctx, c.redisKey(key), "dtype", "shape", "data").Result()
	if err != nil {
		return nil, false, fmt.Errorf("read cached tensor: %w", err)
	}
	return decodeEntry(values)
}

func (c *ResultCache) Set(ctx context.Context, key string, a *imaging.Array) error {
	dtype, shape, data := encodeEntry(a)
	err := c.script.Run(
		ctx,
		c.client,
		[]string{c.redisKey(key)},
		dtype,
		shape,
		data,
		c.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("store cached tensor: %w", err)
	}
	return nil
}

func encodeEntry(a *imaging.Array) (dtype, shape string, data []byte) {
	return a.DType().String(), imaging.FormatShape(a.Shape()), a.Bytes()
}

func decodeEntry(values []any) (*imaging.Array, bool, error) {
	if len(values) != 3 {
		return nil, false, fmt.Errorf("invalid cached tensor response")
	}
	if values[0] == nil || values[1] == nil || values[2] == nil {
		return nil, false, nil
	}

	fields := make([]string, 3)
	for i, v := range values {
		s, err := toString(v)
		if err != nil {
			return nil, false, fmt.Errorf("parse cached tensor field %d: %w", i, err)
		}
		fields[i] = s
	}

	dtype, err := imaging.ParseElementType(fields[0])
	if err != nil {
		return nil, false, err
	}
	shape, err := imaging.ParseShape(fields[1])
	if err != nil {
		return nil, false, err
	}
	a, err := imaging.ArrayFromBytes(dtype, shape, []byte(fields[2]))
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func toString(in any) (string, error) {
	switch v := in.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("unsupported type %T", in)
	}
}
