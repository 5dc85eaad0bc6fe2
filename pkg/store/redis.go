package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"strconv"
	"time"

	redigo "github.com/garyburd/redigo/redis"
	"github.com/go-redis/redis"
)

const metaSuffix = ":meta"

// ObjectInfo is the metadata recorded next to every object in redis.
type ObjectInfo struct {
	Size       int64
	SHA256     string
	UploadedAt time.Time
}

// RedisStore keeps each object as a string at <bucket>/<key> and its
// metadata in the hash <bucket>/<key>:meta.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func objectKey(bucket, key string) string {
	return path.Join(bucket, key)
}

func (s *RedisStore) Download(ctx context.Context, bucket, key, localPath string) error {
	client := s.client.WithContext(ctx)
	data, err := client.Get(objectKey(bucket, key)).Bytes()
	if err == redis.Nil {
		return notFound(bucket, key)
	}
	if err != nil {
		return fmt.Errorf("couldn't get %s/%s from redis: %w", bucket, key, err)
	}

	info, err := s.Stat(ctx, bucket, key)
	if err != nil {
		return err
	}
	if info.SHA256 != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != info.SHA256 {
			return fmt.Errorf("%s/%s: stored digest %s does not match content %s", bucket, key, info.SHA256, got)
		}
	}
	return writeAtomically(localPath, bytes.NewReader(data))
}

func (s *RedisStore) Upload(ctx context.Context, localPath, bucket, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("couldn't read %s: %w", localPath, err)
	}
	sum := sha256.Sum256(data)
	name := objectKey(bucket, key)

	pipe := s.client.WithContext(ctx).TxPipeline()
	pipe.Set(name, data, 0)
	pipe.HMSet(name+metaSuffix, map[string]interface{}{
		"size":        len(data),
		"sha256":      hex.EncodeToString(sum[:]),
		"uploaded_at": time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("couldn't store %s in redis: %w", name, err)
	}
	return nil
}

// Stat returns the metadata of an object. Objects stored without metadata
// return a zero ObjectInfo.
func (s *RedisStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	client := s.client.WithContext(ctx)
	name := objectKey(bucket, key)
	fields, err := redigo.Strings(client.HMGet(name+metaSuffix, "size", "sha256", "uploaded_at").Result())
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("couldn't read metadata of %s: %w", name, err)
	}

	var info ObjectInfo
	if fields[0] != "" {
		if info.Size, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
			return ObjectInfo{}, fmt.Errorf("invalid size for %s: %w", name, err)
		}
	}
	info.SHA256 = fields[1]
	if fields[2] != "" {
		if info.UploadedAt, err = time.Parse(time.RFC3339, fields[2]); err != nil {
			return ObjectInfo{}, fmt.Errorf("invalid upload time for %s: %w", name, err)
		}
	}
	return info, nil
}
