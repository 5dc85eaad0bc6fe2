package store

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/go-redis/redis"

	"k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/aq-calibration/calibration-engine/pkg/util"
)

const (
	BackendS3    = "s3"
	BackendGCS   = "gcs"
	BackendRedis = "redis"
	BackendFile  = "file"
)

var backends = sets.NewString(BackendS3, BackendGCS, BackendRedis, BackendFile)

// Options select and configure the artifact store. Defaults are read from
// the environment.
type Options struct {
	backend string
	bucket  string

	awsAccessKeyID     string
	awsSecretAccessKey string
	awsRegion          string
	s3Endpoint         string

	gcsCredentials string

	redisURL      string
	redisPassword string

	fileRoot string
}

func (o *Options) Bind(fs *flag.FlagSet) {
	fs.StringVar(&o.backend, "artifact-store", util.GetEnv("ARTIFACT_STORE", BackendS3), "Artifact store backend: s3, gcs, redis or file")
	fs.StringVar(&o.bucket, "bucket", util.GetEnv("S3_BUCKET_NAME", ""), "Bucket holding the model artifacts")
	fs.StringVar(&o.awsAccessKeyID, "aws-access-key-id", util.GetEnv("AWS_ACCESS_KEY_ID", ""), "S3 access key id")
	fs.StringVar(&o.awsSecretAccessKey, "aws-secret-access-key", util.GetEnv("AWS_SECRET_ACCESS_KEY", ""), "S3 secret access key")
	fs.StringVar(&o.awsRegion, "aws-region", util.GetEnv("AWS_REGION", "us-east-1"), "S3 region")
	fs.StringVar(&o.s3Endpoint, "s3-endpoint", util.GetEnv("S3_ENDPOINT", ""), "Custom endpoint of an S3 compatible service")
	fs.StringVar(&o.gcsCredentials, "gcs-credentials", util.GetEnv("GOOGLE_APPLICATION_CREDENTIALS", ""), "Service account file for Google Cloud Storage")
	fs.StringVar(&o.redisURL, "redis-url", util.GetEnv("REDIS_URL", ""), "Redis address, host:port or redis:// url")
	fs.StringVar(&o.redisPassword, "redis-password", util.GetEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.StringVar(&o.fileRoot, "artifact-root", util.GetEnv("ARTIFACT_ROOT", ""), "Root directory of the file artifact store")
}

func (o *Options) Validate() error {
	var errs []error
	if !backends.Has(o.backend) {
		errs = append(errs, fmt.Errorf("--artifact-store must be one of %s, got %q", strings.Join(backends.List(), ", "), o.backend))
	}
	if o.bucket == "" {
		errs = append(errs, fmt.Errorf("--bucket (S3_BUCKET_NAME) is not specified"))
	}

	switch o.backend {
	case BackendS3:
		if o.awsAccessKeyID == "" {
			errs = append(errs, fmt.Errorf("--aws-access-key-id (AWS_ACCESS_KEY_ID) is not specified"))
		}
		if o.awsSecretAccessKey == "" {
			errs = append(errs, fmt.Errorf("--aws-secret-access-key (AWS_SECRET_ACCESS_KEY) is not specified"))
		}
	case BackendRedis:
		if o.redisURL == "" {
			errs = append(errs, fmt.Errorf("--redis-url (REDIS_URL) is not specified"))
		}
	case BackendFile:
		if o.fileRoot == "" {
			errs = append(errs, fmt.Errorf("--artifact-root (ARTIFACT_ROOT) is not specified"))
		}
	}
	return errors.NewAggregate(errs)
}

// Bucket is the bucket every artifact is read from and written to.
func (o *Options) Bucket() string {
	return o.bucket
}

func (o *Options) Backend() string {
	return o.backend
}

// NewStore builds the configured backend.
func (o *Options) NewStore(ctx context.Context) (Store, error) {
	switch o.backend {
	case BackendS3:
		return NewS3Store(ctx, o.awsAccessKeyID, o.awsSecretAccessKey, o.awsRegion, o.s3Endpoint)
	case BackendGCS:
		return NewGCSStore(ctx, o.gcsCredentials)
	case BackendRedis:
		client, err := o.redisClient()
		if err != nil {
			return nil, err
		}
		if err := client.WithContext(ctx).Ping().Err(); err != nil {
			return nil, fmt.Errorf("couldn't reach redis at %s: %w", o.redisURL, err)
		}
		return NewRedisStore(client), nil
	case BackendFile:
		return NewFileStore(o.fileRoot), nil
	}
	return nil, fmt.Errorf("unknown artifact store %q", o.backend)
}

func (o *Options) redisClient() (*redis.Client, error) {
	if strings.HasPrefix(o.redisURL, "redis://") || strings.HasPrefix(o.redisURL, "rediss://") {
		opts, err := redis.ParseURL(o.redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		if o.redisPassword != "" {
			opts.Password = o.redisPassword
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     o.redisURL,
		Password: o.redisPassword,
		DB:       0,
	}), nil
}
