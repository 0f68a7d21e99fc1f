// Package sinkbackend provides a concrete downstream for the Gated
// Service Adapter to gate: batches of events are flushed to S3 as a
// single object per Put call. It exists to give the adapter's abstract
// "accepts a batch, returns a result" inner-service contract
// a real implementation alongside the test harness's synthetic one;
// the actual batching/retry/acknowledgement layers above it remain out
// of scope.
package sinkbackend

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	goccyjson "github.com/goccy/go-json"
)

// Event is one record in a batch handed to S3Sink.Put.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// PutResult reports where a batch landed.
type PutResult struct {
	Key  string
	ETag string
}

// S3Config mirrors observability.S3Config's shape, trimmed to what a
// single synchronous Put needs (no batching/flush-interval fields --
// the Gated Service Adapter already owns admission timing).
type S3Config struct {
	BucketName  string
	Region      string
	AccessKeyID string
	SecretKey   string
	Endpoint    string
	PathPrefix  string
}

// S3Sink is a resilience.InnerService[[]Event, PutResult] implementation
// backed by AWS S3, grounded on observability/s3_callback.go's client
// construction (aws-sdk-go-v2 config + credentials + service/s3).
type S3Sink struct {
	config S3Config
	client *s3.Client
}

// NewS3Sink builds an S3Sink, resolving AWS credentials the same way
// s3_callback.go does: static credentials if both key fields are set,
// otherwise the SDK's default credential chain.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("sinkbackend: bucket_name is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sinkbackend: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Sink{
		config: cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
	}, nil
}

// Put encodes batch as newline-delimited JSON and writes it to a single
// S3 object. It matches resilience.InnerService[[]Event, PutResult], so
// it can be wrapped directly by resilience.NewGatedService.
func (s *S3Sink) Put(ctx context.Context, batch []Event) (PutResult, error) {
	body, err := encodeBatch(batch)
	if err != nil {
		return PutResult{}, fmt.Errorf("sinkbackend: encode batch: %w", err)
	}

	key := s.objectKey()
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return PutResult{}, err
	}

	result := PutResult{Key: key}
	if out.ETag != nil {
		result.ETag = *out.ETag
	}
	return result, nil
}

func (s *S3Sink) objectKey() string {
	prefix := s.config.PathPrefix
	if prefix != "" {
		prefix = prefix + "/"
	}
	return fmt.Sprintf("%s%s/%s.ndjson", prefix, time.Now().UTC().Format("2006/01/02"), uuid.NewString())
}

func encodeBatch(batch []Event) ([]byte, error) {
	var buf bytes.Buffer
	for _, evt := range batch {
		line, err := goccyjson.Marshal(evt)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
