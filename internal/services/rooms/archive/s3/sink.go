// Package s3 stores room archives as objects in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/physlab/roomsync/internal/services/rooms/archive"
	"github.com/physlab/roomsync/internal/services/rooms/room"
)

// Client is the subset of *s3.Client used by the sink.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config holds construction parameters. Credentials fall back to the
// default AWS chain when AccessKeyID is empty.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional; enables a custom endpoint such as MinIO
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// Sink writes encoded archives to a single bucket.
type Sink struct {
	client Client
	bucket string
	prefix string
}

// New creates a sink backed by a real S3 client.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client, bucket, prefix string) *Sink {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Sink{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for an archive.
func (s *Sink) Key(archived room.Archive) string {
	return s.prefix + archive.Key(archived)
}

// Archive implements archive.Sink.
func (s *Sink) Archive(ctx context.Context, archived room.Archive) error {
	data, err := archive.Encode(archived)
	if err != nil {
		return err
	}
	key := s.Key(archived)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(archive.ContentType),
		Metadata: map[string]string{
			"room-id":         archived.RoomID,
			"sequence-number": strconv.FormatInt(archived.SequenceNumber, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("put archive %s: %w", key, err)
	}
	return nil
}

// Fetch reads one archive back by key.
func (s *Sink) Fetch(ctx context.Context, key string) (room.Archive, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return room.Archive{}, fmt.Errorf("get archive %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return room.Archive{}, fmt.Errorf("read archive %s: %w", key, err)
	}
	return archive.Decode(data)
}
