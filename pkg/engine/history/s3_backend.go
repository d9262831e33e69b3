package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of *s3.Client used by S3Backend.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Backend implements S3-based history storage as one JSONL object.
type S3Backend struct {
	Bucket string
	Key    string
	Client S3API
}

// NewS3Backend initializes an S3 backend from an s3://bucket/key URL.
func NewS3Backend(ctx context.Context, s3URL string) (*S3Backend, error) {
	u, err := url.Parse(s3URL)
	if err != nil || u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid s3 url %q", s3URL)
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return &S3Backend{
		Bucket: u.Host,
		Key:    strings.TrimPrefix(u.Path, "/"),
		Client: s3.NewFromConfig(cfg),
	}, nil
}

// Append rewrites the object; S3 has no append.
func (b *S3Backend) Append(ctx context.Context, s Snapshot) error {
	existing, err := b.readAll(ctx)
	if err != nil {
		return err
	}
	existing = append(existing, s)

	var buf bytes.Buffer
	for _, snap := range existing {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteString("\n")
	}

	_, err = b.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.Bucket),
		Key:         aws.String(b.Key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	return err
}

func (b *S3Backend) Load(ctx context.Context, n int) ([]Snapshot, error) {
	history, err := b.readAll(ctx)
	if err != nil {
		return nil, err
	}
	return tail(history, n), nil
}

func (b *S3Backend) readAll(ctx context.Context) ([]Snapshot, error) {
	resp, err := b.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.Key),
	})
	var missing *types.NoSuchKey
	if errors.As(err, &missing) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decode(bufio.NewScanner(resp.Body))
}
