package shard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzblobSource fetches shard objects from Azure Blob Storage. Grounded on
// the teacher's direct go.mod dependency on
// github.com/Azure/azure-sdk-for-go/sdk/storage/azblob, one of the
// teacher's three interchangeable cloud object backends; wired here as
// an alternate shard.Source so a dataset's shardsets can live on Azure
// without touching the reader façade.
type AzblobSource struct {
	client *azblob.Client
}

// NewAzblobSource builds a client against serviceURL using the given
// shared-key credential (matching the teacher's pattern of constructing
// one client per backend at startup).
func NewAzblobSource(serviceURL string, cred azblob.SharedKeyCredential) (*AzblobSource, error) {
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, &cred, nil)
	if err != nil {
		return nil, fmt.Errorf("shard: azblob client: %w", err)
	}
	return &AzblobSource{client: client}, nil
}

// Fetch expects location in the form "az://container/blob".
func (a *AzblobSource) Fetch(ctx context.Context, location, destDir string) (string, error) {
	const prefix = "az://"
	if !strings.HasPrefix(location, prefix) {
		return "", fmt.Errorf("shard: not an azblob location: %s", location)
	}
	rest := location[len(prefix):]
	i := strings.IndexByte(rest, '/')
	if i < 0 {
		return "", fmt.Errorf("shard: azblob location %q missing blob name", location)
	}
	container, blob := rest[:i], rest[i+1:]

	dest := filepath.Join(destDir, sanitizeName(container+"_"+blob))
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := a.client.DownloadFile(ctx, container, blob, f, nil); err != nil {
		return "", fmt.Errorf("shard: azblob download %s: %w", location, err)
	}
	return dest, nil
}
