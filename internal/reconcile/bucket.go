package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
)

func spacePrefix(spaceID string) string {
	return "s" + spaceID
}

func artifactPrefix(artifactID string) string {
	return "a" + artifactID
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

// FSBucket is the storage directory of a locally running Spacedeck.
type FSBucket struct {
	root string
}

func NewFSBucket(root string) *FSBucket {
	return &FSBucket{root: root}
}

func (b *FSBucket) RemoveSpace(_ context.Context, spaceID string) error {
	if !validID(spaceID) {
		return fmt.Errorf("invalid space id %q", spaceID)
	}
	return os.RemoveAll(filepath.Join(b.root, spacePrefix(spaceID)))
}

func (b *FSBucket) ArtifactIDs(_ context.Context, spaceID string) ([]string, error) {
	if !validID(spaceID) {
		return nil, fmt.Errorf("invalid space id %q", spaceID)
	}
	entries, err := os.ReadDir(filepath.Join(b.root, spacePrefix(spaceID)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "a") && len(entry.Name()) > 1 {
			ids = append(ids, strings.TrimPrefix(entry.Name(), "a"))
		}
	}
	return ids, nil
}

func (b *FSBucket) RemoveArtifact(_ context.Context, spaceID, artifactID string) error {
	if !validID(spaceID) || !validID(artifactID) {
		return fmt.Errorf("invalid artifact path %q/%q", spaceID, artifactID)
	}
	return os.RemoveAll(filepath.Join(b.root, spacePrefix(spaceID), artifactPrefix(artifactID)))
}

// MinioBucket is Spacedeck's S3-compatible storage.
type MinioBucket struct {
	client *minio.Client
	bucket string
}

func NewMinioBucket(client *minio.Client, bucket string) *MinioBucket {
	return &MinioBucket{client: client, bucket: bucket}
}

func (b *MinioBucket) RemoveSpace(ctx context.Context, spaceID string) error {
	if !validID(spaceID) {
		return fmt.Errorf("invalid space id %q", spaceID)
	}
	return b.removePrefix(ctx, spacePrefix(spaceID)+"/")
}

func (b *MinioBucket) ArtifactIDs(ctx context.Context, spaceID string) ([]string, error) {
	if !validID(spaceID) {
		return nil, fmt.Errorf("invalid space id %q", spaceID)
	}
	prefix := spacePrefix(spaceID) + "/"
	var ids []string
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), "/")
		if strings.HasPrefix(name, "a") && len(name) > 1 && !strings.Contains(name, "/") {
			ids = append(ids, strings.TrimPrefix(name, "a"))
		}
	}
	return ids, nil
}

func (b *MinioBucket) RemoveArtifact(ctx context.Context, spaceID, artifactID string) error {
	if !validID(spaceID) || !validID(artifactID) {
		return fmt.Errorf("invalid artifact path %q/%q", spaceID, artifactID)
	}
	return b.removePrefix(ctx, spacePrefix(spaceID)+"/"+artifactPrefix(artifactID)+"/")
}

func (b *MinioBucket) removePrefix(ctx context.Context, prefix string) error {
	objects := b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	var failed error
	// Drain the channel so the remover goroutine can finish.
	for removeErr := range b.client.RemoveObjects(ctx, b.bucket, objects, minio.RemoveObjectsOptions{}) {
		if removeErr.Err != nil && failed == nil {
			failed = fmt.Errorf("remove %s: %w", removeErr.ObjectName, removeErr.Err)
		}
	}
	return failed
}
