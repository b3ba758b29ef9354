// Package reconcile removes Spacedeck state that no longer belongs to a
// host document: orphaned spaces and artifact storage left on disk.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"whiteboard/api/internal/host"
	"whiteboard/api/internal/spacedeck"
)

type Upstream interface {
	ListSpaces(ctx context.Context) ([]spacedeck.Space, error)
	ListArtifacts(ctx context.Context, spaceID string) ([]spacedeck.Artifact, error)
	DeleteSpace(ctx context.Context, spaceID string) error
}

type Documents interface {
	ListWhiteboards(ctx context.Context) ([]host.Node, error)
}

// Bucket is Spacedeck's upload storage, laid out as s<space>/a<artifact>/….
type Bucket interface {
	RemoveSpace(ctx context.Context, spaceID string) error
	ArtifactIDs(ctx context.Context, spaceID string) ([]string, error)
	RemoveArtifact(ctx context.Context, spaceID, artifactID string) error
}

type Result struct {
	Actions []string `json:"actions"`
}

func (r *Result) add(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.Printf("reconcile: %s", line)
	r.Actions = append(r.Actions, line)
}

type Reconciler struct {
	upstream Upstream
	docs     Documents
	bucket   Bucket
}

func New(upstream Upstream, docs Documents, bucket Bucket) *Reconciler {
	return &Reconciler{upstream: upstream, docs: docs, bucket: bucket}
}

// Cleanup deletes every upstream space whose name is not the id of a live
// whiteboard document, and prunes artifact storage of the live ones.
// Failures on a single space are reported as actions and the sweep goes on;
// they are joined into the returned error alongside the full result.
func (r *Reconciler) Cleanup(ctx context.Context) (*Result, error) {
	spaces, err := r.upstream.ListSpaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	// An incomplete live set would delete spaces of existing documents.
	nodes, err := r.docs.ListWhiteboards(ctx)
	if err != nil {
		return nil, fmt.Errorf("list whiteboard documents: %w", err)
	}
	live := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		live[strconv.FormatInt(node.ID, 10)] = struct{}{}
	}

	result := &Result{Actions: []string{}}
	var failed error
	for _, space := range spaces {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, ok := live[space.Name]; !ok {
			if err := r.removeSpace(ctx, space, result); err != nil {
				failed = errors.Join(failed, err)
			}
			continue
		}
		if err := r.pruneArtifacts(ctx, space, result); err != nil {
			failed = errors.Join(failed, err)
		}
	}
	return result, failed
}

func (r *Reconciler) removeSpace(ctx context.Context, space spacedeck.Space, result *Result) error {
	if r.bucket != nil {
		if err := r.bucket.RemoveSpace(ctx, space.ID); err != nil {
			result.add("Failed to delete storage of space %s: %v", space.ID, err)
			return err
		}
		result.add("Deleted storage of space %s (%s)", space.ID, space.Name)
	}
	if err := r.upstream.DeleteSpace(ctx, space.ID); err != nil {
		result.add("Failed to delete space %s: %v", space.ID, err)
		return err
	}
	result.add("Deleted space %s (%s)", space.ID, space.Name)
	return nil
}

func (r *Reconciler) pruneArtifacts(ctx context.Context, space spacedeck.Space, result *Result) error {
	if r.bucket == nil {
		return nil
	}
	artifacts, err := r.upstream.ListArtifacts(ctx, space.ID)
	if err != nil {
		result.add("Failed to list artifacts of space %s: %v", space.ID, err)
		return err
	}
	current := make(map[string]struct{}, len(artifacts))
	for _, artifact := range artifacts {
		current[artifact.ID] = struct{}{}
	}

	stored, err := r.bucket.ArtifactIDs(ctx, space.ID)
	if err != nil {
		result.add("Failed to list storage of space %s: %v", space.ID, err)
		return err
	}
	var failed error
	for _, id := range stored {
		if _, ok := current[id]; ok {
			continue
		}
		if err := r.bucket.RemoveArtifact(ctx, space.ID, id); err != nil {
			result.add("Failed to delete artifact storage %s of space %s: %v", id, space.ID, err)
			failed = errors.Join(failed, err)
			continue
		}
		result.add("Deleted artifact storage %s of space %s (%s)", id, space.ID, space.Name)
	}
	return failed
}
