package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"whiteboard/api/internal/host"
	"whiteboard/api/internal/spacedeck"
)

type fakeUpstream struct {
	spaces    []spacedeck.Space
	artifacts map[string][]spacedeck.Artifact
	deleted   []string
	deleteErr error
}

func (f *fakeUpstream) ListSpaces(context.Context) ([]spacedeck.Space, error) {
	return f.spaces, nil
}

func (f *fakeUpstream) ListArtifacts(_ context.Context, spaceID string) ([]spacedeck.Artifact, error) {
	return f.artifacts[spaceID], nil
}

func (f *fakeUpstream) DeleteSpace(_ context.Context, spaceID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, spaceID)
	return nil
}

type fakeDocs struct {
	nodes []host.Node
	err   error
}

func (f *fakeDocs) ListWhiteboards(context.Context) ([]host.Node, error) {
	return f.nodes, f.err
}

func mkdirs(t *testing.T, root string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		dir := filepath.Join(root, p)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
		if err := os.WriteFile(filepath.Join(dir, "blob"), []byte("x"), 0o644); err != nil {
			t.Fatalf("write blob: %v", err)
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCleanupRemovesOrphansAndPrunesArtifacts(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "sorphan/a1", "slive/a1", "slive/a2", "slive/a3")

	up := &fakeUpstream{
		spaces: []spacedeck.Space{
			{ID: "orphan", Name: "7"},
			{ID: "live", Name: "42"},
		},
		artifacts: map[string][]spacedeck.Artifact{
			"live": {{ID: "1"}, {ID: "3"}},
		},
	}
	docs := &fakeDocs{nodes: []host.Node{{ID: 42}, {ID: 99}}}

	result, err := New(up, docs, NewFSBucket(root)).Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	if len(up.deleted) != 1 || up.deleted[0] != "orphan" {
		t.Fatalf("expected only the orphan space deleted, got %v", up.deleted)
	}
	if exists(filepath.Join(root, "sorphan")) {
		t.Fatalf("orphan storage should be removed")
	}
	if exists(filepath.Join(root, "slive", "a2")) {
		t.Fatalf("unreferenced artifact storage should be removed")
	}
	if !exists(filepath.Join(root, "slive", "a1")) || !exists(filepath.Join(root, "slive", "a3")) {
		t.Fatalf("referenced artifact storage must be kept")
	}

	for _, action := range result.Actions {
		if strings.Contains(action, "(42)") && strings.HasPrefix(action, "Deleted space") {
			t.Fatalf("live space reported as deleted: %q", action)
		}
	}
	var spaceActions []string
	for _, action := range result.Actions {
		if strings.HasPrefix(action, "Deleted space") {
			spaceActions = append(spaceActions, action)
		}
	}
	if len(spaceActions) != 1 || spaceActions[0] != "Deleted space orphan (7)" {
		t.Fatalf("unexpected space actions %v", spaceActions)
	}
}

func TestCleanupWithoutOrphansReportsNothing(t *testing.T) {
	up := &fakeUpstream{spaces: []spacedeck.Space{{ID: "live", Name: "42"}}}
	docs := &fakeDocs{nodes: []host.Node{{ID: 42}}}

	result, err := New(up, docs, NewFSBucket(t.TempDir())).Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if len(result.Actions) != 0 || len(up.deleted) != 0 {
		t.Fatalf("expected no actions, got %v", result.Actions)
	}
}

func TestCleanupAbortsWhenDocumentsUnavailable(t *testing.T) {
	up := &fakeUpstream{spaces: []spacedeck.Space{{ID: "s", Name: "1"}}}
	docs := &fakeDocs{err: errors.New("catalog down")}

	if _, err := New(up, docs, nil).Cleanup(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if len(up.deleted) != 0 {
		t.Fatalf("nothing may be deleted without a live document set")
	}
}

func TestCleanupReportsFailuresAndContinues(t *testing.T) {
	up := &fakeUpstream{
		spaces:    []spacedeck.Space{{ID: "a", Name: "1"}, {ID: "b", Name: "2"}},
		deleteErr: errors.New("forbidden"),
	}
	result, err := New(up, &fakeDocs{}, nil).Cleanup(context.Background())
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(result.Actions) != 2 {
		t.Fatalf("expected one failure action per space, got %v", result.Actions)
	}
}

func TestFSBucketArtifactIDs(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "s1/a10", "s1/a11", "s1/other")
	b := NewFSBucket(root)

	ids, err := b.ArtifactIDs(context.Background(), "1")
	if err != nil {
		t.Fatalf("ArtifactIDs failed: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "10" || ids[1] != "11" {
		t.Fatalf("unexpected ids %v", ids)
	}

	ids, err = b.ArtifactIDs(context.Background(), "missing")
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected empty listing for missing space, got %v %v", ids, err)
	}
	if err := b.RemoveSpace(context.Background(), ".."); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}
