// Package snapshot persists Spacedeck spaces as single JSON documents in
// host storage and rebuilds spaces from those documents.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"

	"whiteboard/api/internal/host"
	"whiteboard/api/internal/spacedeck"
)

// ErrCorrupt marks a document that is not a snapshot or lacks space._id.
// Such documents are reported, never rewritten.
var ErrCorrupt = errors.New(`file is invalid, no "_id"`)

// ErrForeignSpace is returned when a save names a space that was not created
// for the target document.
var ErrForeignSpace = errors.New("space does not belong to this file")

type Upstream interface {
	BaseURL() string
	GetSpace(ctx context.Context, spaceID string) (*spacedeck.Space, error)
	ListArtifacts(ctx context.Context, spaceID string) ([]spacedeck.Artifact, error)
	CreateSpace(ctx context.Context, name string) (*spacedeck.Space, error)
	CreateArtifact(ctx context.Context, spaceID string, artifact map[string]any) error
}

type Documents interface {
	Resolve(ctx context.Context, uid string, fileID int64) (host.Node, error)
	Lock(ctx context.Context, node host.Node) (func(), error)
	Read(ctx context.Context, node host.Node) ([]byte, error)
	Write(ctx context.Context, node host.Node, data []byte) error
}

// Launcher starts the bundled Spacedeck in local mode.
type Launcher interface {
	EnsureRunning(ctx context.Context) error
}

type Service struct {
	docs     Documents
	upstream Upstream
	launcher Launcher
}

func New(docs Documents, upstream Upstream, launcher Launcher) *Service {
	return &Service{docs: docs, upstream: upstream, launcher: launcher}
}

// document is the on-disk format. Space and artifacts are kept as raw JSON
// so fields unknown to this service survive a round trip.
type document struct {
	Space     json.RawMessage   `json:"space"`
	Artifacts []json.RawMessage `json:"artifacts"`
}

type LoadResult struct {
	Existed   bool   `json:"existed"`
	BaseURL   string `json:"base_url"`
	SpaceID   string `json:"space_id"`
	SpaceName string `json:"space_name"`
	EditHash  string `json:"edit_hash"`
}

// Save writes space spaceID and its artifacts into document fileID. The
// write lock is taken before anything is fetched and lock.ErrLocked is
// returned at once when another writer holds it. uid "" reads the document
// from the root namespace.
func (s *Service) Save(ctx context.Context, uid, spaceID string, fileID int64) error {
	node, err := s.docs.Resolve(ctx, uid, fileID)
	if err != nil {
		return err
	}
	release, err := s.docs.Lock(ctx, node)
	if err != nil {
		return err
	}
	defer release()

	space, err := s.upstream.GetSpace(ctx, spaceID)
	if err != nil {
		return fmt.Errorf("get space %s: %w", spaceID, err)
	}
	if space.Name != strconv.FormatInt(fileID, 10) {
		return ErrForeignSpace
	}
	artifacts, err := s.upstream.ListArtifacts(ctx, spaceID)
	if err != nil {
		return fmt.Errorf("list artifacts of %s: %w", spaceID, err)
	}

	doc := document{Space: space.Raw, Artifacts: make([]json.RawMessage, 0, len(artifacts))}
	for _, artifact := range artifacts {
		doc.Artifacts = append(doc.Artifacts, artifact.Raw)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.docs.Write(ctx, node, data)
}

// SaveDocument saves the space named after the document, which is how the
// editor addresses it.
func (s *Service) SaveDocument(ctx context.Context, uid string, fileID int64) error {
	return s.Save(ctx, uid, strconv.FormatInt(fileID, 10), fileID)
}

// Load makes sure an upstream space exists for document fileID and returns
// its coordinates. A stored snapshot whose space vanished upstream, or was
// recorded under another name, is replayed into a fresh space.
func (s *Service) Load(ctx context.Context, uid string, fileID int64) (*LoadResult, error) {
	if s.launcher != nil {
		if err := s.launcher.EnsureRunning(ctx); err != nil {
			return nil, fmt.Errorf("start spacedeck: %w", err)
		}
	}

	node, err := s.docs.Resolve(ctx, uid, fileID)
	if err != nil {
		return nil, err
	}
	content, err := s.docs.Read(ctx, node)
	if err != nil {
		return nil, err
	}
	name := strconv.FormatInt(fileID, 10)

	if len(bytes.TrimSpace(content)) == 0 {
		created, err := s.upstream.CreateSpace(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("create space: %w", err)
		}
		doc := map[string]any{"space": map[string]any{}, "artifacts": []any{}}
		if err := s.recordSpace(ctx, node, doc, created); err != nil {
			return nil, err
		}
		return s.result(false, created), nil
	}

	doc, err := decodeDocument(content)
	if err != nil {
		return nil, ErrCorrupt
	}
	stored, ok := doc["space"].(map[string]any)
	if !ok {
		return nil, ErrCorrupt
	}
	spaceID, ok := stored["_id"].(string)
	if !ok || spaceID == "" {
		return nil, ErrCorrupt
	}

	existing, err := s.upstream.GetSpace(ctx, spaceID)
	if err != nil && !spacedeck.IsKind(err, spacedeck.KindStatus) {
		return nil, fmt.Errorf("get space %s: %w", spaceID, err)
	}
	storedName, _ := stored["name"].(string)
	if err == nil && storedName == name {
		return s.result(true, existing), nil
	}

	created, err := s.upstream.CreateSpace(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create space: %w", err)
	}
	artifacts, _ := doc["artifacts"].([]any)
	for _, item := range artifacts {
		artifact, ok := item.(map[string]any)
		if !ok {
			continue
		}
		artifact["space_id"] = created.ID
		artifact["user_id"] = nil
		if err := s.upstream.CreateArtifact(ctx, created.ID, artifact); err != nil {
			log.Printf("snapshot: replay artifact %v into space %s failed: %v", artifact["_id"], created.ID, err)
		}
	}
	if err := s.recordSpace(ctx, node, doc, created); err != nil {
		return nil, err
	}
	return s.result(false, created), nil
}

// decodeDocument keeps numbers as json.Number so replayed artifacts and the
// rewritten document carry them unchanged.
func decodeDocument(content []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("trailing data after document")
	}
	return doc, nil
}

// recordSpace stores the identifiers of space in doc and writes it back.
func (s *Service) recordSpace(ctx context.Context, node host.Node, doc map[string]any, space *spacedeck.Space) error {
	stored, ok := doc["space"].(map[string]any)
	if !ok {
		stored = map[string]any{}
	}
	stored["_id"] = space.ID
	stored["edit_hash"] = space.EditHash
	stored["edit_slug"] = space.EditSlug
	stored["name"] = space.Name
	doc["space"] = stored

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	release, err := s.docs.Lock(ctx, node)
	if err != nil {
		return err
	}
	defer release()
	return s.docs.Write(ctx, node, data)
}

func (s *Service) result(existed bool, space *spacedeck.Space) *LoadResult {
	return &LoadResult{
		Existed:   existed,
		BaseURL:   s.upstream.BaseURL(),
		SpaceID:   space.ID,
		SpaceName: space.Name,
		EditHash:  space.EditHash,
	}
}
