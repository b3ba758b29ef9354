package host

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"whiteboard/api/internal/lock"
)

// Documents reads and writes whiteboard documents on behalf of a user, or
// of the system when uid is empty.
type Documents struct {
	files   Files
	content ContentStore
	locker  lock.Locker
}

func NewDocuments(files Files, content ContentStore, locker lock.Locker) *Documents {
	return &Documents{files: files, content: content, locker: locker}
}

// Resolve returns the document as a regular file, or ErrNotFound.
func (d *Documents) Resolve(ctx context.Context, uid string, fileID int64) (Node, error) {
	if uid == "" {
		node, err := d.files.Node(ctx, fileID)
		if err != nil {
			return Node{}, err
		}
		if !node.IsFile() {
			return Node{}, ErrNotFound
		}
		return node, nil
	}
	nodes, err := d.files.NodesForUser(ctx, uid, fileID)
	if err != nil {
		return Node{}, err
	}
	for _, node := range nodes {
		if node.IsFile() {
			return node, nil
		}
	}
	return Node{}, ErrNotFound
}

// Lock takes the exclusive write lock of a document without waiting.
// lock.ErrLocked is returned when another writer holds it.
func (d *Documents) Lock(ctx context.Context, node Node) (func(), error) {
	release, err := d.locker.TryLock(ctx, "file:"+strconv.FormatInt(node.ID, 10))
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (d *Documents) Read(ctx context.Context, node Node) ([]byte, error) {
	data, err := d.content.Get(ctx, ContentKey(node))
	if err != nil {
		return nil, fmt.Errorf("read document %d: %w", node.ID, err)
	}
	return data, nil
}

// Write replaces the content. Callers hold the lock from Lock.
func (d *Documents) Write(ctx context.Context, node Node, data []byte) error {
	if err := d.content.Put(ctx, ContentKey(node), data); err != nil {
		return fmt.Errorf("write document %d: %w", node.ID, err)
	}
	log.Printf("document %d written (%d bytes)", node.ID, len(data))
	return nil
}

// ListWhiteboards returns every whiteboard document the host knows about.
func (d *Documents) ListWhiteboards(ctx context.Context) ([]Node, error) {
	return d.files.ListByMimeType(ctx, WhiteboardMimeType)
}
