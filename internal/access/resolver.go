// Package access computes whiteboard permission levels from host state.
// Levels are never stored; every check recomputes them.
package access

import (
	"context"
	"errors"
	"log"

	"whiteboard/api/internal/host"
)

type Permission int

const (
	None Permission = 0
	View Permission = 1
	Edit Permission = 2
)

func (p Permission) String() string {
	switch p {
	case View:
		return "view"
	case Edit:
		return "edit"
	default:
		return "none"
	}
}

// Allows reports whether p satisfies the required level.
func (p Permission) Allows(required Permission) bool {
	return p >= required
}

// shareFileSentinel addresses the target of a single-file share.
const shareFileSentinel = 0

type Resolver struct {
	files  host.Files
	shares host.Shares
}

func NewResolver(files host.Files, shares host.Shares) *Resolver {
	return &Resolver{files: files, shares: shares}
}

// ResolveByUser returns the regular file fileID as seen by uid.
func (r *Resolver) ResolveByUser(ctx context.Context, uid string, fileID int64) (host.Node, bool) {
	nodes := r.userFiles(ctx, uid, fileID)
	if len(nodes) == 0 {
		return host.Node{}, false
	}
	return nodes[0], true
}

// PermissionForUser is Edit when any view of the file grants update.
func (r *Resolver) PermissionForUser(ctx context.Context, uid string, fileID int64) Permission {
	nodes := r.userFiles(ctx, uid, fileID)
	if len(nodes) == 0 {
		return None
	}
	for _, node := range nodes {
		if node.CanUpdate() {
			return Edit
		}
	}
	return View
}

func (r *Resolver) userFiles(ctx context.Context, uid string, fileID int64) []host.Node {
	if uid == "" {
		return nil
	}
	nodes, err := r.files.NodesForUser(ctx, uid, fileID)
	if err != nil {
		logLookupError("user file", err)
		return nil
	}
	files := nodes[:0:0]
	for _, node := range nodes {
		if node.IsFile() {
			files = append(files, node)
		}
	}
	return files
}

// ResolveByShareToken returns the file a public share exposes under fileID.
// For a file share fileID is 0 or the shared file's id; for a folder share
// it must name a file inside the folder.
func (r *Resolver) ResolveByShareToken(ctx context.Context, token string, fileID int64) (host.Node, bool) {
	share, node, ok := r.shareFile(ctx, token, fileID)
	if !ok {
		return host.Node{}, false
	}
	node.Permissions = share.Permissions
	return node, true
}

func (r *Resolver) PermissionForShareToken(ctx context.Context, token string, fileID int64) Permission {
	share, _, ok := r.shareFile(ctx, token, fileID)
	if !ok {
		return None
	}
	if share.Permissions&host.PermissionUpdate != 0 {
		return Edit
	}
	return View
}

func (r *Resolver) shareFile(ctx context.Context, token string, fileID int64) (*host.Share, host.Node, bool) {
	if token == "" {
		return nil, host.Node{}, false
	}
	share, err := r.shares.ShareByToken(ctx, token)
	if err != nil {
		logLookupError("share", err)
		return nil, host.Node{}, false
	}

	switch share.Node.Type {
	case host.NodeFile:
		if fileID != shareFileSentinel && fileID != share.Node.ID {
			return nil, host.Node{}, false
		}
		return share, share.Node, true
	case host.NodeFolder:
		node, err := r.shares.InFolder(ctx, share.Node.ID, fileID)
		if err != nil {
			logLookupError("shared folder file", err)
			return nil, host.Node{}, false
		}
		if !node.IsFile() {
			return nil, host.Node{}, false
		}
		return share, node, true
	default:
		return nil, host.Node{}, false
	}
}

// logLookupError records backend failures; absent nodes and shares are
// ordinary denials and stay quiet.
func logLookupError(what string, err error) {
	if errors.Is(err, host.ErrNotFound) || errors.Is(err, host.ErrShareNotFound) {
		return
	}
	log.Printf("access: %s lookup failed: %v", what, err)
}
