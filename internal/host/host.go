// Package host exposes the host CMS capabilities the whiteboard needs:
// file lookup in a user's namespace, public share resolution, document
// content and exclusive document writes.
package host

import (
	"context"
	"errors"
)

// Permission bits as stored by the host.
const (
	PermissionRead   = 1
	PermissionUpdate = 2
	PermissionCreate = 4
	PermissionDelete = 8
	PermissionShare  = 16
	PermissionAll    = PermissionRead | PermissionUpdate | PermissionCreate | PermissionDelete | PermissionShare
)

// WhiteboardMimeType identifies whiteboard documents (extension .spd).
const WhiteboardMimeType = "application/spacedeck"

var (
	ErrNotFound      = errors.New("node not found")
	ErrShareNotFound = errors.New("share not found")
)

type NodeType string

const (
	NodeFile   NodeType = "file"
	NodeFolder NodeType = "folder"
)

type Node struct {
	ID         int64
	ParentID   int64
	Type       NodeType
	OwnerUID   string
	Name       string
	MimeType   string
	ContentKey string
	// Permissions is the bit set granted through the lookup that produced
	// this node.
	Permissions int
}

func (n Node) IsFile() bool {
	return n.Type == NodeFile
}

func (n Node) CanUpdate() bool {
	return n.Permissions&PermissionUpdate != 0
}

type Share struct {
	Token       string
	Permissions int
	Node        Node
}

// Files looks up nodes by id.
type Files interface {
	// NodesForUser returns every view of the node reachable from the user's
	// namespace, one per grant. ErrNotFound when there is none.
	NodesForUser(ctx context.Context, uid string, id int64) ([]Node, error)
	// Node looks the id up in the root namespace.
	Node(ctx context.Context, id int64) (Node, error)
	ListByMimeType(ctx context.Context, mimeType string) ([]Node, error)
}

// Shares resolves public share tokens.
type Shares interface {
	ShareByToken(ctx context.Context, token string) (*Share, error)
	// InFolder returns the node if it lives under folderID.
	InFolder(ctx context.Context, folderID, id int64) (Node, error)
}
