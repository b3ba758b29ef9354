package host

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"whiteboard/api/internal/store"
)

// Catalog reads the host_* tables the host keeps in sync with its file tree.
type Catalog struct {
	db      *sql.DB
	dialect store.Dialect
	now     func() time.Time
}

func NewCatalog(db *sql.DB, dialect store.Dialect) *Catalog {
	return &Catalog{db: db, dialect: dialect, now: time.Now}
}

const nodeColumns = `id, parent_id, node_type, owner_uid, name, mimetype, content_key`

const ancestorsCTE = `WITH RECURSIVE ancestors(id, parent_id) AS (
	SELECT id, parent_id FROM host_nodes WHERE id = ?
	UNION ALL
	SELECT n.id, n.parent_id FROM host_nodes n JOIN ancestors a ON n.id = a.parent_id
)`

func (c *Catalog) Node(ctx context.Context, id int64) (Node, error) {
	row := c.db.QueryRowContext(ctx, c.dialect.Rebind(`SELECT `+nodeColumns+` FROM host_nodes WHERE id = ?`), id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node %d: %w", id, err)
	}
	node.Permissions = PermissionAll
	return node, nil
}

func (c *Catalog) NodesForUser(ctx context.Context, uid string, id int64) ([]Node, error) {
	node, err := c.Node(ctx, id)
	if err != nil {
		return nil, err
	}

	var nodes []Node
	if node.OwnerUID == uid {
		nodes = append(nodes, node)
	}

	rows, err := c.db.QueryContext(ctx, c.dialect.Rebind(ancestorsCTE+`
		SELECT g.permissions FROM host_node_access g
		JOIN ancestors a ON g.node_id = a.id
		WHERE g.uid = ?`), id, uid)
	if err != nil {
		return nil, fmt.Errorf("list grants for node %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var permissions int
		if err := rows.Scan(&permissions); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		granted := node
		granted.Permissions = permissions
		nodes = append(nodes, granted)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}

	if len(nodes) == 0 {
		return nil, ErrNotFound
	}
	return nodes, nil
}

func (c *Catalog) ListByMimeType(ctx context.Context, mimeType string) ([]Node, error) {
	rows, err := c.db.QueryContext(ctx,
		c.dialect.Rebind(`SELECT `+nodeColumns+` FROM host_nodes WHERE node_type = 'file' AND mimetype = ? ORDER BY id`),
		mimeType,
	)
	if err != nil {
		return nil, fmt.Errorf("list nodes by mimetype: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		node.Permissions = PermissionAll
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (c *Catalog) ShareByToken(ctx context.Context, token string) (*Share, error) {
	row := c.db.QueryRowContext(ctx, c.dialect.Rebind(`
		SELECT s.permissions, n.id, n.parent_id, n.node_type, n.owner_uid, n.name, n.mimetype, n.content_key
		FROM host_shares s JOIN host_nodes n ON n.id = s.node_id
		WHERE s.token = ? AND (s.expires_at IS NULL OR s.expires_at > ?)`),
		token, c.now().Unix(),
	)
	var (
		share    = Share{Token: token}
		parentID sql.NullInt64
		nodeType string
	)
	err := row.Scan(&share.Permissions, &share.Node.ID, &parentID, &nodeType,
		&share.Node.OwnerUID, &share.Node.Name, &share.Node.MimeType, &share.Node.ContentKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get share: %w", err)
	}
	share.Node.ParentID = parentID.Int64
	share.Node.Type = NodeType(nodeType)
	share.Node.Permissions = share.Permissions
	return &share, nil
}

func (c *Catalog) InFolder(ctx context.Context, folderID, id int64) (Node, error) {
	var count int
	err := c.db.QueryRowContext(ctx, c.dialect.Rebind(ancestorsCTE+`
		SELECT COUNT(1) FROM ancestors WHERE id = ?`), id, folderID).Scan(&count)
	if err != nil {
		return Node{}, fmt.Errorf("check containment of node %d: %w", id, err)
	}
	if count == 0 {
		return Node{}, ErrNotFound
	}
	return c.Node(ctx, id)
}

func scanNode(row interface{ Scan(...any) error }) (Node, error) {
	var (
		node     Node
		parentID sql.NullInt64
		nodeType string
	)
	if err := row.Scan(&node.ID, &parentID, &nodeType, &node.OwnerUID, &node.Name, &node.MimeType, &node.ContentKey); err != nil {
		return Node{}, err
	}
	node.ParentID = parentID.Int64
	node.Type = NodeType(nodeType)
	return node, nil
}
