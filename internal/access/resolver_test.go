package access

import (
	"context"
	"errors"
	"testing"

	"whiteboard/api/internal/host"
)

type fakeFiles struct {
	nodesForUserFn func(ctx context.Context, uid string, id int64) ([]host.Node, error)
}

func (f *fakeFiles) NodesForUser(ctx context.Context, uid string, id int64) ([]host.Node, error) {
	if f.nodesForUserFn != nil {
		return f.nodesForUserFn(ctx, uid, id)
	}
	return nil, host.ErrNotFound
}

func (f *fakeFiles) Node(context.Context, int64) (host.Node, error) {
	return host.Node{}, host.ErrNotFound
}

func (f *fakeFiles) ListByMimeType(context.Context, string) ([]host.Node, error) {
	return nil, nil
}

type fakeShares struct {
	shares  map[string]*host.Share
	folders map[int64][]host.Node
	err     error
}

func (f *fakeShares) ShareByToken(_ context.Context, token string) (*host.Share, error) {
	if f.err != nil {
		return nil, f.err
	}
	share, ok := f.shares[token]
	if !ok {
		return nil, host.ErrShareNotFound
	}
	return share, nil
}

func (f *fakeShares) InFolder(_ context.Context, folderID, id int64) (host.Node, error) {
	for _, node := range f.folders[folderID] {
		if node.ID == id {
			return node, nil
		}
	}
	return host.Node{}, host.ErrNotFound
}

func file(id int64, perms int) host.Node {
	return host.Node{ID: id, Type: host.NodeFile, OwnerUID: "owner", Permissions: perms}
}

func TestPermissionForUser(t *testing.T) {
	files := &fakeFiles{nodesForUserFn: func(_ context.Context, uid string, id int64) ([]host.Node, error) {
		switch {
		case uid == "editor" && id == 1:
			return []host.Node{file(1, host.PermissionRead), file(1, host.PermissionRead|host.PermissionUpdate)}, nil
		case uid == "viewer" && id == 1:
			return []host.Node{file(1, host.PermissionRead)}, nil
		case uid == "folder" && id == 2:
			return []host.Node{{ID: 2, Type: host.NodeFolder, Permissions: host.PermissionAll}}, nil
		case uid == "broken":
			return nil, errors.New("backend down")
		}
		return nil, host.ErrNotFound
	}}
	r := NewResolver(files, &fakeShares{})
	ctx := context.Background()

	cases := []struct {
		uid  string
		id   int64
		want Permission
	}{
		{"editor", 1, Edit},
		{"viewer", 1, View},
		{"stranger", 1, None},
		{"folder", 2, None},
		{"broken", 1, None},
		{"", 1, None},
	}
	for _, tc := range cases {
		if got := r.PermissionForUser(ctx, tc.uid, tc.id); got != tc.want {
			t.Errorf("PermissionForUser(%q, %d) = %v, want %v", tc.uid, tc.id, got, tc.want)
		}
	}

	node, ok := r.ResolveByUser(ctx, "viewer", 1)
	if !ok || node.ID != 1 {
		t.Fatalf("ResolveByUser failed: %+v %v", node, ok)
	}
	if _, ok := r.ResolveByUser(ctx, "folder", 2); ok {
		t.Fatal("folders must not resolve")
	}
}

func TestPermissionForShareToken(t *testing.T) {
	shares := &fakeShares{
		shares: map[string]*host.Share{
			"file-ro":   {Token: "file-ro", Permissions: host.PermissionRead, Node: file(10, host.PermissionRead)},
			"file-rw":   {Token: "file-rw", Permissions: host.PermissionRead | host.PermissionUpdate, Node: file(10, 3)},
			"folder-rw": {Token: "folder-rw", Permissions: 3, Node: host.Node{ID: 20, Type: host.NodeFolder}},
		},
		folders: map[int64][]host.Node{
			20: {file(21, 0), {ID: 22, Type: host.NodeFolder}},
		},
	}
	r := NewResolver(&fakeFiles{}, shares)
	ctx := context.Background()

	cases := []struct {
		name  string
		token string
		id    int64
		want  Permission
	}{
		{"file share sentinel", "file-rw", 0, Edit},
		{"file share own id", "file-ro", 10, View},
		{"file share other id", "file-rw", 11, None},
		{"folder share child", "folder-rw", 21, Edit},
		{"folder share subfolder", "folder-rw", 22, None},
		{"folder share outside", "folder-rw", 99, None},
		{"unknown token", "nope", 0, None},
		{"empty token", "", 0, None},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.PermissionForShareToken(ctx, tc.token, tc.id); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}

	node, ok := r.ResolveByShareToken(ctx, "folder-rw", 21)
	if !ok || node.ID != 21 || !node.CanUpdate() {
		t.Fatalf("ResolveByShareToken failed: %+v %v", node, ok)
	}
}

func TestShareBackendErrorCollapsesToNone(t *testing.T) {
	r := NewResolver(&fakeFiles{}, &fakeShares{err: errors.New("boom")})
	if got := r.PermissionForShareToken(context.Background(), "any", 0); got != None {
		t.Fatalf("expected None, got %v", got)
	}
}
