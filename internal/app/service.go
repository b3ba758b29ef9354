package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"whiteboard/api/internal/access"
	"whiteboard/api/internal/host"
	"whiteboard/api/internal/proxy"
	"whiteboard/api/internal/session"
	"whiteboard/api/internal/snapshot"
	"whiteboard/api/internal/spacedeck"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Snapshots interface {
	Load(ctx context.Context, uid string, fileID int64) (*snapshot.LoadResult, error)
	Save(ctx context.Context, uid, spaceID string, fileID int64) error
}

type Sessions interface {
	CheckSessionPermissions(ctx context.Context, token, method string) access.Permission
	CreateUserSession(ctx context.Context, actingUID string, fileID int64) (*session.SessionInfo, error)
	CreateShareSession(ctx context.Context, shareToken string, fileID int64) (*session.SessionInfo, error)
	DeleteUserSession(ctx context.Context, uid, token string) bool
	DeleteShareSession(ctx context.Context, shareToken, token string) bool
}

type Access interface {
	ResolveByShareToken(ctx context.Context, token string, fileID int64) (host.Node, bool)
	PermissionForUser(ctx context.Context, uid string, fileID int64) access.Permission
	PermissionForShareToken(ctx context.Context, token string, fileID int64) access.Permission
}

type Proxy interface {
	Serve(ctx context.Context, req proxy.Request) *proxy.Response
	ServeMain(ctx context.Context, userID string, fileID int64, shareToken string, header http.Header) *proxy.Response
	ServeSocket(w http.ResponseWriter, r *http.Request, userID string)
}

type SpaceLister interface {
	ListSpaces(ctx context.Context) ([]spacedeck.Space, error)
}

type Launcher interface {
	EnsureRunning(ctx context.Context) error
}

type Deps struct {
	DB        Pinger
	Locker    Pinger
	Snapshots Snapshots
	Sessions  Sessions
	Access    Access
	Proxy     Proxy
	Spaces    SpaceLister
	// Launcher is nil unless the bundled Spacedeck is used.
	Launcher Launcher
	// UseLocal reports the deployment mode to the editor. Remote mode also
	// opens a session on every load.
	UseLocal bool
}

type Service struct {
	db        Pinger
	locker    Pinger
	snapshots Snapshots
	sessions  Sessions
	access    Access
	proxy     Proxy
	spaces    SpaceLister
	launcher  Launcher
	useLocal  bool
}

func NewService(deps Deps) *Service {
	return &Service{
		db:        deps.DB,
		locker:    deps.Locker,
		snapshots: deps.Snapshots,
		sessions:  deps.Sessions,
		access:    deps.Access,
		proxy:     deps.Proxy,
		spaces:    deps.Spaces,
		launcher:  deps.Launcher,
		useLocal:  deps.UseLocal,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database not configured")
	}
	return s.db.Ping(ctx)
}

// PingLocker is nil when locks are held in process.
func (s *Service) PingLocker(ctx context.Context) error {
	if s.locker == nil {
		return nil
	}
	return s.locker.Ping(ctx)
}

type LoadResponse struct {
	*snapshot.LoadResult
	UseLocalSpacedeck bool   `json:"use_local_spacedeck"`
	SessionToken      string `json:"session_token,omitempty"`
}

// ListSpaces returns the upstream spaces as sent, for connectivity checks.
func (s *Service) ListSpaces(ctx context.Context) ([]json.RawMessage, error) {
	if s.launcher != nil {
		if err := s.launcher.EnsureRunning(ctx); err != nil {
			return nil, domainError(http.StatusBadGateway, "SPACEDECK_UNAVAILABLE", err.Error(), nil)
		}
	}
	spaces, err := s.spaces.ListSpaces(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(spaces))
	for _, space := range spaces {
		out = append(out, space.Raw)
	}
	return out, nil
}

func (s *Service) LoadSpace(ctx context.Context, uid string, fileID int64) (*LoadResponse, error) {
	result, err := s.snapshots.Load(ctx, uid, fileID)
	if err != nil {
		return nil, err
	}
	resp := &LoadResponse{LoadResult: result, UseLocalSpacedeck: s.useLocal}
	if !s.useLocal {
		info, err := s.sessions.CreateUserSession(ctx, uid, fileID)
		if err != nil || info == nil {
			return nil, errSessionFailed
		}
		resp.SessionToken = info.Token
	}
	return resp, nil
}

func (s *Service) PublicLoadSpace(ctx context.Context, shareToken string, fileID int64) (*LoadResponse, error) {
	node, ok := s.access.ResolveByShareToken(ctx, shareToken, fileID)
	if !ok {
		return nil, errNoSuchShare
	}
	result, err := s.snapshots.Load(ctx, "", node.ID)
	if err != nil {
		return nil, err
	}
	resp := &LoadResponse{LoadResult: result, UseLocalSpacedeck: s.useLocal}
	if !s.useLocal {
		info, err := s.sessions.CreateShareSession(ctx, shareToken, fileID)
		if err != nil || info == nil {
			return nil, errSessionFailed
		}
		resp.SessionToken = info.Token
	}
	return resp, nil
}

// SaveSpace overwrites document fileID, which uid must be able to edit.
func (s *Service) SaveSpace(ctx context.Context, uid, spaceID string, fileID int64) error {
	if s.access.PermissionForUser(ctx, uid, fileID) != access.Edit {
		return errNotEditable
	}
	return s.snapshots.Save(ctx, uid, spaceID, fileID)
}

func (s *Service) PublicSaveSpace(ctx context.Context, shareToken, spaceID string, fileID int64) error {
	node, ok := s.access.ResolveByShareToken(ctx, shareToken, fileID)
	if !ok {
		return errNoSuchShare
	}
	if s.access.PermissionForShareToken(ctx, shareToken, fileID) != access.Edit {
		return errNotEditable
	}
	return s.snapshots.Save(ctx, "", spaceID, node.ID)
}
