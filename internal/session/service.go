// Package session brokers short-lived tokens that let a remote Spacedeck
// ask the host what a given editor may do with a document.
package session

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"whiteboard/api/internal/access"
	"whiteboard/api/internal/host"
	"whiteboard/api/internal/store"
)

// Timeout is how long a session survives without being checked.
const Timeout = 600 * time.Second

type Store interface {
	Create(ctx context.Context, ownerUID string, fileID int64, editorUID, shareToken *string) (*store.SessionRecord, error)
	Get(ctx context.Context, token string, filter store.SessionFilter) (*store.SessionRecord, error)
	Touch(ctx context.Context, token string) error
	Delete(ctx context.Context, token string) error
	ExpireOlderThan(ctx context.Context, seconds int64) ([]store.SessionRecord, error)
}

type Resolver interface {
	ResolveByUser(ctx context.Context, uid string, fileID int64) (host.Node, bool)
	PermissionForUser(ctx context.Context, uid string, fileID int64) access.Permission
	ResolveByShareToken(ctx context.Context, token string, fileID int64) (host.Node, bool)
	PermissionForShareToken(ctx context.Context, token string, fileID int64) access.Permission
}

// Saver persists the upstream state of a document.
type Saver interface {
	SaveDocument(ctx context.Context, uid string, fileID int64) error
}

type SessionInfo struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

type Options struct {
	// Timeout overrides the expiry window used by CleanupSessions.
	Timeout time.Duration
	// SaveTimeout bounds each background save.
	SaveTimeout time.Duration
}

type Service struct {
	store       Store
	resolver    Resolver
	saver       Saver
	timeout     time.Duration
	saveTimeout time.Duration
	saves       sync.WaitGroup
}

func New(store Store, resolver Resolver, saver Saver, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = Timeout
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 30 * time.Second
	}
	return &Service{
		store:       store,
		resolver:    resolver,
		saver:       saver,
		timeout:     opts.Timeout,
		saveTimeout: opts.SaveTimeout,
	}
}

// CheckSessionPermissions returns what the session's holder may do now.
// A write check that yields Edit schedules one background save of the
// document; the caller never waits for it and never sees its failure.
func (s *Service) CheckSessionPermissions(ctx context.Context, token, method string) access.Permission {
	record, err := s.store.Get(ctx, token, store.SessionFilter{})
	if err != nil {
		log.Printf("session: lookup failed: %v", err)
		return access.None
	}
	if record == nil {
		return access.None
	}
	if err := s.store.Touch(ctx, token); err != nil {
		log.Printf("session: touch failed: %v", err)
	}

	var permission access.Permission
	switch {
	case record.TokenType == store.TokenTypeUser && record.EditorUID != nil:
		permission = s.resolver.PermissionForUser(ctx, *record.EditorUID, record.FileID)
	case record.TokenType == store.TokenTypeShare && record.ShareToken != nil:
		permission = s.resolver.PermissionForShareToken(ctx, *record.ShareToken, record.FileID)
	default:
		return access.None
	}

	if method != http.MethodGet && permission == access.Edit {
		s.dispatchSave(record.FileID)
	}
	return permission
}

// dispatchSave makes a single attempt on a context detached from the
// request. There is no retry.
func (s *Service) dispatchSave(fileID int64) {
	if s.saver == nil {
		return
	}
	s.saves.Add(1)
	go func() {
		defer s.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
		defer cancel()
		if err := s.saver.SaveDocument(ctx, "", fileID); err != nil {
			log.Printf("session: saving document %d failed: %v", fileID, err)
		}
	}()
}

// Wait blocks until every dispatched save has finished.
func (s *Service) Wait() {
	s.saves.Wait()
}

// CreateUserSession opens a session for actingUID on a file they can reach.
// It returns nil when the file does not resolve for that user.
func (s *Service) CreateUserSession(ctx context.Context, actingUID string, fileID int64) (*SessionInfo, error) {
	node, ok := s.resolver.ResolveByUser(ctx, actingUID, fileID)
	if !ok {
		return nil, nil
	}
	record, err := s.store.Create(ctx, node.OwnerUID, node.ID, &actingUID, nil)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{ID: record.ID, Token: record.Token}, nil
}

// CreateShareSession opens a session for a public share. The stored file id
// is the resolved one, so a single-file share addressed as 0 keeps working.
func (s *Service) CreateShareSession(ctx context.Context, shareToken string, fileID int64) (*SessionInfo, error) {
	node, ok := s.resolver.ResolveByShareToken(ctx, shareToken, fileID)
	if !ok {
		return nil, nil
	}
	record, err := s.store.Create(ctx, node.OwnerUID, node.ID, nil, &shareToken)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{ID: record.ID, Token: record.Token}, nil
}

// DeleteUserSession removes a user session that belongs to uid.
func (s *Service) DeleteUserSession(ctx context.Context, uid, token string) bool {
	return s.deleteMatching(ctx, token, store.SessionFilter{
		EditorUID: store.Ptr(uid),
		TokenType: store.Ptr(store.TokenTypeUser),
	})
}

func (s *Service) DeleteShareSession(ctx context.Context, shareToken, token string) bool {
	return s.deleteMatching(ctx, token, store.SessionFilter{
		ShareToken: store.Ptr(shareToken),
		TokenType:  store.Ptr(store.TokenTypeShare),
	})
}

func (s *Service) deleteMatching(ctx context.Context, token string, filter store.SessionFilter) bool {
	record, err := s.store.Get(ctx, token, filter)
	if err != nil {
		log.Printf("session: lookup failed: %v", err)
		return false
	}
	if record == nil {
		return false
	}
	if err := s.store.Delete(ctx, token); err != nil {
		log.Printf("session: delete failed: %v", err)
		return false
	}
	return true
}

// CleanupSessions expires sessions idle for longer than the timeout.
func (s *Service) CleanupSessions(ctx context.Context) ([]store.SessionRecord, error) {
	expired, err := s.store.ExpireOlderThan(ctx, int64(s.timeout/time.Second))
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		log.Printf("session: expired %d sessions", len(expired))
	}
	return expired, nil
}
