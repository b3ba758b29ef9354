package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"whiteboard/api/internal/access"
	"whiteboard/api/internal/auth"
	"whiteboard/api/internal/host"
	"whiteboard/api/internal/proxy"
	"whiteboard/api/internal/session"
	"whiteboard/api/internal/snapshot"
	"whiteboard/api/internal/spacedeck"
)

var testSecret = []byte("test-secret")

const testCookie = "wb_token"

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error {
	return f.err
}

type saveArgs struct {
	uid     string
	spaceID string
	fileID  int64
}

type fakeSnapshots struct {
	mu      sync.Mutex
	loadFn  func(ctx context.Context, uid string, fileID int64) (*snapshot.LoadResult, error)
	saveErr error
	loads   []saveArgs
	saves   []saveArgs
}

func (f *fakeSnapshots) Load(ctx context.Context, uid string, fileID int64) (*snapshot.LoadResult, error) {
	f.mu.Lock()
	f.loads = append(f.loads, saveArgs{uid: uid, fileID: fileID})
	f.mu.Unlock()
	if f.loadFn != nil {
		return f.loadFn(ctx, uid, fileID)
	}
	return &snapshot.LoadResult{Existed: true, BaseURL: "http://deck", SpaceID: "sp1", SpaceName: "42", EditHash: "h"}, nil
}

func (f *fakeSnapshots) Save(_ context.Context, uid, spaceID string, fileID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, saveArgs{uid, spaceID, fileID})
	return f.saveErr
}

type fakeSessions struct {
	level        access.Permission
	checked      []string
	created      []string
	createErr    error
	deleteResult bool
}

func (f *fakeSessions) CheckSessionPermissions(_ context.Context, token, method string) access.Permission {
	f.checked = append(f.checked, token+" "+method)
	return f.level
}

func (f *fakeSessions) CreateUserSession(_ context.Context, uid string, fileID int64) (*session.SessionInfo, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if fileID != 42 {
		return nil, nil
	}
	f.created = append(f.created, "user:"+uid)
	return &session.SessionInfo{ID: 1, Token: "tok-user"}, nil
}

func (f *fakeSessions) CreateShareSession(_ context.Context, shareToken string, fileID int64) (*session.SessionInfo, error) {
	if shareToken != "share" {
		return nil, nil
	}
	f.created = append(f.created, "share:"+shareToken)
	return &session.SessionInfo{ID: 2, Token: "tok-share"}, nil
}

func (f *fakeSessions) DeleteUserSession(context.Context, string, string) bool {
	return f.deleteResult
}

func (f *fakeSessions) DeleteShareSession(context.Context, string, string) bool {
	return f.deleteResult
}

// fakeAccess knows file 42: alice edits it, bob only views it. Share "share"
// is editable and "ro" is read-only; both resolve file 0 to 42.
type fakeAccess struct{}

var testGrants = map[string]access.Permission{
	"alice": access.Edit,
	"bob":   access.View,
	"share": access.Edit,
	"ro":    access.View,
}

func (fakeAccess) ResolveByShareToken(_ context.Context, token string, fileID int64) (host.Node, bool) {
	if token != "share" && token != "ro" {
		return host.Node{}, false
	}
	if fileID == 0 {
		fileID = 42
	}
	return host.Node{ID: fileID}, true
}

func (fakeAccess) PermissionForUser(_ context.Context, uid string, fileID int64) access.Permission {
	if fileID != 42 {
		return access.None
	}
	return testGrants[uid]
}

func (f fakeAccess) PermissionForShareToken(ctx context.Context, token string, fileID int64) access.Permission {
	if _, ok := f.ResolveByShareToken(ctx, token, fileID); !ok {
		return access.None
	}
	return testGrants[token]
}

type fakeProxy struct {
	requests []proxy.Request
	mains    []string
	// stream, when set, is relayed as an upstream stream.
	stream *closeTracker
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func (f *fakeProxy) Serve(_ context.Context, req proxy.Request) *proxy.Response {
	f.requests = append(f.requests, req)
	if f.stream != nil {
		return &proxy.Response{Status: http.StatusOK, Header: http.Header{}, Stream: f.stream}
	}
	return &proxy.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}, "Set-Cookie": []string{"a=1", "b=2"}},
		Body:   []byte("<html>"),
	}
}

func (f *fakeProxy) ServeMain(_ context.Context, userID string, fileID int64, shareToken string, _ http.Header) *proxy.Response {
	f.mains = append(f.mains, userID+"|"+shareToken)
	return &proxy.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("main")}
}

func (f *fakeProxy) ServeSocket(w http.ResponseWriter, _ *http.Request, userID string) {
	w.WriteHeader(http.StatusTeapot)
	_, _ = w.Write([]byte(userID))
}

type fakeSpaces struct {
	err error
}

func (f *fakeSpaces) ListSpaces(context.Context) ([]spacedeck.Space, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []spacedeck.Space{{ID: "a", Raw: []byte(`{"_id":"a","name":"1"}`)}}, nil
}

type testEnv struct {
	server    *HTTPServer
	db        *fakePinger
	locker    *fakePinger
	snapshots *fakeSnapshots
	sessions  *fakeSessions
	proxy     *fakeProxy
	spaces    *fakeSpaces
}

func newTestEnv(t *testing.T, useLocal bool) *testEnv {
	t.Helper()
	env := &testEnv{
		db:        &fakePinger{},
		locker:    &fakePinger{},
		snapshots: &fakeSnapshots{},
		sessions:  &fakeSessions{deleteResult: true},
		proxy:     &fakeProxy{},
		spaces:    &fakeSpaces{},
	}
	svc := NewService(Deps{
		DB:        env.db,
		Locker:    env.locker,
		Snapshots: env.snapshots,
		Sessions:  env.sessions,
		Access:    fakeAccess{},
		Proxy:     env.proxy,
		Spaces:    env.spaces,
		UseLocal:  useLocal,
	})
	env.server = NewHTTPServer(svc, "*", testSecret, testCookie)
	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func withUser(t *testing.T, req *http.Request, uid string) *http.Request {
	t.Helper()
	token, err := auth.IssueToken(testSecret, uid, uid, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

var errBoom = errors.New("boom")
