// Package proxy forwards editor traffic to Spacedeck after checking that
// the caller may read or write the document named by the request.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"whiteboard/api/internal/access"
	"whiteboard/api/internal/host"
	"whiteboard/api/internal/spacedeck"
)

const (
	SpaceNameHeader  = "X-Spacedeck-Space-Name"
	SpaceTokenHeader = "X-Spacedeck-Space-Token"

	// ContentSecurityPolicy lets the editor's own scripts run when served
	// from the host origin.
	ContentSecurityPolicy = "script-src * 'unsafe-eval' 'unsafe-inline'"
)

var (
	artifactItemPath       = regexp.MustCompile(`.*/spaces/.*/artifacts/.+$`)
	artifactCollectionPath = regexp.MustCompile(`.*/artifacts$`)
	spacesAPIPath          = regexp.MustCompile(`^api/spaces/.*`)
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// AuthHeaders are the document hints the editor attaches to every call:
// the space name, which is the host file id, and an optional share token.
type AuthHeaders struct {
	SpaceName  string
	ShareToken string
}

func AuthHeadersFrom(h http.Header) AuthHeaders {
	return AuthHeaders{
		SpaceName:  strings.TrimSpace(h.Get(SpaceNameHeader)),
		ShareToken: strings.TrimSpace(h.Get(SpaceTokenHeader)),
	}
}

// FileID parses the space name. ok is false when it is not a file id.
func (a AuthHeaders) FileID() (int64, bool) {
	if a.SpaceName == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(a.SpaceName, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Request is an inbound proxy call. Path is relative to the proxy mount,
// e.g. "api/spaces/42/artifacts".
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	// UserID is the authenticated host user, "" when anonymous.
	UserID string
}

// Response is either a fixed Body produced here or an upstream Stream that
// is relayed as it arrives.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// WriteBody copies the body to w and releases the upstream stream.
func (r *Response) WriteBody(w io.Writer) error {
	if r.Stream == nil {
		_, err := w.Write(r.Body)
		return err
	}
	defer r.Stream.Close()
	_, err := io.Copy(w, r.Stream)
	return err
}

// Close releases the upstream stream without reading it.
func (r *Response) Close() {
	if r.Stream != nil {
		r.Stream.Close()
	}
}

type Upstream interface {
	BaseURL() string
	Stream(ctx context.Context, req spacedeck.ForwardRequest) (*spacedeck.StreamResponse, error)
}

type Access interface {
	ResolveByUser(ctx context.Context, uid string, fileID int64) (host.Node, bool)
	PermissionForUser(ctx context.Context, uid string, fileID int64) access.Permission
	ResolveByShareToken(ctx context.Context, token string, fileID int64) (host.Node, bool)
	PermissionForShareToken(ctx context.Context, token string, fileID int64) access.Permission
}

type Saver interface {
	Save(ctx context.Context, uid, spaceID string, fileID int64) error
}

type Options struct {
	// SessionMediated disables the save side effect; session checks own
	// persistence in that mode.
	SessionMediated bool
	// HostCookie is stripped from forwarded requests.
	HostCookie string
	// SocketDialer defaults to websocket.DefaultDialer.
	SocketDialer *websocket.Dialer
	// SocketOrigin is a browser origin allowed to open the socket relay
	// besides the serving host itself. "*" adds nothing.
	SocketOrigin string
}

type Proxy struct {
	upstream Upstream
	access   Access
	saver    Saver
	opts     Options
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
}

func New(upstream Upstream, access Access, saver Saver, opts Options) *Proxy {
	p := &Proxy{upstream: upstream, access: access, saver: saver, opts: opts, dialer: opts.SocketDialer}
	p.upgrader = websocket.Upgrader{CheckOrigin: p.originAllowed}
	return p
}

func (p *Proxy) Serve(ctx context.Context, req Request) *Response {
	path := strings.TrimLeft(req.Path, "/")
	route, ok := routeOf(path)
	if !ok {
		return textResponse(http.StatusBadRequest, "Bad request")
	}
	auth := AuthHeadersFrom(req.Header)

	switch req.Method {
	case http.MethodGet, http.MethodHead:
		if route == "socket" {
			return textResponse(http.StatusBadRequest, "impossible to forward socket")
		}
		if spacesAPIPath.MatchString(route) && !p.authorized(ctx, req.UserID, auth, access.View) {
			return unauthorized()
		}
	case http.MethodDelete:
		if route == "api/sessions/current" {
			return textResponse(http.StatusBadRequest, "")
		}
		if !p.authorized(ctx, req.UserID, auth, access.Edit) {
			return unauthorized()
		}
	case http.MethodPut, http.MethodPost:
		if !p.authorized(ctx, req.UserID, auth, access.Edit) {
			return unauthorized()
		}
	default:
		return textResponse(http.StatusMethodNotAllowed, "Method not allowed")
	}

	resp, err := p.forward(ctx, req, path)
	if err != nil {
		return upstreamError(err)
	}

	if p.triggersSave(req.Method, route) {
		p.saveSpace(ctx, req.UserID, auth)
	}

	header := relayHeaders(resp.Header)
	switch {
	case req.Method == http.MethodGet || req.Method == http.MethodHead:
		header.Set("Content-Security-Policy", ContentSecurityPolicy)
	case req.Method == http.MethodPost && route == "api/sessions":
		if cookies := header.Values("Set-Cookie"); len(cookies) > 1 {
			header.Set("Set-Cookie", cookies[0])
		}
	}
	return &Response{Status: resp.Status, Header: header, Stream: resp.Body}
}

// routeOf is the unescaped, lower-cased path that gating decisions match
// against, since Spacedeck routes case-insensitively. Paths with dot
// segments are refused so the gated route and the forwarded path agree.
func routeOf(path string) (string, bool) {
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return "", false
	}
	for _, segment := range strings.Split(unescaped, "/") {
		if segment == "." || segment == ".." {
			return "", false
		}
	}
	return strings.ToLower(strings.TrimLeft(unescaped, "/")), true
}

// ServeMain serves the editor entry page of a document after a read check
// by host user or, for anonymous callers, by share token.
func (p *Proxy) ServeMain(ctx context.Context, userID string, fileID int64, shareToken string, header http.Header) *Response {
	allowed := false
	if userID != "" {
		_, allowed = p.access.ResolveByUser(ctx, userID, fileID)
	} else if shareToken != "" {
		_, allowed = p.access.ResolveByShareToken(ctx, shareToken, fileID)
	}
	if !allowed {
		return textResponse(http.StatusBadRequest, "Unauthorized")
	}
	return p.Serve(ctx, Request{
		Method: http.MethodGet,
		Path:   "spaces/" + strconv.FormatInt(fileID, 10),
		Header: header,
		UserID: userID,
	})
}

// authorized applies the auth header rules: a host user is checked with
// the space name, an anonymous caller with the share token. Anything else
// is rejected without contacting upstream.
func (p *Proxy) authorized(ctx context.Context, userID string, auth AuthHeaders, required access.Permission) bool {
	switch {
	case userID != "" && auth.SpaceName != "":
		fileID, ok := auth.FileID()
		if !ok {
			return false
		}
		if required == access.Edit {
			return p.access.PermissionForUser(ctx, userID, fileID) == access.Edit
		}
		_, found := p.access.ResolveByUser(ctx, userID, fileID)
		return found
	case userID == "" && auth.ShareToken != "":
		fileID, ok := auth.FileID()
		if !ok {
			if auth.SpaceName != "" {
				return false
			}
			fileID = 0
		}
		if required == access.Edit {
			return p.access.PermissionForShareToken(ctx, auth.ShareToken, fileID) == access.Edit
		}
		_, found := p.access.ResolveByShareToken(ctx, auth.ShareToken, fileID)
		return found
	default:
		return false
	}
}

func (p *Proxy) forward(ctx context.Context, req Request, path string) (*spacedeck.StreamResponse, error) {
	target := p.upstream.BaseURL() + "/" + path
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	out := spacedeck.ForwardRequest{
		URL:    target,
		Method: req.Method,
		Header: p.forwardHeaders(req.Header),
	}
	if req.Method == http.MethodPost || req.Method == http.MethodPut {
		if body, ok := compactJSON(req.Body); ok {
			out.Body = body
		} else {
			out.RawBody = req.Body
			if out.RawBody == nil {
				out.RawBody = []byte{}
			}
		}
	}
	return p.upstream.Stream(ctx, out)
}

// compactJSON returns a non-null JSON body as is, minus insignificant
// whitespace. Numbers are never reparsed.
func compactJSON(body []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || string(trimmed) == "null" || !json.Valid(trimmed) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}

func (p *Proxy) triggersSave(method, path string) bool {
	if p.opts.SessionMediated || p.saver == nil {
		return false
	}
	switch method {
	case http.MethodDelete, http.MethodPut:
		return artifactItemPath.MatchString(path)
	case http.MethodPost:
		return artifactCollectionPath.MatchString(path)
	}
	return false
}

// saveSpace runs before the upstream response is relayed. Its failure is
// logged and does not change the response.
func (p *Proxy) saveSpace(ctx context.Context, userID string, auth AuthHeaders) {
	fileID, ok := auth.FileID()
	if !ok {
		log.Printf("proxy: cannot save, space name %q is not a file id", auth.SpaceName)
		return
	}
	if err := p.saver.Save(ctx, userID, auth.SpaceName, fileID); err != nil {
		log.Printf("proxy: saving document %d failed: %v", fileID, err)
	}
}

func (p *Proxy) forwardHeaders(in http.Header) http.Header {
	out := http.Header{}
	for name, values := range in {
		for _, value := range values {
			if value != "" {
				out.Add(name, value)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	out.Del("Host")
	out.Del("Content-Length")
	out.Del("Authorization")
	if cookies := out.Values("Cookie"); len(cookies) > 0 && p.opts.HostCookie != "" {
		out.Del("Cookie")
		if kept := stripCookie(cookies, p.opts.HostCookie); kept != "" {
			out.Set("Cookie", kept)
		}
	}
	return out
}

func stripCookie(headers []string, name string) string {
	var kept []string
	for _, header := range headers {
		for _, part := range strings.Split(header, ";") {
			part = strings.TrimSpace(part)
			if part == "" || strings.HasPrefix(part, name+"=") {
				continue
			}
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "; ")
}

func relayHeaders(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	out.Del("Content-Length")
	return out
}

func textResponse(status int, body string) *Response {
	return &Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte(body),
	}
}

func unauthorized() *Response {
	return textResponse(http.StatusUnauthorized, "Unauthorized!")
}

func upstreamError(err error) *Response {
	var message string
	switch {
	case spacedeck.IsKind(err, spacedeck.KindStatus),
		spacedeck.IsKind(err, spacedeck.KindLocalBlocked),
		spacedeck.IsKind(err, spacedeck.KindUnreachable):
		message = err.Error()
	default:
		log.Printf("proxy: forward failed: %v", err)
		message = "Bad request"
	}
	return textResponse(http.StatusBadRequest, message)
}
