package proxy

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"whiteboard/api/internal/access"
	"whiteboard/api/internal/spacedeck"
)

// Browsers cannot set custom headers on a WebSocket handshake, so the
// socket relay reads the auth hints from the query string.
const (
	SpaceNameParam  = "spaceName"
	SpaceTokenParam = "spaceToken"
)

// SocketURL maps the upstream base URL onto its websocket endpoint.
func SocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/socket"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/socket"
	}
	return baseURL + "/socket"
}

// originAllowed accepts same-host handshakes and the configured socket
// origin. A handshake without an Origin header is not from a browser.
func (p *Proxy) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	allowed := strings.TrimRight(p.opts.SocketOrigin, "/")
	return allowed != "" && allowed != "*" && strings.EqualFold(origin, allowed)
}

// ServeSocket relays frames between the editor and the upstream socket
// endpoint after a read check. Frames are copied, never inspected.
func (p *Proxy) ServeSocket(w http.ResponseWriter, r *http.Request, userID string) {
	if !p.originAllowed(r) {
		http.Error(w, "Forbidden origin", http.StatusForbidden)
		return
	}
	query := r.URL.Query()
	auth := AuthHeaders{
		SpaceName:  strings.TrimSpace(query.Get(SpaceNameParam)),
		ShareToken: strings.TrimSpace(query.Get(SpaceTokenParam)),
	}
	if !p.authorized(r.Context(), userID, auth, access.View) {
		http.Error(w, "Unauthorized!", http.StatusUnauthorized)
		return
	}

	header := p.forwardHeaders(r.Header)
	for _, name := range []string{"Origin", "Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Extensions", "Sec-Websocket-Protocol"} {
		header.Del(name)
	}
	header.Set("User-Agent", spacedeck.UserAgent)

	dialer := p.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	upstream, resp, err := dialer.DialContext(r.Context(), SocketURL(p.upstream.BaseURL()), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		log.Printf("proxy: socket dial failed: %v", err)
		http.Error(w, "Spacedeck is unreachable", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("proxy: socket upgrade failed: %v", err)
		return
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pipe(ctx, cancel, upstream, client)
	}()
	go func() {
		defer wg.Done()
		pipe(ctx, cancel, client, upstream)
	}()
	<-ctx.Done()
	// Unblock whichever reader is still waiting.
	client.Close()
	upstream.Close()
	wg.Wait()
}

func pipe(ctx context.Context, cancel context.CancelFunc, dst, src *websocket.Conn) {
	defer cancel()
	for {
		kind, payload, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				log.Printf("proxy: socket read error: %v", err)
			}
			if ce, ok := err.(*websocket.CloseError); ok {
				_ = dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(ce.Code, ce.Text))
			}
			return
		}
		if err := dst.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}
