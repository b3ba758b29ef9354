// Package spacedeck talks to a Spacedeck server: raw request forwarding for
// the reverse proxy and typed calls against its REST API.
package spacedeck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

const (
	UserAgent      = "Nextcloud Spacedeck integration"
	APITokenHeader = "X-Spacedeck-API-Token"
)

type ErrorKind int

const (
	// KindStatus means the upstream answered with status >= 400.
	KindStatus ErrorKind = iota + 1
	KindUnreachable
	// KindLocalBlocked means a remote-mode dial hit a loopback or private
	// address while local remote servers are disallowed.
	KindLocalBlocked
)

// Error never carries the upstream response body.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return "Bad credentials"
	case KindLocalBlocked:
		return "Nextcloud refuses to connect to local remote servers"
	default:
		return "Spacedeck is unreachable"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsKind(err error, kind ErrorKind) bool {
	var upstreamErr *Error
	return errors.As(err, &upstreamErr) && upstreamErr.Kind == kind
}

var errLocalAddress = errors.New("local address blocked")

type Options struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
	// BlockLocal rejects connections to loopback, private and link-local
	// addresses after DNS resolution.
	BlockLocal bool
}

type Client struct {
	baseURL  string
	apiToken string
	http     *http.Client
}

func New(opts Options) *Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if opts.BlockLocal {
		dialer.Control = rejectLocal
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewWithHTTPClient(opts.BaseURL, opts.APIToken, &http.Client{
		Transport: transport,
		Timeout:   timeout,
	})
}

// NewWithHTTPClient uses hc as is except that redirects are never followed,
// so the API token header cannot leak to another host.
func NewWithHTTPClient(baseURL, apiToken string, hc *http.Client) *Client {
	clone := *hc
	clone.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		http:     &clone,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func rejectLocal(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return errLocalAddress
	}
	return nil
}

// ForwardRequest describes one upstream call. RawBody, when set, is sent
// verbatim; otherwise a non-nil Body is JSON encoded.
type ForwardRequest struct {
	URL     string
	Method  string
	Header  http.Header
	Body    any
	RawBody []byte
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// StreamResponse is an upstream reply whose body is still being read. The
// caller must close Body.
type StreamResponse struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Stream sends the request and returns as soon as the response headers
// arrive. Status codes of 400 and above are turned into a KindStatus error.
func (c *Client) Stream(ctx context.Context, in ForwardRequest) (*StreamResponse, error) {
	var body io.Reader
	header := in.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	switch {
	case in.RawBody != nil:
		body = bytes.NewReader(in.RawBody)
	case in.Body != nil:
		encoded, err := json.Marshal(in.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
		header.Set("Content-Type", "application/json")
	}

	req, err := http.NewRequestWithContext(ctx, in.Method, in.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, errLocalAddress) {
			return nil, &Error{Kind: KindLocalBlocked, Err: err}
		}
		log.Printf("spacedeck: %s %s unreachable: %v", in.Method, redactURL(in.URL), err)
		return nil, &Error{Kind: KindUnreachable, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &Error{Kind: KindStatus, Status: resp.StatusCode}
	}
	return &StreamResponse{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// Forward is Stream with the body read into memory.
func (c *Client) Forward(ctx context.Context, in ForwardRequest) (*Response, error) {
	resp, err := c.Stream(ctx, in)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Err: fmt.Errorf("read upstream body: %w", err)}
	}
	return &Response{Status: resp.Status, Header: resp.Header, Body: payload}, nil
}

// Request calls <base>/api/<endpoint> with the API token. GET params go to
// the query string, other methods send them as a JSON body.
func (c *Client) Request(ctx context.Context, method, endpoint string, params map[string]any) ([]byte, error) {
	target := c.baseURL + "/api/" + strings.TrimLeft(endpoint, "/")
	var body any
	if method == http.MethodGet {
		if len(params) > 0 {
			query := url.Values{}
			for key, value := range params {
				query.Set(key, fmt.Sprint(value))
			}
			target += "?" + query.Encode()
		}
	} else if params != nil {
		body = params
	}

	resp, err := c.Forward(ctx, ForwardRequest{
		URL:    target,
		Method: method,
		Header: http.Header{APITokenHeader: []string{c.apiToken}},
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	parsed.RawQuery = ""
	parsed.User = nil
	return parsed.String()
}
