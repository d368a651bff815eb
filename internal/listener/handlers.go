package listener

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// NewResponse creates a response with a plain text body.
func NewResponse(req *http.Request, status int, body string) *http.Response {
	resp := &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Request:    req,
	}
	if body != "" {
		resp.Body = io.NopCloser(strings.NewReader(body))
		resp.ContentLength = int64(len(body))
	}
	return resp
}

// Text returns a final reply with the given status and body.
func Text(req *Request, status int, body string) *Reply {
	return &Reply{Response: NewResponse(req.Request, status, body)}
}

// HelloWorldText is the body sent by HelloWorld.
const HelloWorldText = "Hello World"

// HelloWorld answers every request with a fixed text.
var HelloWorld = HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
	return Text(req, http.StatusOK, HelloWorldText), nil
})

// RedirectTo registers an operation served by target and redirects the
// client to it. When close is set, the redirect is sent with
// "Connection: close" and the client has to reach the target on a new
// connection.
func RedirectTo(req *Request, code int, target Handler, close bool) *Reply {
	op := req.Listener.Register(target)
	resp := NewResponse(req.Request, code, "redirecting to "+op.URI()+"\n")
	resp.Header.Set("Location", op.URI())
	resp.Close = close
	return &Reply{Response: resp, Redirect: op}
}

// Redirect sends the client on to another operation served by Target.
type Redirect struct {
	Code   int // defaults to 302
	Target Handler
	Close  bool
}

func (h *Redirect) HandleRequest(ctx context.Context, req *Request) (*Reply, error) {
	code := h.Code
	if code == 0 {
		code = http.StatusFound
	}
	target := h.Target
	if target == nil {
		target = HelloWorld
	}
	return RedirectTo(req, code, target, h.Close), nil
}

// BasicAuth challenges requests without valid credentials and passes
// authenticated ones to Target.
type BasicAuth struct {
	Username string
	Password string
	Realm    string
	Target   Handler
}

func (h *BasicAuth) HandleRequest(ctx context.Context, req *Request) (*Reply, error) {
	user, pass, ok := req.BasicAuth()
	if !ok || user != h.Username || pass != h.Password {
		realm := h.Realm
		if realm == "" {
			realm = "asynctest"
		}
		resp := NewResponse(req.Request, http.StatusUnauthorized, "unauthorized\n")
		resp.Header.Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
		return &Reply{Response: resp, Pending: !ok}, nil
	}
	target := h.Target
	if target == nil {
		target = HelloWorld
	}
	return target.HandleRequest(ctx, req)
}

// Chunked sends its chunks with chunked transfer encoding.
type Chunked struct {
	Chunks []string
}

func (h *Chunked) HandleRequest(ctx context.Context, req *Request) (*Reply, error) {
	resp := NewResponse(req.Request, http.StatusOK, "")
	resp.TransferEncoding = []string{"chunked"}
	resp.ContentLength = -1
	resp.Body = io.NopCloser(&chunkReader{chunks: h.Chunks})
	return &Reply{Response: resp}, nil
}

// chunkReader returns one chunk per Read call.
type chunkReader struct {
	chunks []string
	off    int
}

func (r *chunkReader) Read(b []byte) (int, error) {
	for len(r.chunks) > 0 && r.off == len(r.chunks[0]) {
		r.chunks = r.chunks[1:]
		r.off = 0
	}
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(b, r.chunks[0][r.off:])
	r.off += n
	return n, nil
}

// PostEcho answers POST requests with their body.
var PostEcho = HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
	if req.Method != http.MethodPost {
		return Text(req, http.StatusMethodNotAllowed, "POST required\n"), nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return Text(req, http.StatusNoContent, ""), nil
	}
	return Text(req, http.StatusOK, string(body)), nil
})
