// The oryx httpserve package exposes a root directory over HTTP,
// transparently splicing a keyframes index into any FLV file it serves.
// It composes the patch package's synthesizer and virtual reader with
// net/http's Range support, and caches the generated splice next to the
// source file.
package httpserve

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	ol "github.com/oryxext/flvpatch/logger"
	"github.com/oryxext/flvpatch/patch"

	ohttp "github.com/oryxext/flvpatch/http"
)

// Server serves files under RootPath, patching FLV files on the fly.
type Server struct {
	RootPath string
}

// NewServer returns a Server rooted at rootPath.
func NewServer(rootPath string) *Server {
	return &Server{RootPath: rootPath}
}

// Handler returns an http.Handler that serves GET requests under
// RootPath, wrapped with permissive CORS headers so browser-based
// players can fetch Range requests cross-origin.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveGet)
	return withCORS(mux)
}

// withCORS matches the original server's warp::cors().allow_any_origin():
// any origin may GET this server, and may send the Range header needed
// for partial content requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET")
		w.Header().Set("Access-Control-Allow-Headers", "Range")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// serveGet resolves the request path under RootPath, loads or generates
// its patch, and streams the patched view with Range support.
func (s *Server) serveGet(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		ohttp.WriteError(ctx, w, r, ohttp.SystemError(http.StatusMethodNotAllowed))
		return
	}

	decoded, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/"))
	if err != nil {
		notFound(ctx, w, r)
		return
	}

	sourcePath := filepath.Join(s.RootPath, filepath.FromSlash(decoded))

	src, err := os.Open(sourcePath)
	if err != nil {
		ol.W(ctx, "source file not found", sourcePath, err)
		notFound(ctx, w, r)
		return
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		notFound(ctx, w, r)
		return
	}

	p, err := LoadOrGenerate(ctx, sourcePath, src)
	if err != nil {
		ol.W(ctx, "patch generation failed for", sourcePath, err)
		notFound(ctx, w, r)
		return
	}

	reader, err := patch.NewReader(src, p)
	if err != nil {
		notFound(ctx, w, r)
		return
	}

	ohttp.SetHeader(w)
	http.ServeContent(w, r, filepath.Base(sourcePath), info.ModTime(), reader)
}

func notFound(ctx ol.Context, w http.ResponseWriter, r *http.Request) {
	ohttp.SetHeader(w)
	w.Header().Set("Content-Type", ohttp.HttpJson)
	w.WriteHeader(http.StatusNotFound)
	ohttp.WriteCplxError(ctx, w, r, ohttp.SystemError(http.StatusNotFound), "not found")
}

// LoadOrGenerate tries the sidecar next to sourcePath first; any failure
// to read it (missing, truncated, stale format) is non-fatal and falls
// back to regenerating from src, matching the source server's
// open-sidecar-or-regenerate fallback. When src is read to regenerate,
// it is left positioned at the start on return.
func LoadOrGenerate(ctx ol.Context, sourcePath string, src *os.File) (*patch.Patch, error) {
	sidecar := patch.SidecarPath(sourcePath)

	if p, err := patch.ReadFile(sidecar); err == nil {
		return p, nil
	}

	ol.T(ctx, "sidecar stale, regenerating", sidecar)

	p, err := patch.Generate(src)
	if err != nil {
		return nil, err
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	if err := p.WriteFile(sidecar); err != nil {
		ol.W(ctx, "failed to persist sidecar", sidecar, err)
	}

	return p, nil
}

// requestID is an ol.Context that tags log lines with a per-request
// sequence number, so a handful of lines from the same request can be
// correlated in the log output.
type requestID int64

func (v requestID) Cid() int {
	return int(v)
}

var requestCount int64

func requestContext(r *http.Request) ol.Context {
	return requestID(atomic.AddInt64(&requestCount, 1))
}
