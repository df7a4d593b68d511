package httpserve_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/oryxext/flvpatch/amf0"
	"github.com/oryxext/flvpatch/flv"
	"github.com/oryxext/flvpatch/httpserve"
)

func writeTestFLV(t *testing.T, path string) {
	t.Helper()

	obj := amf0.NewObject()
	obj.Set("duration", amf0.NewNumber(5))
	name := amf0.NewString("onMetaData")
	nb, err := name.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	ob, err := obj.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	scriptTag := flv.EncodeScriptTag(append(nb, ob...))

	var buf bytes.Buffer
	buf.WriteString("FLV")
	buf.WriteByte(1)
	buf.WriteByte(0x01)
	buf.Write([]byte{0, 0, 0, 9})
	buf.Write([]byte{0, 0, 0, 0})
	buf.Write(scriptTag)

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestServeGetPatchesOnTheFly(t *testing.T) {
	dir := t.TempDir()
	writeTestFLV(t, filepath.Join(dir, "video.flv"))

	srv := httpserve.NewServer(dir)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/video.flv")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if _, err := os.Stat(filepath.Join(dir, ".video.v0.binpatch")); err != nil {
		t.Fatalf("expected sidecar to be written: %v", err)
	}
}

func TestServeGetMissingFileIs404(t *testing.T) {
	dir := t.TempDir()
	srv := httpserve.NewServer(dir)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/missing.flv")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServeGetRangeRequest(t *testing.T) {
	dir := t.TempDir()
	writeTestFLV(t, filepath.Join(dir, "video.flv"))

	srv := httpserve.NewServer(dir)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/video.flv", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Range", "bytes=0-3")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
}

func TestCORSHeaderPresent(t *testing.T) {
	dir := t.TempDir()
	writeTestFLV(t, filepath.Join(dir, "video.flv"))

	srv := httpserve.NewServer(dir)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/video.flv")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
}
