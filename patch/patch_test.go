package patch_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/oryxext/flvpatch/amf0"
	"github.com/oryxext/flvpatch/flv"
	"github.com/oryxext/flvpatch/patch"
)

// buildFLV assembles a minimal FLV stream: header, one script tag
// carrying onMetaData with the given extra properties, and one video
// keyframe tag at the given timestamp.
func buildFLV(t *testing.T, metaProps map[string]float64, keyframeTimestamp uint32) []byte {
	t.Helper()

	obj := amf0.NewObject()
	for k, v := range metaProps {
		obj.Set(k, amf0.NewNumber(v))
	}
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
	buf.WriteByte(0x05) // audio+video flags, irrelevant to the test
	buf.Write([]byte{0, 0, 0, 9})
	buf.Write([]byte{0, 0, 0, 0}) // PTS before first tag

	buf.Write(scriptTag)

	videoPayload := []byte{0x17} // key frame, avc
	var header [11]byte
	header[0] = byte(flv.TagTypeVideo)
	size := uint32(len(videoPayload))
	header[1] = byte(size >> 16)
	header[2] = byte(size >> 8)
	header[3] = byte(size)
	header[4] = byte(keyframeTimestamp >> 16)
	header[5] = byte(keyframeTimestamp >> 8)
	header[6] = byte(keyframeTimestamp)
	buf.Write(header[:])
	buf.Write(videoPayload)
	tagLen := uint32(11 + len(videoPayload))
	buf.Write([]byte{byte(tagLen >> 24), byte(tagLen >> 16), byte(tagLen >> 8), byte(tagLen)})

	return buf.Bytes()
}

func TestGenerateRoundTrip(t *testing.T) {
	raw := buildFLV(t, map[string]float64{"duration": 12.5}, 1000)

	src := bytes.NewReader(raw)
	p, err := patch.Generate(src)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("expected a patch, got nil")
	}

	r, err := patch.NewReader(bytes.NewReader(raw), p)
	if err != nil {
		t.Fatal(err)
	}

	view, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(view)) != r.Len() {
		t.Fatalf("ReadAll got %d bytes, Len() reports %d", len(view), r.Len())
	}

	// The patched view must still be a structurally valid FLV stream: a
	// second Generate pass over it must find a "keyframes" entry already
	// present and report no further patch.
	again, err := patch.Generate(bytes.NewReader(view))
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatal("expected already-patched file to need no further patch")
	}
}

func TestGenerateNoMetadataTag(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("FLV")
	buf.WriteByte(1)
	buf.WriteByte(0x01)
	buf.Write([]byte{0, 0, 0, 9})
	buf.Write([]byte{0, 0, 0, 0})

	p, err := patch.Generate(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatal("expected no patch when there is no script tag")
	}
}

// TestGenerateEmptyFLV covers the empty-file scenario: header plus a
// single trailing previous-tag-size and nothing else. The stream ends
// cleanly right after that trailer, with no tag header ever following
// it, and must not be mistaken for a truncated tag.
func TestGenerateEmptyFLV(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("FLV")
	buf.WriteByte(1)
	buf.WriteByte(0x05)
	buf.Write([]byte{0, 0, 0, 9})
	buf.Write([]byte{0, 0, 0, 0})

	p, err := patch.Generate(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatal("expected no patch for an empty FLV with no tags")
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	raw := buildFLV(t, map[string]float64{"duration": 3}, 500)
	p, err := patch.Generate(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("expected a patch")
	}

	dir := t.TempDir()
	sidecar := patch.SidecarPath(filepath.Join(dir, "video.flv"))
	if filepath.Base(sidecar) != ".video.v0.binpatch" {
		t.Fatalf("SidecarPath = %q, want .video.v0.binpatch", filepath.Base(sidecar))
	}

	if err := p.WriteFile(sidecar); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sidecar); err != nil {
		t.Fatal(err)
	}

	loaded, err := patch.ReadFile(sidecar)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.OriginPos != p.OriginPos || loaded.OriginSize != p.OriginSize {
		t.Fatalf("loaded patch %+v does not match original %+v", loaded, p)
	}
	if !bytes.Equal(loaded.Patched, p.Patched) {
		t.Fatal("loaded patched bytes differ from original")
	}
}

func TestReaderRangeRead(t *testing.T) {
	raw := buildFLV(t, map[string]float64{"duration": 7}, 2000)
	p, err := patch.Generate(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}

	r, err := patch.NewReader(bytes.NewReader(raw), p)
	if err != nil {
		t.Fatal(err)
	}
	full, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}

	for _, start := range []int64{0, 5, int64(p.OriginPos), int64(p.OriginPos) + int64(len(p.Patched)) - 1} {
		if _, err := r.Seek(start, io.SeekStart); err != nil {
			t.Fatal(err)
		}
		got := make([]byte, 4)
		n, _ := r.Read(got)
		want := full[start : start+int64(n)]
		if !bytes.Equal(got[:n], want) {
			t.Fatalf("range read at %d: got %v, want %v", start, got[:n], want)
		}
	}
}

func TestReaderSeekPastEndReturnsEOF(t *testing.T) {
	raw := buildFLV(t, map[string]float64{"duration": 1}, 0)
	p, err := patch.Generate(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}

	r, err := patch.NewReader(bytes.NewReader(raw), p)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Seek(int64(r.Len())+1000, io.SeekStart); err != nil {
		t.Fatalf("seek past end should not error, got %v", err)
	}
	buf := make([]byte, 8)
	n, err := r.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("Read past end = (%d, %v), want (0, io.EOF)", n, err)
	}
}
