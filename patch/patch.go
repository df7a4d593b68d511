// The oryx patch package synthesizes a keyframes-index splice for an FLV
// file (§4.D of the design), serializes the resulting descriptor to a
// compact sidecar file (§4.E), and presents the spliced view of the
// original file as a virtual, seekable reader (§4.F) without ever
// rewriting the file on disk.
package patch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/oryxext/flvpatch/amf0"
	"github.com/oryxext/flvpatch/flv"
	"github.com/oryxext/flvpatch/keyframes"
)

// Patch is the immutable descriptor of a splice: replace OriginSize bytes
// at OriginPos in the original file with Patched.
type Patch struct {
	OriginPos  uint64
	OriginSize uint64
	Patched    []byte
}

// Len returns the byte length of the logical, patched view of a file
// whose original length is originLength.
func (p *Patch) Len(originLength uint64) uint64 {
	return originLength + uint64(len(p.Patched)) - p.OriginSize
}

// Generate scans src, an FLV file positioned anywhere (it is seeked to
// the start), and returns the Patch that splices a "keyframes" index
// into its onMetaData tag. It returns (nil, nil) if the file has no
// onMetaData tag, or if onMetaData already has a "keyframes" entry — in
// both cases the file is left untouched and no error is reported. Any
// structural problem in the FLV stream is returned as a *flv.FormatError.
func Generate(src io.ReadSeeker) (*Patch, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	header, err := flv.ReadHeader(src)
	if err != nil {
		return nil, err
	}
	if _, err := src.Seek(int64(header.DataOffset), io.SeekStart); err != nil {
		return nil, err
	}

	tags, err := flv.NewTagReader(src)
	if err != nil {
		return nil, err
	}

	index := keyframes.New()
	var metadataOffset, metadataSize uint64
	var metadata amf0.Container

	for {
		tag, err := tags.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch data := tag.Data.(type) {
		case flv.VideoPayload:
			if data.FrameType == flv.FrameTypeKeyFrame {
				index.Add(tag.Offset, float64(tag.Timestamp)/1000.0)
			}
		case flv.ScriptPayload:
			container, already, err := decodeMetadata(data.Bytes)
			if err != nil {
				return nil, err
			}
			if already {
				return nil, nil
			}
			metadataOffset = tag.Offset
			metadataSize = tag.Size + 4
			metadata = container
		}
	}

	if metadata == nil {
		return nil, nil
	}

	// Pass 1: serialize with offsetAdjust=0 to learn the patched length.
	candidate := buildPatchedTag(metadata, index, 0)
	patchedLen := len(candidate)

	// Pass 2: the self-referential fixed point. AMF0 numbers are a fixed
	// 9 bytes regardless of value, so this second pass reproduces exactly
	// patchedLen bytes — the self-reference stays consistent.
	offsetAdjust := float64(patchedLen) - float64(metadataSize)
	final := buildPatchedTag(metadata, index, offsetAdjust)

	return &Patch{
		OriginPos:  metadataOffset,
		OriginSize: metadataSize,
		Patched:    final,
	}, nil
}

// decodeMetadata decodes a script tag's AMF0 payload as ("onMetaData",
// metadata-object). already reports whether metadata already carries a
// "keyframes" entry, in which case the caller should treat the file as
// already patched.
func decodeMetadata(payload []byte) (container amf0.Container, already bool, err error) {
	name, err := amf0.Discovery(payload)
	if err != nil {
		return nil, false, &flv.FormatError{Msg: fmt.Sprintf("script tag: %v", err)}
	}
	if err := name.UnmarshalBinary(payload); err != nil {
		return nil, false, &flv.FormatError{Msg: fmt.Sprintf("script tag: %v", err)}
	}
	s, ok := name.(*amf0.String)
	if !ok || string(*s) != "onMetaData" {
		return nil, false, &flv.FormatError{Msg: "script tag's first AMF0 value is not \"onMetaData\""}
	}
	payload = payload[name.Size():]

	value, err := amf0.Discovery(payload)
	if err != nil {
		return nil, false, &flv.FormatError{Msg: fmt.Sprintf("onMetaData value: %v", err)}
	}
	if err := value.UnmarshalBinary(payload); err != nil {
		return nil, false, &flv.FormatError{Msg: fmt.Sprintf("onMetaData value: %v", err)}
	}
	c, ok := value.(amf0.Container)
	if !ok {
		return nil, false, &flv.FormatError{Msg: "onMetaData value is not an object"}
	}

	return c, c.Get("keyframes") != nil, nil
}

// buildPatchedTag rebuilds metadata's properties into a fresh AMF0 object
// with the keyframes index appended as the last entry (preserving the
// original property order), wraps it as "onMetaData" + object, and
// encodes the whole thing as an FLV script tag with its trailer.
func buildPatchedTag(metadata amf0.Container, index *keyframes.Index, offsetAdjust float64) []byte {
	obj := amf0.NewObject()
	for _, p := range metadata.Properties() {
		obj.Set(p.Key, p.Value)
	}
	key, kf := index.IntoAMF0(offsetAdjust)
	obj.Set(key, kf)

	var buf bytes.Buffer
	name := amf0.NewString("onMetaData")
	nb, _ := name.MarshalBinary()
	buf.Write(nb)
	ob, _ := obj.MarshalBinary()
	buf.Write(ob)

	return flv.EncodeScriptTag(buf.Bytes())
}

// SidecarPath returns the sidecar path for source, per §6: for
// ".../name.flv" the sidecar is ".../.name.v0.binpatch".
func SidecarPath(source string) string {
	dir := filepath.Dir(source)
	base := filepath.Base(source)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	return filepath.Join(dir, "."+stem+".v0.binpatch")
}

// WriteFile serializes p to path using the wire shape of §6:
// u64 origin_pos | u64 origin_size | u64 patched_len | patched bytes, all
// little-endian. The write does not happen in place: a temp file is written
// in the same directory and renamed over path, per spec §5's SHOULD.
func (p *Patch) WriteFile(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".binpatch-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writePatch(tmp, p); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

func writePatch(w io.Writer, p *Patch) error {
	var header [24]byte
	binary.LittleEndian.PutUint64(header[0:8], p.OriginPos)
	binary.LittleEndian.PutUint64(header[8:16], p.OriginSize)
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(p.Patched)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(p.Patched)
	return err
}

// ReadFile deserializes a Patch previously written by WriteFile.
func ReadFile(path string) (*Patch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var header [24]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, err
	}

	p := &Patch{
		OriginPos:  binary.LittleEndian.Uint64(header[0:8]),
		OriginSize: binary.LittleEndian.Uint64(header[8:16]),
	}
	patchedLen := binary.LittleEndian.Uint64(header[16:24])

	p.Patched = make([]byte, patchedLen)
	if _, err := io.ReadFull(f, p.Patched); err != nil {
		return nil, err
	}

	return p, nil
}

// Reader presents backing's bytes with patch spliced in at
// patch.OriginPos, without ever writing to backing. It implements
// io.ReadSeeker so it can be handed directly to http.ServeContent for
// Range request support.
type Reader struct {
	backing      io.ReadSeeker
	backingPos   uint64
	havePos      bool
	patch        *Patch
	originLength uint64

	// offset is the current logical read position in the patched view.
	offset uint64
}

// NewReader wraps backing, whose current length is learned via Seek, to
// present the view patch describes. patch may be nil, in which case the
// Reader is a pure passthrough.
func NewReader(backing io.ReadSeeker, patch *Patch) (*Reader, error) {
	cur, err := backing.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	end, err := backing.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if _, err := backing.Seek(cur, io.SeekStart); err != nil {
		return nil, err
	}

	return &Reader{
		backing:      backing,
		patch:        patch,
		originLength: uint64(end),
	}, nil
}

// Len returns the total logical length of the patched view.
func (r *Reader) Len() uint64 {
	if r.patch == nil {
		return r.originLength
	}
	return r.patch.Len(r.originLength)
}

// Seek repositions the logical read offset. Per spec, seeking past the
// end of the view is permitted and not clamped; a subsequent Read simply
// returns io.EOF. Only a resulting negative offset is an error.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(r.offset)
	case io.SeekEnd:
		base = int64(r.Len())
	default:
		return 0, fmt.Errorf("patch: invalid whence %d", whence)
	}

	next := base + offset
	if next < 0 {
		return 0, fmt.Errorf("patch: negative seek position")
	}

	r.offset = uint64(next)
	return int64(r.offset), nil
}

// Read serves at most one region (prefix, patch, or suffix) per call, so
// that a single call never needs to stitch two different byte sources
// together.
func (r *Reader) Read(buf []byte) (int, error) {
	if r.offset >= r.Len() {
		return 0, io.EOF
	}
	if len(buf) == 0 {
		return 0, nil
	}

	if r.patch == nil {
		return r.readBacking(buf, r.offset)
	}

	patchEnd := r.patch.OriginPos + uint64(len(r.patch.Patched))

	switch {
	case r.offset < r.patch.OriginPos:
		n := r.patch.OriginPos - r.offset
		if uint64(len(buf)) > n {
			buf = buf[:n]
		}
		return r.readBacking(buf, r.offset)

	case r.offset < patchEnd:
		start := r.offset - r.patch.OriginPos
		n := copy(buf, r.patch.Patched[start:])
		r.offset += uint64(n)
		return n, nil

	default:
		// Suffix: the logical offset maps back into the origin file
		// shifted by the difference in size between the patched region
		// and the bytes it replaced.
		originOffset := r.offset - patchEnd + r.patch.OriginPos + r.patch.OriginSize
		remaining := r.originLength - originOffset
		if uint64(len(buf)) > remaining {
			buf = buf[:remaining]
		}
		n, err := r.readBacking(buf, originOffset)
		return n, err
	}
}

// readBacking reads from the backing source at originOffset, seeking
// only when the backing file's position is not already there.
func (r *Reader) readBacking(buf []byte, originOffset uint64) (int, error) {
	if !r.havePos || r.backingPos != originOffset {
		if _, err := r.backing.Seek(int64(originOffset), io.SeekStart); err != nil {
			return 0, err
		}
		r.havePos = true
	}

	n, err := r.backing.Read(buf)
	r.backingPos = originOffset + uint64(n)
	r.offset += uint64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}
