// The MIT License (MIT)
//
// Copyright (c) 2013-2017 Oryx(ossrs)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

// The oryx flv package reads FLV headers and tags from a seekable byte
// source, and encodes replacement script-data tags for patching.
// Refer to @doc video_file_format_spec_v10.pdf, @page 8, @section Annex E.
package flv

import (
	"fmt"
	"io"
)

// FLV tag type, refer to @doc video_file_format_spec_v10.pdf, @page 9.
type TagType uint8

const (
	TagTypeAudio      TagType = 0x08
	TagTypeVideo      TagType = 0x09
	TagTypeScriptData TagType = 0x12
)

func (v TagType) String() string {
	switch v {
	case TagTypeAudio:
		return "Audio"
	case TagTypeVideo:
		return "Video"
	case TagTypeScriptData:
		return "Data"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(v))
	}
}

// Video frame type, the high nibble of a video tag's first payload byte.
// Refer to @doc video_file_format_spec_v10.pdf, @page 78.
type FrameType uint8

const (
	FrameTypeKeyFrame             FrameType = 1
	FrameTypeInterFrame           FrameType = 2
	FrameTypeDisposableInterFrame FrameType = 3
	FrameTypeGeneratedKeyFrame    FrameType = 4
	FrameTypeVideoInfoOrCommand   FrameType = 5
)

func (v FrameType) String() string {
	switch v {
	case FrameTypeKeyFrame:
		return "KeyFrame"
	case FrameTypeInterFrame:
		return "InterFrame"
	case FrameTypeDisposableInterFrame:
		return "DisposableInterFrame"
	case FrameTypeGeneratedKeyFrame:
		return "GeneratedKeyFrame"
	case FrameTypeVideoInfoOrCommand:
		return "VideoInfoOrCommand"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(v))
	}
}

func (v FrameType) valid() bool {
	return v >= FrameTypeKeyFrame && v <= FrameTypeVideoInfoOrCommand
}

// FormatError reports a structural problem in the FLV byte stream:
// a bad signature, an unknown tag type, an invalid frame type, or a
// truncated tag. The HTTP adapter treats any FormatError the same as
// an I/O error (maps to 404), but callers and tests can distinguish it.
type FormatError struct {
	Msg string
}

func (e *FormatError) Error() string {
	return "flv: format error: " + e.Msg
}

func formatErrorf(format string, a ...interface{}) error {
	return &FormatError{Msg: fmt.Sprintf(format, a...)}
}

// Header is the 9-byte FLV file header.
type Header struct {
	Version    uint8
	HasAudio   bool
	HasVideo   bool
	DataOffset uint32
}

// ReadHeader reads and validates the 9-byte FLV header from r. It does not
// consume the previous-tag-size field that follows at DataOffset.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [9]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, formatErrorf("truncated FLV header")
		}
		return Header{}, err
	}

	if buf[0] != 'F' || buf[1] != 'L' || buf[2] != 'V' {
		return Header{}, formatErrorf("bad FLV signature")
	}

	h := Header{
		Version:    buf[3],
		HasAudio:   buf[4]&0x04 != 0,
		HasVideo:   buf[4]&0x01 != 0,
		DataOffset: uint32(buf[5])<<24 | uint32(buf[6])<<16 | uint32(buf[7])<<8 | uint32(buf[8]),
	}
	return h, nil
}

// TagData is the variant-typed payload carried by a Tag: one of
// AudioPayload, VideoPayload, ScriptPayload, or OtherPayload.
type TagData interface {
	tagData()
}

// AudioPayload marks an audio tag; the payload bytes are never buffered.
type AudioPayload struct{}

func (AudioPayload) tagData() {}

// VideoPayload carries the frame type decoded from a video tag's first
// payload byte; the remaining payload bytes are never buffered.
type VideoPayload struct {
	FrameType FrameType
}

func (VideoPayload) tagData() {}

// ScriptPayload carries the full AMF0 payload of a script-data tag.
type ScriptPayload struct {
	Bytes []byte
}

func (ScriptPayload) tagData() {}

// OtherPayload is never produced: an unrecognized tag type is a FormatError.
// It exists only to round out the TagData variant set.
type OtherPayload struct{}

func (OtherPayload) tagData() {}

// Tag is one FLV tag: its 11-byte header fields plus its classified payload.
type Tag struct {
	Type      TagType
	DataSize  uint32
	Timestamp uint32 // milliseconds, high byte promoted
	StreamID  uint32
	Data      TagData

	// Offset is the absolute byte position of this tag's header in the
	// underlying source, as tracked by the TagReader that produced it.
	Offset uint64
	// Size is the on-disk size of this tag: 11-byte header + DataSize.
	// It does not include the following 4-byte previous-tag-size trailer.
	Size uint64
}

// TagReader iterates the tags of an FLV stream positioned just after the
// 9-byte header (i.e. at Header.DataOffset). It consumes the 4-byte
// previous-tag-size field that precedes every tag (including the first)
// without validating its value.
//
// Audio and video payloads are skipped with Seek, never buffered; script
// payloads are fully read since AMF0 decoding needs them in memory.
type TagReader struct {
	r      io.ReadSeeker
	pos    uint64
	length uint64
}

// NewTagReader wraps r, which must be positioned at the FLV header's
// DataOffset, for tag iteration. It determines the source's total length
// by seeking to the end and back, so truncated tags can be detected
// without relying on Seek past EOF to error (it doesn't, for regular files).
func NewTagReader(r io.ReadSeeker) (*TagReader, error) {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	length, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(pos, io.SeekStart); err != nil {
		return nil, err
	}
	return &TagReader{r: r, pos: uint64(pos), length: uint64(length)}, nil
}

// Next returns the next tag, or io.EOF once the stream is cleanly exhausted
// at a tag boundary. A truncation inside a tag's header or payload is
// reported as a *FormatError, never as io.EOF.
func (v *TagReader) Next() (*Tag, error) {
	var head [4 + 11]byte
	n, err := io.ReadFull(v.r, head[:])
	if err != nil && n <= 4 {
		// A well-formed FLV ends with exactly a trailing previous-tag-size
		// after its last tag, then EOF: n==4 here is that trailer, not a
		// truncated tag, so this is a clean stop, not a FormatError.
		return nil, io.EOF
	}
	if err != nil {
		return nil, formatErrorf("truncated tag boundary: %v", err)
	}
	v.pos += uint64(n)

	th := head[4:]
	tagOffset := v.pos - uint64(len(th))
	dataSize := uint32(th[1])<<16 | uint32(th[2])<<8 | uint32(th[3])
	tag := &Tag{
		Type:      TagType(th[0]),
		DataSize:  dataSize,
		Timestamp: uint32(th[7])<<24 | uint32(th[4])<<16 | uint32(th[5])<<8 | uint32(th[6]),
		StreamID:  uint32(th[8])<<16 | uint32(th[9])<<8 | uint32(th[10]),
		Offset:    tagOffset,
		Size:      11 + uint64(dataSize),
	}

	switch tag.Type {
	case TagTypeAudio:
		if err := v.skip(uint64(tag.DataSize)); err != nil {
			return nil, err
		}
		tag.Data = AudioPayload{}
	case TagTypeVideo:
		if tag.DataSize < 1 {
			return nil, formatErrorf("video tag with empty payload at offset %d", tagOffset)
		}
		var b [1]byte
		if err := v.readFull(b[:]); err != nil {
			return nil, err
		}
		frameType := FrameType(b[0] >> 4)
		if !frameType.valid() {
			return nil, formatErrorf("invalid video frame type %d at offset %d", b[0]>>4, tagOffset)
		}
		if err := v.skip(uint64(tag.DataSize) - 1); err != nil {
			return nil, err
		}
		tag.Data = VideoPayload{FrameType: frameType}
	case TagTypeScriptData:
		buf := make([]byte, tag.DataSize)
		if err := v.readFull(buf); err != nil {
			return nil, err
		}
		tag.Data = ScriptPayload{Bytes: buf}
	default:
		return nil, formatErrorf("unknown tag type %d at offset %d", tag.Type, tagOffset)
	}

	return tag, nil
}

func (v *TagReader) readFull(buf []byte) error {
	n, err := io.ReadFull(v.r, buf)
	v.pos += uint64(n)
	if err != nil {
		return formatErrorf("truncated tag payload: %v", err)
	}
	return nil
}

func (v *TagReader) skip(n uint64) error {
	if v.pos+n > v.length {
		return formatErrorf("truncated tag payload: declared size exceeds remaining data")
	}
	if n == 0 {
		return nil
	}
	if _, err := v.r.Seek(int64(n), io.SeekCurrent); err != nil {
		return err
	}
	v.pos += n
	return nil
}

// EncodeScriptTag builds a complete on-disk script-data tag (11-byte
// header + payload + trailing 4-byte previous-tag-size) carrying payload
// as its AMF0 body, with timestamp and stream id both zero.
func EncodeScriptTag(payload []byte) []byte {
	dataSize := uint32(len(payload))

	out := make([]byte, 0, 11+len(payload)+4)
	out = append(out,
		byte(TagTypeScriptData),
		byte(dataSize>>16), byte(dataSize>>8), byte(dataSize),
		0, 0, 0, // timestamp
		0,       // timestamp extended
		0, 0, 0, // stream id
	)
	out = append(out, payload...)

	tagLen := uint32(len(out))
	out = append(out, byte(tagLen>>24), byte(tagLen>>16), byte(tagLen>>8), byte(tagLen))

	return out
}
