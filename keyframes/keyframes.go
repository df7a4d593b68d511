// The oryx keyframes package accumulates the (file-offset, timestamp)
// pairs of an FLV stream's video keyframes and serializes them as the
// AMF0 "keyframes" object the patch synthesizer splices into onMetaData.
package keyframes

import (
	"github.com/oryxext/flvpatch/amf0"
)

// Index accumulates keyframe positions in file order. The two sequences
// are always the same length; filepositions and times are both
// monotonically non-decreasing, since tags are scanned in file order.
type Index struct {
	filepositions []float64
	times         []float64
}

// New returns an empty Index.
func New() *Index {
	return &Index{}
}

// Add appends one keyframe: its byte offset in the original file, and
// its presentation time in seconds (the caller converts from the FLV
// tag's millisecond timestamp).
func (v *Index) Add(fileOffset uint64, timeSeconds float64) {
	v.filepositions = append(v.filepositions, float64(fileOffset))
	v.times = append(v.times, timeSeconds)
}

// Len returns the number of keyframes recorded so far.
func (v *Index) Len() int {
	return len(v.filepositions)
}

// IntoAMF0 serializes the index as the ("keyframes", object) pair that
// belongs in onMetaData. offsetAdjust is added to every stored file
// position to compensate for the byte-size difference between the
// original metadata tag and its patched replacement; it is applied only
// here, at serialization time, never stored in the Index itself.
func (v *Index) IntoAMF0(offsetAdjust float64) (string, *amf0.Object) {
	filepositions := amf0.NewStrictArray()
	for _, p := range v.filepositions {
		filepositions.Append(amf0.NewNumber(p + offsetAdjust))
	}

	times := amf0.NewStrictArray()
	for _, t := range v.times {
		times.Append(amf0.NewNumber(t))
	}

	obj := amf0.NewObject()
	obj.Set("filepositions", filepositions)
	obj.Set("times", times)

	return "keyframes", obj
}
