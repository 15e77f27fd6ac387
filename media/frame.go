// Package media defines the track and frame types that flow from a producer
// through an ingestion source to its attached consumers.
package media

import "bytes"

// Default queue depths used by consumers that decouple dispatch from their
// own delivery. Sized for ~2 seconds of video at 30fps and ~2.5s of AAC.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
)

// startCode is the canonical Annex B prefix every normalized NAL unit carries.
var startCode = []byte{0, 0, 0, 1}

// StartCode returns a copy of the canonical 4-byte Annex B start code.
func StartCode() []byte {
	return append([]byte(nil), startCode...)
}

// VideoFrame is one access unit pushed by the producer. NALUs are normalized
// to 4-byte start-code Annex B regardless of the prefix form the producer used.
// The most recent parameter sets seen on the track ride along with every frame
// so late consumers can configure a decoder at the next key frame.
type VideoFrame struct {
	Codec      Kind
	DTS        int64 // milliseconds
	PTS        int64 // milliseconds
	IsKeyframe bool
	NALUs      [][]byte
	SPS        []byte
	PPS        []byte
	VPS        []byte
}

// AnnexB joins the frame's NAL units into a single byte stream.
func (f *VideoFrame) AnnexB() []byte {
	return bytes.Join(f.NALUs, nil)
}

// Size returns the total payload size in bytes.
func (f *VideoFrame) Size() int {
	n := 0
	for _, nalu := range f.NALUs {
		n += len(nalu)
	}
	return n
}

// AudioFrame is one AAC frame. Data never carries an ADTS header; Header holds
// the header in effect for this push, whether the producer embedded it,
// supplied it separately, or it was synthesized from the track parameters.
type AudioFrame struct {
	DTS        int64 // milliseconds
	PTS        int64 // milliseconds, always equal to DTS
	Data       []byte
	Header     []byte
	SampleRate int
	Channels   int
}

// ADTS returns the frame as a complete ADTS unit (header followed by payload).
func (f *AudioFrame) ADTS() []byte {
	out := make([]byte, 0, len(f.Header)+len(f.Data))
	out = append(out, f.Header...)
	return append(out, f.Data...)
}

// Consumer receives frames dispatched by a source. Send methods are called
// synchronously on the producer's goroutine and must only hand the frame off;
// they must never block on I/O.
type Consumer interface {
	ID() string
	SendVideo(frame *VideoFrame)
	SendAudio(frame *AudioFrame)
}
