package media

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTrack is returned when a track declaration carries parameters
// outside the supported range.
var ErrInvalidTrack = errors.New("media: invalid track")

// Kind identifies the codec of an elementary stream.
type Kind int

// Supported track kinds.
const (
	KindUnknown Kind = iota
	KindH264
	KindH265
	KindAAC
)

// String returns the short codec name used in logs and the API.
func (k Kind) String() string {
	switch k {
	case KindH264:
		return "h264"
	case KindH265:
		return "h265"
	case KindAAC:
		return "aac"
	default:
		return "unknown"
	}
}

// ParseKind maps a codec name back to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "h264", "H264", "avc":
		return KindH264, true
	case "h265", "H265", "hevc":
		return KindH265, true
	case "aac", "AAC":
		return KindAAC, true
	}
	return KindUnknown, false
}

// Class groups kinds into the two slots a source can hold.
type Class int

// Track classes. A source holds at most one track of each class.
const (
	ClassVideo Class = iota
	ClassAudio
)

func (c Class) String() string {
	if c == ClassAudio {
		return "audio"
	}
	return "video"
}

// Class reports whether the kind is a video or an audio codec.
func (k Kind) Class() Class {
	if k == KindAAC {
		return ClassAudio
	}
	return ClassVideo
}

// IsVideo reports whether the kind is a supported video codec.
func (k Kind) IsVideo() bool { return k == KindH264 || k == KindH265 }

// SupportedSampleBits is the only PCM sample depth an AAC track may declare.
const SupportedSampleBits = 16

// aacSampleRates lists the rates an ADTS header can signal (ISO 14496-3).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// TrackError records which field of a declaration was rejected.
type TrackError struct {
	Field string
	Value any
}

func (e *TrackError) Error() string {
	return fmt.Sprintf("media: invalid track %s: %v", e.Field, e.Value)
}

// Unwrap lets callers match any TrackError with errors.Is(err, ErrInvalidTrack).
func (e *TrackError) Unwrap() error { return ErrInvalidTrack }

// Track describes one negotiated elementary stream. It is immutable once a
// source has accepted it.
type Track struct {
	Kind Kind

	// Video parameters.
	Width  int
	Height int
	FPS    float64

	// Audio parameters. Profile is the ADTS profile field (object type - 1),
	// used only when a header has to be synthesized.
	Channels   int
	SampleBits int
	SampleRate int
	Profile    int

	AcceptedAt time.Time
}

// NewVideoTrack builds a video track for the given codec.
func NewVideoTrack(kind Kind, width, height int, fps float64) Track {
	return Track{Kind: kind, Width: width, Height: height, FPS: fps}
}

// NewAudioTrack builds an AAC track.
func NewAudioTrack(channels, sampleBits, sampleRate, profile int) Track {
	return Track{
		Kind:       KindAAC,
		Channels:   channels,
		SampleBits: sampleBits,
		SampleRate: sampleRate,
		Profile:    profile,
	}
}

// Validate checks the declared parameters for the track's kind.
func (t Track) Validate() error {
	switch t.Kind {
	case KindH264, KindH265:
		if t.Width <= 0 {
			return &TrackError{Field: "width", Value: t.Width}
		}
		if t.Height <= 0 {
			return &TrackError{Field: "height", Value: t.Height}
		}
		if t.FPS <= 0 {
			return &TrackError{Field: "fps", Value: t.FPS}
		}
	case KindAAC:
		if t.Channels < 1 || t.Channels > 7 {
			return &TrackError{Field: "channels", Value: t.Channels}
		}
		if t.SampleBits != SupportedSampleBits {
			return &TrackError{Field: "sampleBits", Value: t.SampleBits}
		}
		if SampleRateIndex(t.SampleRate) < 0 {
			return &TrackError{Field: "sampleRate", Value: t.SampleRate}
		}
		if t.Profile < 0 || t.Profile > 3 {
			return &TrackError{Field: "profile", Value: t.Profile}
		}
	default:
		return &TrackError{Field: "kind", Value: t.Kind}
	}
	return nil
}

// SampleRateIndex returns the ADTS sampling frequency index for rate, or -1
// if the rate cannot be signalled in an ADTS header.
func SampleRateIndex(rate int) int {
	for i, r := range aacSampleRates {
		if r == rate {
			return i
		}
	}
	return -1
}

// SampleRateAt returns the rate for an ADTS sampling frequency index, or 0.
func SampleRateAt(idx int) int {
	if idx < 0 || idx >= len(aacSampleRates) {
		return 0
	}
	return aacSampleRates[idx]
}
