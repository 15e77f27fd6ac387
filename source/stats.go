package source

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/zsiec/rawingest/demux"
	"github.com/zsiec/rawingest/media"
)

type trackCounters struct {
	frames  atomic.Int64
	bytes   atomic.Int64
	lastDTS atomic.Int64
}

func (c *trackCounters) record(dts int64, size int) {
	c.frames.Add(1)
	c.bytes.Add(int64(size))
	c.lastDTS.Store(dts)
}

type counters struct {
	video     trackCounters
	audio     trackCounters
	keyframes atomic.Int64
	rejected  atomic.Int64
}

// Stats is a point-in-time snapshot of intake counters.
type Stats struct {
	VideoFrames  int64 `json:"videoFrames"`
	VideoBytes   int64 `json:"videoBytes"`
	LastVideoDTS int64 `json:"lastVideoDts"`
	KeyFrames    int64 `json:"keyFrames"`
	AudioFrames  int64 `json:"audioFrames"`
	AudioBytes   int64 `json:"audioBytes"`
	LastAudioDTS int64 `json:"lastAudioDts"`
	Rejected     int64 `json:"rejected"`
}

// Stats returns the current intake counters.
func (s *Source) Stats() Stats {
	return Stats{
		VideoFrames:  s.stats.video.frames.Load(),
		VideoBytes:   s.stats.video.bytes.Load(),
		LastVideoDTS: s.stats.video.lastDTS.Load(),
		KeyFrames:    s.stats.keyframes.Load(),
		AudioFrames:  s.stats.audio.frames.Load(),
		AudioBytes:   s.stats.audio.bytes.Load(),
		LastAudioDTS: s.stats.audio.lastDTS.Load(),
		Rejected:     s.stats.rejected.Load(),
	}
}

// TrackInfo describes a declared track for API responses.
type TrackInfo struct {
	Kind       string  `json:"kind"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	SampleRate int     `json:"sampleRate,omitempty"`
	Profile    int     `json:"profile,omitempty"`
	Codec      string  `json:"codec,omitempty"`
}

// Info is a JSON-ready description of a source.
type Info struct {
	Key         Key         `json:"key"`
	State       string      `json:"state"`
	Live        bool        `json:"live"`
	DurationMS  int64       `json:"durationMs,omitempty"`
	HLS         bool        `json:"hls"`
	MP4         bool        `json:"mp4"`
	Readers     int         `json:"readers"`
	Tracks      []TrackInfo `json:"tracks"`
	CreatedAt   time.Time   `json:"createdAt"`
	Uptime      string      `json:"uptime"`
	CloseReason string      `json:"closeReason,omitempty"`
	Stats       Stats       `json:"stats"`
}

// Info returns a snapshot of the source for listings.
func (s *Source) Info() Info {
	s.mu.Lock()
	tracks := s.neg.Tracks()
	sps := s.sps
	reason := s.closeReason
	s.mu.Unlock()

	info := Info{
		Key:        s.key,
		State:      s.State().String(),
		Live:       s.Live(),
		DurationMS: s.cfg.Duration.Milliseconds(),
		HLS:        s.cfg.HLS,
		MP4:        s.cfg.MP4,
		Readers:    s.readers(),
		Tracks:     make([]TrackInfo, 0, len(tracks)),
		CreatedAt:  s.createdAt,
		Uptime:     s.now().Sub(s.createdAt).Truncate(time.Second).String(),
		Stats:      s.Stats(),
	}
	if reason != ReasonNone {
		info.CloseReason = reason.String()
	}
	for _, t := range tracks {
		ti := TrackInfo{Kind: t.Kind.String()}
		if t.Kind.IsVideo() {
			ti.Width, ti.Height, ti.FPS = t.Width, t.Height, t.FPS
			ti.Codec = videoCodecString(t.Kind, sps)
		} else {
			ti.Channels, ti.SampleRate, ti.Profile = t.Channels, t.SampleRate, t.Profile
			ti.Codec = aacCodecString(t.Profile)
		}
		info.Tracks = append(info.Tracks, ti)
	}
	return info
}

// videoCodecString derives the RFC 6381 codec string from the cached SPS
// when one is available.
func videoCodecString(kind media.Kind, sps []byte) string {
	if kind != media.KindH264 {
		return "hvc1"
	}
	if sps == nil {
		return "avc1"
	}
	params, err := demux.ParseH264SPS(sps)
	if err != nil {
		return "avc1"
	}
	return params.Codec
}

func aacCodecString(profile int) string {
	return "mp4a.40." + strconv.Itoa(profile+1)
}
