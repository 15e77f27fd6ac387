// Package pipeline drives a source from channels. A producer that reads
// frames on its own goroutines (files, sockets, capture devices) sends them
// into the pipeline's channels; the pipeline pushes them into the source in
// order, watches for the close notification, and performs the final release.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/rawingest/media"
	"github.com/zsiec/rawingest/source"
)

// VideoInput is one encoded video access unit awaiting intake.
type VideoInput struct {
	Codec media.Kind
	Data  []byte
	DTS   int64
	PTS   int64
}

// AudioInput is one AAC frame awaiting intake.
type AudioInput struct {
	Data   []byte
	DTS    int64
	Mode   source.HeaderMode
	Header []byte
}

// Sink is the subset of *source.Source the pipeline drives. Accepting an
// interface keeps the pipeline testable with stubs.
type Sink interface {
	PushVideo(codec media.Kind, payload []byte, dts, pts int64) error
	PushAudio(payload []byte, dts int64, mode source.HeaderMode, header []byte) error
	Closed() <-chan struct{}
	Release() error
}

// DebugStats are low-level forwarding counters for diagnostics.
type DebugStats struct {
	VideoForwarded int64 `json:"videoForwarded"`
	AudioForwarded int64 `json:"audioForwarded"`
	Rejected       int64 `json:"rejected"`
	LastVideoDTS   int64 `json:"lastVideoDts"`
	LastAudioDTS   int64 `json:"lastAudioDts"`
	VideoChanDepth int   `json:"videoChanDepth"`
	AudioChanDepth int   `json:"audioChanDepth"`
}

// Pipeline bridges a producer's frame channels and one source.
type Pipeline struct {
	log   *slog.Logger
	sink  Sink
	video <-chan *VideoInput
	audio <-chan *AudioInput

	videoForwarded atomic.Int64
	audioForwarded atomic.Int64
	rejected       atomic.Int64
	lastVideoDTS   atomic.Int64
	lastAudioDTS   atomic.Int64
	videoChanDepth atomic.Int32
	audioChanDepth atomic.Int32
}

// New creates a Pipeline pushing into sink. Either channel may be nil for a
// single-track producer. If log is nil, slog.Default() is used.
func New(sink Sink, video <-chan *VideoInput, audio <-chan *AudioInput, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:   log.With("component", "pipeline"),
		sink:  sink,
		video: video,
		audio: audio,
	}
}

// Debug returns forwarding counters and channel depths.
func (p *Pipeline) Debug() DebugStats {
	return DebugStats{
		VideoForwarded: p.videoForwarded.Load(),
		AudioForwarded: p.audioForwarded.Load(),
		Rejected:       p.rejected.Load(),
		LastVideoDTS:   p.lastVideoDTS.Load(),
		LastAudioDTS:   p.lastAudioDTS.Load(),
		VideoChanDepth: int(p.videoChanDepth.Load()),
		AudioChanDepth: int(p.audioChanDepth.Load()),
	}
}

// Run forwards frames until ctx is cancelled, both input channels close, or
// the source starts closing. In every case it releases the source before
// returning. After a close notification, frames already queued in the
// channels are flushed first.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.release()

	videoCh, audioCh := p.video, p.audio
	closed := p.sink.Closed()

	for videoCh != nil || audioCh != nil {
		p.videoChanDepth.Store(int32(len(videoCh)))
		p.audioChanDepth.Store(int32(len(audioCh)))

		// Priority drain: forward video first so the more frequent audio
		// frames cannot starve it under select's random choice.
		select {
		case in, ok := <-videoCh:
			if !ok {
				p.log.Info("video channel closed")
				videoCh = nil
				continue
			}
			if !p.forwardVideo(in) {
				return nil
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil

		case <-closed:
			p.log.Info("source closing, flushing queued frames")
			p.flush(videoCh, audioCh)
			return nil

		case in, ok := <-videoCh:
			if !ok {
				p.log.Info("video channel closed")
				videoCh = nil
				continue
			}
			if !p.forwardVideo(in) {
				return nil
			}

		case in, ok := <-audioCh:
			if !ok {
				p.log.Info("audio channel closed")
				audioCh = nil
				continue
			}
			if !p.forwardAudio(in) {
				return nil
			}
		}
	}
	p.log.Info("inputs exhausted")
	return nil
}

// flush pushes whatever is already buffered without waiting for more.
func (p *Pipeline) flush(videoCh <-chan *VideoInput, audioCh <-chan *AudioInput) {
	for videoCh != nil || audioCh != nil {
		select {
		case in, ok := <-videoCh:
			if !ok {
				videoCh = nil
				continue
			}
			if !p.forwardVideo(in) {
				return
			}
		case in, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			if !p.forwardAudio(in) {
				return
			}
		default:
			return
		}
	}
}

// forwardVideo pushes one frame and reports whether the pipeline should keep
// running. Rejections are counted but do not stop the pipeline.
func (p *Pipeline) forwardVideo(in *VideoInput) bool {
	if err := p.sink.PushVideo(in.Codec, in.Data, in.DTS, in.PTS); err != nil {
		return p.rejectedPush("video", in.DTS, err)
	}
	p.videoForwarded.Add(1)
	p.lastVideoDTS.Store(in.DTS)
	return true
}

func (p *Pipeline) forwardAudio(in *AudioInput) bool {
	if err := p.sink.PushAudio(in.Data, in.DTS, in.Mode, in.Header); err != nil {
		return p.rejectedPush("audio", in.DTS, err)
	}
	p.audioForwarded.Add(1)
	p.lastAudioDTS.Store(in.DTS)
	return true
}

func (p *Pipeline) rejectedPush(track string, dts int64, err error) bool {
	if errors.Is(err, source.ErrReleased) {
		p.log.Warn("source released underneath pipeline")
		return false
	}
	p.rejected.Add(1)
	p.log.Debug("frame rejected", "track", track, "dts", dts, "error", err)
	return true
}

func (p *Pipeline) release() {
	err := p.sink.Release()
	switch {
	case err == nil:
		p.log.Info("source released",
			"video_forwarded", p.videoForwarded.Load(),
			"audio_forwarded", p.audioForwarded.Load(),
			"rejected", p.rejected.Load())
	case errors.Is(err, source.ErrReleased):
	default:
		p.log.Warn("release failed", "error", err)
	}
}
