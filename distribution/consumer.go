package distribution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"github.com/zsiec/rawingest/internal/metrics"
	"github.com/zsiec/rawingest/media"
)

// ErrConsumerClosed is returned by Next* once a closed consumer has been
// drained.
var ErrConsumerClosed = errors.New("distribution: consumer closed")

// ViewerStats captures per-consumer delivery metrics including frame counts
// and drop rates, used for diagnostics and the REST API.
type ViewerStats struct {
	ID            string `json:"id"`
	VideoQueued   int    `json:"videoQueued"`
	AudioQueued   int    `json:"audioQueued"`
	VideoSent     int64  `json:"videoSent"`
	AudioSent     int64  `json:"audioSent"`
	VideoDropped  int64  `json:"videoDropped"`
	AudioDropped  int64  `json:"audioDropped"`
	BytesSent     int64  `json:"bytesSent"`
	LastVideoTsMS int64  `json:"lastVideoTsMs,omitempty"`
	LastAudioTsMS int64  `json:"lastAudioTsMs,omitempty"`
}

// QueueOption customizes a QueueConsumer.
type QueueOption func(*QueueConsumer)

// WithID overrides the generated consumer ID.
func WithID(id string) QueueOption {
	return func(q *QueueConsumer) { q.id = id }
}

// WithCapacity sets the per-track queue depths. Non-positive values keep the
// defaults from the media package.
func WithCapacity(video, audio int) QueueOption {
	return func(q *QueueConsumer) {
		if video > 0 {
			q.videoCap = video
		}
		if audio > 0 {
			q.audioCap = audio
		}
	}
}

// WithQueueMetrics records queue drops into m.
func WithQueueMetrics(m *metrics.Metrics) QueueOption {
	return func(q *QueueConsumer) { q.metrics = m }
}

// QueueConsumer is a media.Consumer that decouples dispatch from delivery.
// Send* never block. A full audio queue evicts its oldest frame; a full
// video queue is flushed and refilled from the next key frame, so a reader
// never resumes on an undecodable picture.
type QueueConsumer struct {
	id       string
	videoCap int
	audioCap int
	metrics  *metrics.Metrics

	mu        sync.Mutex
	video     deque.Deque[*media.VideoFrame]
	audio     deque.Deque[*media.AudioFrame]
	skipDelta bool
	closed    bool

	videoReady chan struct{}
	audioReady chan struct{}
	done       chan struct{}

	videoSent     atomic.Int64
	audioSent     atomic.Int64
	videoDropped  atomic.Int64
	audioDropped  atomic.Int64
	bytesSent     atomic.Int64
	lastVideoTsMS atomic.Int64
	lastAudioTsMS atomic.Int64
}

var _ media.Consumer = (*QueueConsumer)(nil)

// NewQueueConsumer creates a consumer with a random UUID.
func NewQueueConsumer(opts ...QueueOption) *QueueConsumer {
	q := &QueueConsumer{
		id:         uuid.NewString(),
		videoCap:   media.VideoBufferSize,
		audioCap:   media.AudioBufferSize,
		videoReady: make(chan struct{}, 1),
		audioReady: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ID returns the consumer's identifier.
func (q *QueueConsumer) ID() string { return q.id }

// SendVideo enqueues frame without blocking. On overflow the whole video
// queue is discarded and delivery resumes at the next key frame.
func (q *QueueConsumer) SendVideo(frame *media.VideoFrame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	dropped := 0
	if q.video.Len() >= q.videoCap {
		dropped = q.video.Len()
		q.video.Clear()
		q.skipDelta = true
	}
	if q.skipDelta && !frame.IsKeyframe {
		q.mu.Unlock()
		q.dropped("video", dropped+1)
		return
	}
	q.skipDelta = false
	q.video.PushBack(frame)
	q.mu.Unlock()

	q.dropped("video", dropped)
	signal(q.videoReady)
}

// SendAudio enqueues frame without blocking.
func (q *QueueConsumer) SendAudio(frame *media.AudioFrame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	drop := q.audio.Len() >= q.audioCap
	if drop {
		q.audio.PopFront()
	}
	q.audio.PushBack(frame)
	q.mu.Unlock()

	if drop {
		q.dropped("audio", 1)
	}
	signal(q.audioReady)
}

func (q *QueueConsumer) dropped(class string, n int) {
	for i := 0; i < n; i++ {
		if class == "video" {
			q.videoDropped.Add(1)
		} else {
			q.audioDropped.Add(1)
		}
		q.metrics.QueueDropped(class)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// NextVideo blocks until a video frame is queued, the consumer is closed
// and drained, or ctx is done.
func (q *QueueConsumer) NextVideo(ctx context.Context) (*media.VideoFrame, error) {
	for {
		q.mu.Lock()
		if q.video.Len() > 0 {
			f := q.video.PopFront()
			more := q.video.Len() > 0
			q.mu.Unlock()
			if more {
				signal(q.videoReady)
			}
			q.videoSent.Add(1)
			q.bytesSent.Add(int64(f.Size()))
			q.lastVideoTsMS.Store(f.PTS)
			return f, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrConsumerClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.videoReady:
		}
	}
}

// NextAudio is the audio counterpart of NextVideo.
func (q *QueueConsumer) NextAudio(ctx context.Context) (*media.AudioFrame, error) {
	for {
		q.mu.Lock()
		if q.audio.Len() > 0 {
			f := q.audio.PopFront()
			more := q.audio.Len() > 0
			q.mu.Unlock()
			if more {
				signal(q.audioReady)
			}
			q.audioSent.Add(1)
			q.bytesSent.Add(int64(len(f.Header) + len(f.Data)))
			q.lastAudioTsMS.Store(f.PTS)
			return f, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrConsumerClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.audioReady:
		}
	}
}

// Close stops accepting frames. Frames already queued can still be read.
func (q *QueueConsumer) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Done is closed when the consumer is closed.
func (q *QueueConsumer) Done() <-chan struct{} { return q.done }

// Stats returns a snapshot of delivery metrics.
func (q *QueueConsumer) Stats() ViewerStats {
	q.mu.Lock()
	vq, aq := q.video.Len(), q.audio.Len()
	q.mu.Unlock()

	return ViewerStats{
		ID:            q.id,
		VideoQueued:   vq,
		AudioQueued:   aq,
		VideoSent:     q.videoSent.Load(),
		AudioSent:     q.audioSent.Load(),
		VideoDropped:  q.videoDropped.Load(),
		AudioDropped:  q.audioDropped.Load(),
		BytesSent:     q.bytesSent.Load(),
		LastVideoTsMS: q.lastVideoTsMS.Load(),
		LastAudioTsMS: q.lastAudioTsMS.Load(),
	}
}
