package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/rawingest/media"
	"github.com/zsiec/rawingest/source"
)

type stubSink struct {
	mu       sync.Mutex
	video    []int64
	audio    []int64
	rejectAt map[int64]bool
	released int
	closed   chan struct{}
}

func newStubSink() *stubSink {
	return &stubSink{closed: make(chan struct{}), rejectAt: map[int64]bool{}}
}

func (s *stubSink) PushVideo(_ media.Kind, _ []byte, dts, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectAt[dts] {
		return source.ErrTimestampRegression
	}
	s.video = append(s.video, dts)
	return nil
}

func (s *stubSink) PushAudio(_ []byte, dts int64, _ source.HeaderMode, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, dts)
	return nil
}

func (s *stubSink) Closed() <-chan struct{} { return s.closed }

func (s *stubSink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	if s.released > 1 {
		return source.ErrReleased
	}
	return nil
}

func runAsync(t *testing.T, p *Pipeline, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunDrainsUntilInputsClose(t *testing.T) {
	t.Parallel()
	sink := newStubSink()
	videoCh := make(chan *VideoInput, 8)
	audioCh := make(chan *AudioInput, 8)
	for i := int64(0); i < 3; i++ {
		videoCh <- &VideoInput{Codec: media.KindH264, Data: []byte{0x65}, DTS: i * 40, PTS: i * 40}
		audioCh <- &AudioInput{Data: []byte{1}, DTS: i * 23, Mode: source.HeaderNone}
	}
	close(videoCh)
	close(audioCh)

	p := New(sink, videoCh, audioCh, nil)
	waitDone(t, runAsync(t, p, context.Background()))

	if len(sink.video) != 3 || len(sink.audio) != 3 {
		t.Errorf("forwarded: got %d video %d audio, want 3 and 3", len(sink.video), len(sink.audio))
	}
	if sink.released != 1 {
		t.Errorf("Release calls: got %d, want 1", sink.released)
	}
	dbg := p.Debug()
	if dbg.VideoForwarded != 3 || dbg.AudioForwarded != 3 || dbg.LastVideoDTS != 80 {
		t.Errorf("Debug: got %+v", dbg)
	}
}

func TestRunCountsRejections(t *testing.T) {
	t.Parallel()
	sink := newStubSink()
	sink.rejectAt[40] = true
	videoCh := make(chan *VideoInput, 4)
	for _, dts := range []int64{0, 40, 80} {
		videoCh <- &VideoInput{Codec: media.KindH264, Data: []byte{0x41}, DTS: dts}
	}
	close(videoCh)

	p := New(sink, videoCh, nil, nil)
	waitDone(t, runAsync(t, p, context.Background()))

	if got := p.Debug(); got.Rejected != 1 || got.VideoForwarded != 2 {
		t.Errorf("Debug: got %+v, want 1 rejected and 2 forwarded", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	sink := newStubSink()
	videoCh := make(chan *VideoInput)
	ctx, cancel := context.WithCancel(context.Background())

	p := New(sink, videoCh, nil, nil)
	done := runAsync(t, p, ctx)
	cancel()
	waitDone(t, done)

	if sink.released != 1 {
		t.Errorf("Release calls: got %d, want 1", sink.released)
	}
}

func TestRunFlushesOnCloseNotification(t *testing.T) {
	t.Parallel()
	sink := newStubSink()
	audioCh := make(chan *AudioInput, 4)
	audioCh <- &AudioInput{Data: []byte{1}, DTS: 0}
	audioCh <- &AudioInput{Data: []byte{1}, DTS: 23}
	close(sink.closed)

	p := New(sink, nil, audioCh, nil)
	waitDone(t, runAsync(t, p, context.Background()))

	if len(sink.audio) != 2 {
		t.Errorf("flushed audio: got %d, want 2", len(sink.audio))
	}
	if sink.released != 1 {
		t.Errorf("Release calls: got %d, want 1", sink.released)
	}
}

func TestRunWithSource(t *testing.T) {
	t.Parallel()
	src, err := source.New(source.Config{App: "live", Stream: "pipe"})
	if err != nil {
		t.Fatalf("source.New: %v", err)
	}
	if err := src.DeclareVideo(media.KindH264, 640, 360, 30); err != nil {
		t.Fatalf("DeclareVideo: %v", err)
	}
	if err := src.MarkInitComplete(); err != nil {
		t.Fatalf("MarkInitComplete: %v", err)
	}
	if err := src.SetOnClose(func(source.CloseReason) {}); err != nil {
		t.Fatalf("SetOnClose: %v", err)
	}

	videoCh := make(chan *VideoInput, 1)
	p := New(src, videoCh, nil, nil)
	done := runAsync(t, p, context.Background())

	videoCh <- &VideoInput{Codec: media.KindH264, Data: []byte{0, 0, 0, 1, 0x65, 0x88}, DTS: 0}
	deadline := time.Now().Add(5 * time.Second)
	for src.Stats().VideoFrames == 0 {
		if time.Now().After(deadline) {
			t.Fatal("frame never reached the source")
		}
		time.Sleep(time.Millisecond)
	}

	if err := src.Close(source.ReasonAdmin); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitDone(t, done)

	if src.State() != source.StateReleased {
		t.Errorf("state: got %s, want released", src.State())
	}
	if err := src.Release(); !errors.Is(err, source.ErrReleased) {
		t.Errorf("second Release: got %v, want ErrReleased", err)
	}
}
