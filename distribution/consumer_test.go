package distribution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/rawingest/media"
)

func videoFrame(pts int64, key bool) *media.VideoFrame {
	return &media.VideoFrame{
		Codec:      media.KindH264,
		DTS:        pts,
		PTS:        pts,
		IsKeyframe: key,
		NALUs:      [][]byte{{0, 0, 0, 1, 0x65, 0x01}},
	}
}

func audioFrame(pts int64) *media.AudioFrame {
	return &media.AudioFrame{DTS: pts, PTS: pts, Header: make([]byte, 7), Data: []byte{1, 2}}
}

func TestQueueConsumerDeliversInOrder(t *testing.T) {
	t.Parallel()
	q := NewQueueConsumer()
	for i := int64(0); i < 5; i++ {
		q.SendVideo(videoFrame(i*33, i == 0))
	}

	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		f, err := q.NextVideo(ctx)
		if err != nil {
			t.Fatalf("NextVideo: %v", err)
		}
		if f.PTS != i*33 {
			t.Errorf("frame %d: got PTS %d, want %d", i, f.PTS, i*33)
		}
	}

	st := q.Stats()
	if st.VideoSent != 5 || st.VideoQueued != 0 {
		t.Errorf("stats: got sent=%d queued=%d, want 5 and 0", st.VideoSent, st.VideoQueued)
	}
	if st.BytesSent != 30 {
		t.Errorf("BytesSent: got %d, want 30", st.BytesSent)
	}
}

func TestQueueConsumerGeneratesUniqueIDs(t *testing.T) {
	t.Parallel()
	a, b := NewQueueConsumer(), NewQueueConsumer()
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("IDs: got %q and %q, want distinct non-empty", a.ID(), b.ID())
	}
	if got := NewQueueConsumer(WithID("viewer-1")).ID(); got != "viewer-1" {
		t.Errorf("WithID: got %q", got)
	}
}

func TestQueueConsumerVideoOverflowResumesAtKeyframe(t *testing.T) {
	t.Parallel()
	q := NewQueueConsumer(WithCapacity(3, 0))
	q.SendVideo(videoFrame(0, true))
	q.SendVideo(videoFrame(1, false))
	q.SendVideo(videoFrame(2, false))

	// Queue is full: the flush drops all three and the delta itself.
	q.SendVideo(videoFrame(3, false))
	q.SendVideo(videoFrame(4, false))
	q.SendVideo(videoFrame(5, true))
	q.SendVideo(videoFrame(6, false))

	st := q.Stats()
	if st.VideoQueued != 2 {
		t.Fatalf("queued: got %d, want 2", st.VideoQueued)
	}
	if st.VideoDropped != 5 {
		t.Errorf("dropped: got %d, want 5", st.VideoDropped)
	}

	f, err := q.NextVideo(context.Background())
	if err != nil {
		t.Fatalf("NextVideo: %v", err)
	}
	if !f.IsKeyframe || f.PTS != 5 {
		t.Errorf("first after overflow: got PTS %d key=%v, want key frame at 5", f.PTS, f.IsKeyframe)
	}
}

func TestQueueConsumerAudioOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	q := NewQueueConsumer(WithCapacity(0, 2))
	for i := int64(0); i < 4; i++ {
		q.SendAudio(audioFrame(i))
	}

	if st := q.Stats(); st.AudioDropped != 2 || st.AudioQueued != 2 {
		t.Fatalf("stats: got dropped=%d queued=%d, want 2 and 2", st.AudioDropped, st.AudioQueued)
	}
	f, err := q.NextAudio(context.Background())
	if err != nil {
		t.Fatalf("NextAudio: %v", err)
	}
	if f.PTS != 2 {
		t.Errorf("oldest kept: got PTS %d, want 2", f.PTS)
	}
}

func TestQueueConsumerNextBlocksUntilSend(t *testing.T) {
	t.Parallel()
	q := NewQueueConsumer()

	got := make(chan int64, 1)
	go func() {
		f, err := q.NextAudio(context.Background())
		if err != nil {
			got <- -1
			return
		}
		got <- f.PTS
	}()

	time.Sleep(10 * time.Millisecond)
	q.SendAudio(audioFrame(42))

	select {
	case pts := <-got:
		if pts != 42 {
			t.Errorf("got PTS %d, want 42", pts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("NextAudio never returned")
	}
}

func TestQueueConsumerCloseDrainsThenFails(t *testing.T) {
	t.Parallel()
	q := NewQueueConsumer()
	q.SendVideo(videoFrame(0, true))
	q.Close()
	q.Close()
	q.SendVideo(videoFrame(1, false))

	select {
	case <-q.Done():
	default:
		t.Fatal("Done not closed")
	}

	if _, err := q.NextVideo(context.Background()); err != nil {
		t.Fatalf("queued frame after close: %v", err)
	}
	if _, err := q.NextVideo(context.Background()); !errors.Is(err, ErrConsumerClosed) {
		t.Errorf("drained: got %v, want ErrConsumerClosed", err)
	}
}

func TestQueueConsumerNextRespectsContext(t *testing.T) {
	t.Parallel()
	q := NewQueueConsumer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := q.NextVideo(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}
}

func TestQueueConsumerConcurrentSendAndReceive(t *testing.T) {
	t.Parallel()
	q := NewQueueConsumer(WithCapacity(1000, 1000))
	const n = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < n; i++ {
			q.SendAudio(audioFrame(i))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := int64(0); i < n; i++ {
		f, err := q.NextAudio(ctx)
		if err != nil {
			t.Fatalf("NextAudio %d: %v", i, err)
		}
		if f.PTS != i {
			t.Fatalf("frame %d: got PTS %d", i, f.PTS)
		}
	}
	wg.Wait()
}
