package source

import (
	"sync/atomic"

	"github.com/zsiec/rawingest/media"
)

// attachment is one attached consumer. needKey withholds video until the next
// key frame so the consumer's first picture is decodable.
type attachment struct {
	consumer media.Consumer
	needKey  atomic.Bool
}

// Attach adds c to the fan-out list. Consumers may only attach while the
// source is Ready. A consumer joining a source with a video track receives
// audio immediately and video from the next key frame on.
func (s *Source) Attach(c media.Consumer) error {
	s.mu.Lock()
	pc := s.evaluateLocked(s.now())
	err := s.attachLocked(c)
	s.mu.Unlock()

	if pc != nil {
		s.finishClose(pc)
	}
	if err != nil {
		return err
	}

	s.metrics.ReaderAttached()
	s.log.Info("consumer attached", "consumer", c.ID(), "readers", s.readers())
	return nil
}

func (s *Source) attachLocked(c media.Consumer) error {
	switch s.State() {
	case StateReady:
	case StateClosing:
		return ErrClosing
	case StateReleased:
		return ErrReleased
	default:
		return ErrNotReady
	}

	cur := *s.consumers.Load()
	for _, a := range cur {
		if a.consumer.ID() == c.ID() {
			return ErrAlreadyAttached
		}
	}

	a := &attachment{consumer: c}
	_, hasVideo := s.neg.Video()
	a.needKey.Store(hasVideo)

	next := make([]*attachment, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, a)
	s.consumers.Store(&next)
	return nil
}

// Detach removes the consumer with the given ID. Detaching an unknown or
// already detached consumer is a no-op, so the reader count never goes
// negative. It reports whether a consumer was removed.
func (s *Source) Detach(id string) (bool, error) {
	s.mu.Lock()
	if s.State() == StateReleased {
		s.mu.Unlock()
		return false, ErrReleased
	}

	cur := *s.consumers.Load()
	idx := -1
	for i, a := range cur {
		if a.consumer.ID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false, nil
	}

	next := make([]*attachment, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	s.consumers.Store(&next)
	s.mu.Unlock()

	s.metrics.ReadersDetached(1)
	s.log.Info("consumer detached", "consumer", id, "readers", len(next))
	return true, nil
}

// ReaderCount returns the number of attached consumers. It never blocks and
// fails only once the source has been released.
func (s *Source) ReaderCount() (int, error) {
	if s.State() == StateReleased {
		return 0, ErrReleased
	}
	return s.readers(), nil
}

func (s *Source) readers() int {
	return len(*s.consumers.Load())
}

// dispatchVideo hands frame to every consumer in attachment order, skipping
// consumers still waiting for a key frame.
func (s *Source) dispatchVideo(consumers []*attachment, frame *media.VideoFrame) {
	for _, a := range consumers {
		if a.needKey.Load() {
			if !frame.IsKeyframe {
				continue
			}
			a.needKey.Store(false)
		}
		a.consumer.SendVideo(frame)
	}
}

func (s *Source) dispatchAudio(consumers []*attachment, frame *media.AudioFrame) {
	for _, a := range consumers {
		a.consumer.SendAudio(frame)
	}
}
