package source

import (
	"errors"
	"fmt"

	"github.com/zsiec/rawingest/demux"
	"github.com/zsiec/rawingest/media"
)

// HeaderMode says where the ADTS header for an audio push comes from.
type HeaderMode int

const (
	// HeaderEmbedded: the payload starts with an ADTS header.
	HeaderEmbedded HeaderMode = iota
	// HeaderNone: the payload is raw AAC; a header is synthesized from the
	// declared track.
	HeaderNone
	// HeaderExplicit: the header is supplied separately from the payload.
	HeaderExplicit
)

func (m HeaderMode) String() string {
	switch m {
	case HeaderEmbedded:
		return "embedded"
	case HeaderNone:
		return "none"
	case HeaderExplicit:
		return "explicit"
	default:
		return fmt.Sprintf("HeaderMode(%d)", int(m))
	}
}

// intakeLocked checks the state gate shared by both push paths, promoting a
// negotiating source first if its gate has opened. Pushes are accepted while
// Ready and while Closing so the producer can flush.
func (s *Source) intakeLocked() (*pendingClose, error) {
	var pc *pendingClose
	if s.State() == StateNegotiating {
		pc = s.evaluateLocked(s.now())
	}
	switch s.State() {
	case StateReady, StateClosing:
		return pc, nil
	case StateReleased:
		return pc, ErrReleased
	default:
		return pc, ErrNotReady
	}
}

// PushVideo accepts one encoded access unit for the declared video track.
// dts and pts are in milliseconds. Rejections leave the source untouched.
func (s *Source) PushVideo(codec media.Kind, payload []byte, dts, pts int64) error {
	s.pushMu.Lock()
	s.mu.Lock()
	pc, err := s.intakeLocked()
	if err == nil {
		err = s.checkTrackLocked(codec)
	}
	if err == nil && len(payload) == 0 {
		err = ErrEmptyPayload
	}
	if err == nil && s.video.seen && dts < s.video.lastDTS {
		err = fmt.Errorf("%w: video %d after %d", ErrTimestampRegression, dts, s.video.lastDTS)
	}

	var au demux.AccessUnit
	if err == nil {
		au = demux.Normalize(codec, payload)
		if len(au.NALUs) == 0 {
			err = ErrEmptyPayload
		}
	}
	if err != nil {
		s.mu.Unlock()
		s.pushMu.Unlock()
		if pc != nil {
			s.finishClose(pc)
		}
		s.reject(err)
		return err
	}

	s.video.seen = true
	s.video.lastDTS = dts
	if au.SPS != nil {
		s.sps = au.SPS
	}
	if au.PPS != nil {
		s.pps = au.PPS
	}
	if au.VPS != nil {
		s.vps = au.VPS
	}
	frame := &media.VideoFrame{
		Codec:      codec,
		DTS:        dts,
		PTS:        pts,
		IsKeyframe: au.IsKeyframe,
		NALUs:      au.NALUs,
		SPS:        s.sps,
		PPS:        s.pps,
		VPS:        s.vps,
	}
	consumers := *s.consumers.Load()
	s.mu.Unlock()

	s.dispatchVideo(consumers, frame)
	s.pushMu.Unlock()

	s.stats.video.record(dts, frame.Size())
	if frame.IsKeyframe {
		s.stats.keyframes.Add(1)
	}
	s.metrics.FramePushed(codec.String(), frame.Size(), frame.IsKeyframe)
	if pc != nil {
		s.finishClose(pc)
	}
	return nil
}

// PushAudio accepts one AAC frame for the declared audio track. header is
// only consulted with HeaderExplicit; supplying one in any other mode is an
// error. The audio presentation timestamp always equals dts.
func (s *Source) PushAudio(payload []byte, dts int64, mode HeaderMode, header []byte) error {
	s.pushMu.Lock()
	s.mu.Lock()
	pc, err := s.intakeLocked()
	if err == nil {
		err = s.checkTrackLocked(media.KindAAC)
	}
	if err == nil && len(payload) == 0 {
		err = ErrEmptyPayload
	}
	// Audio has no reordering, so an equal timestamp is a duplicate.
	if err == nil && s.audio.seen && dts <= s.audio.lastDTS {
		err = fmt.Errorf("%w: audio %d after %d", ErrTimestampRegression, dts, s.audio.lastDTS)
	}

	var frame *media.AudioFrame
	if err == nil {
		track, _ := s.neg.Audio()
		frame, err = normalizeAudio(track, payload, mode, header)
	}
	if err != nil {
		s.mu.Unlock()
		s.pushMu.Unlock()
		if pc != nil {
			s.finishClose(pc)
		}
		s.reject(err)
		return err
	}

	frame.DTS = dts
	frame.PTS = dts
	s.audio.seen = true
	s.audio.lastDTS = dts
	consumers := *s.consumers.Load()
	s.mu.Unlock()

	s.dispatchAudio(consumers, frame)
	s.pushMu.Unlock()

	s.stats.audio.record(dts, len(frame.Data))
	s.metrics.FramePushed(media.KindAAC.String(), len(frame.Data), false)
	if pc != nil {
		s.finishClose(pc)
	}
	return nil
}

// checkTrackLocked verifies that a track of kind has been declared.
func (s *Source) checkTrackLocked(kind media.Kind) error {
	var (
		t  media.Track
		ok bool
	)
	if kind.IsVideo() {
		t, ok = s.neg.Video()
	} else {
		t, ok = s.neg.Audio()
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, kind)
	}
	if t.Kind != kind {
		return fmt.Errorf("%w: pushed %s, declared %s", ErrUnknownTrack, kind, t.Kind)
	}
	return nil
}

// normalizeAudio splits or builds the ADTS header so the frame carries the
// bare payload and the header separately. The payload is copied.
func normalizeAudio(t media.Track, payload []byte, mode HeaderMode, header []byte) (*media.AudioFrame, error) {
	frame := &media.AudioFrame{SampleRate: t.SampleRate, Channels: t.Channels}

	switch mode {
	case HeaderEmbedded:
		if header != nil {
			return nil, fmt.Errorf("%w: header supplied with embedded mode", ErrHeaderMode)
		}
		hdr, data, err := demux.SplitADTS(payload)
		if err != nil {
			return nil, err
		}
		frame.Header = append([]byte(nil), hdr...)
		frame.Data = append([]byte(nil), data...)

	case HeaderExplicit:
		if len(header) == 0 {
			return nil, fmt.Errorf("%w: explicit mode without header", ErrHeaderMode)
		}
		if err := demux.ValidateADTSHeader(header); err != nil {
			return nil, err
		}
		frame.Header = append([]byte(nil), header...)
		frame.Data = append([]byte(nil), payload...)

	case HeaderNone:
		if header != nil {
			return nil, fmt.Errorf("%w: header supplied with mode none", ErrHeaderMode)
		}
		hdr, err := demux.SynthesizeADTS(t.SampleRate, t.Channels, t.Profile, len(payload))
		if err != nil {
			return nil, err
		}
		frame.Header = hdr
		frame.Data = append([]byte(nil), payload...)

	default:
		return nil, fmt.Errorf("%w: %s", ErrHeaderMode, mode)
	}
	return frame, nil
}

// reject counts a refused push. The source state is never touched.
func (s *Source) reject(err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrReleased):
		reason = "released"
	case errors.Is(err, ErrNotReady):
		reason = "not_ready"
	case errors.Is(err, ErrUnknownTrack):
		reason = "unknown_track"
	case errors.Is(err, ErrEmptyPayload):
		reason = "empty"
	case errors.Is(err, ErrTimestampRegression):
		reason = "timestamp"
	case errors.Is(err, demux.ErrInvalidADTS), errors.Is(err, ErrHeaderMode):
		reason = "header"
	}
	s.stats.rejected.Add(1)
	s.metrics.FrameRejected(reason)
	s.log.Debug("push rejected", "reason", reason, "error", err)
}
