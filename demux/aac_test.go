package demux

import (
	"bytes"
	"errors"
	"testing"
)

// buildADTS constructs an ADTS frame (no CRC) for AAC-LC with the given
// sampling frequency index and channel configuration.
func buildADTS(sampleRateIdx, channels byte, payload []byte) []byte {
	frameLen := 7 + len(payload)

	header := make([]byte, 7)
	header[0] = 0xFF
	header[1] = 0xF1 // MPEG-4, Layer 0, no CRC protection
	// Byte 2: [profile:2][sampling_freq_idx:4][private:1][channel_cfg_hi:1]
	header[2] = (1 << 6) | (sampleRateIdx << 2) | (channels>>2)&0x01
	// Byte 3: [channel_cfg_lo:2][orig:1][home:1][cr_id:1][cr_start:1][frame_length_hi:2]
	header[3] = (channels&0x03)<<6 | byte((frameLen>>11)&0x03)
	header[4] = byte((frameLen >> 3) & 0xFF)
	header[5] = byte((frameLen&0x07)<<5) | 0x1F // buffer fullness 0x7FF (VBR)
	header[6] = 0xFC

	return append(header, payload...)
}

func TestParseADTS(t *testing.T) {
	t.Parallel()
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE}
	adts := buildADTS(3, 2, payload) // 48kHz stereo

	frames, err := ParseADTS(adts)
	if err != nil {
		t.Fatalf("ParseADTS failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].SampleRate != 48000 {
		t.Errorf("expected sample rate 48000, got %d", frames[0].SampleRate)
	}
	if frames[0].Channels != 2 {
		t.Errorf("expected 2 channels, got %d", frames[0].Channels)
	}
	if len(frames[0].Data) != len(adts) {
		t.Errorf("expected frame data length %d, got %d", len(adts), len(frames[0].Data))
	}
}

func TestParseADTSEmpty(t *testing.T) {
	t.Parallel()
	frames, err := ParseADTS(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("expected 0 frames for empty input, got %d", len(frames))
	}
}

func TestParseADTSTruncated(t *testing.T) {
	t.Parallel()
	// Just a sync word, not enough for a full header
	data := []byte{0xFF, 0xF1, 0x50, 0x80, 0x00}
	frames, err := ParseADTS(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("expected 0 frames for truncated input, got %d", len(frames))
	}
}

func TestSplitADTS(t *testing.T) {
	t.Parallel()
	payload := []byte{0x21, 0x10, 0x04, 0x60}
	adts := buildADTS(4, 1, payload) // 44.1kHz mono

	hdr, raw, err := SplitADTS(adts)
	if err != nil {
		t.Fatalf("SplitADTS: %v", err)
	}
	if len(hdr) != ADTSHeaderSize {
		t.Errorf("header length: got %d, want %d", len(hdr), ADTSHeaderSize)
	}
	if !bytes.Equal(raw, payload) {
		t.Errorf("payload: got %X, want %X", raw, payload)
	}
}

func TestSplitADTSRejectsMissingHeader(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
	}{
		{"no sync word", []byte{0x21, 0x10, 0x04, 0x60, 0x00, 0x00, 0x00, 0x01}},
		{"too short", []byte{0xFF, 0xF1, 0x50}},
		{"header only", buildADTS(3, 2, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := SplitADTS(tt.data); !errors.Is(err, ErrInvalidADTS) {
				t.Errorf("SplitADTS: got %v, want ErrInvalidADTS", err)
			}
		})
	}
}

func TestValidateADTSHeaderLength(t *testing.T) {
	t.Parallel()
	adts := buildADTS(3, 2, []byte{0x01})
	if err := ValidateADTSHeader(adts[:7]); err != nil {
		t.Errorf("valid header rejected: %v", err)
	}
	if err := ValidateADTSHeader(adts[:6]); !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("6-byte header: got %v, want ErrInvalidADTS", err)
	}
}

func TestValidateADTSHeaderAcceptsSynthesized(t *testing.T) {
	t.Parallel()
	for _, rate := range []int{44100, 48000} {
		hdr, err := SynthesizeADTS(rate, 2, 1, 64)
		if err != nil {
			t.Fatalf("SynthesizeADTS(%d): %v", rate, err)
		}
		if err := ValidateADTSHeader(hdr); err != nil {
			t.Errorf("%d Hz header rejected: %v", rate, err)
		}
	}
	shifted := append([]byte{0x00}, buildADTS(3, 2, nil)[:6]...)
	if err := ValidateADTSHeader(shifted); !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("header not at byte 0: got %v, want ErrInvalidADTS", err)
	}
}

func TestSynthesizeADTS(t *testing.T) {
	t.Parallel()
	payload := bytes.Repeat([]byte{0xAB}, 100)

	hdr, err := SynthesizeADTS(44100, 2, 1, len(payload))
	if err != nil {
		t.Fatalf("SynthesizeADTS: %v", err)
	}
	if len(hdr) != ADTSHeaderSize {
		t.Fatalf("header length: got %d, want %d", len(hdr), ADTSHeaderSize)
	}

	frames, err := ParseADTS(append(hdr, payload...))
	if err != nil {
		t.Fatalf("ParseADTS: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].SampleRate != 44100 {
		t.Errorf("sample rate: got %d, want 44100", frames[0].SampleRate)
	}
	if frames[0].Channels != 2 {
		t.Errorf("channels: got %d, want 2", frames[0].Channels)
	}
	if profile := hdr[2] >> 6; profile != 1 {
		t.Errorf("profile: got %d, want 1 (LC)", profile)
	}
}

func TestSynthesizeADTSOutOfRange(t *testing.T) {
	t.Parallel()
	if _, err := SynthesizeADTS(44100, 2, 1, 0); !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("empty payload: got %v, want ErrInvalidADTS", err)
	}
	if _, err := SynthesizeADTS(44100, 2, 1, 9000); !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("oversized payload: got %v, want ErrInvalidADTS", err)
	}
	if _, err := SynthesizeADTS(12345, 2, 1, 10); !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("unsupported rate: got %v, want ErrInvalidADTS", err)
	}
}
