package demux

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/aac"

	"github.com/zsiec/rawingest/media"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("demux: invalid ADTS header")

// ADTS header sizes without and with the CRC word.
const (
	ADTSHeaderSize    = 7
	ADTSHeaderSizeCRC = 9
)

// maxADTSFrameLen is the largest value the 13-bit frame_length field holds.
const maxADTSFrameLen = 1<<13 - 1

// AACFrame represents a single AAC audio frame parsed from ADTS.
type AACFrame struct {
	Data       []byte // complete ADTS frame (header + payload)
	SampleRate int
	Channels   int
}

// ParseADTS parses an ADTS byte stream into individual AAC frames.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	offset := 0

	for offset < len(data) {
		if len(data)-offset < ADTSHeaderSize {
			break // not enough for ADTS header
		}

		// Sync word: 0xFFF
		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}

		headerSize := adtsHeaderSize(data[offset:])
		sampleRateIdx := int((data[offset+2] >> 2) & 0x0F)
		rate := media.SampleRateAt(sampleRateIdx)
		if rate == 0 {
			return frames, ErrInvalidADTS
		}

		channelCfg := ((data[offset+2] & 0x01) << 2) | ((data[offset+3] >> 6) & 0x03)
		frameLen := adtsFrameLength(data[offset:])
		if frameLen < headerSize || offset+frameLen > len(data) {
			break // truncated
		}

		frames = append(frames, AACFrame{
			Data:       data[offset : offset+frameLen],
			SampleRate: rate,
			Channels:   int(channelCfg),
		})

		offset += frameLen
	}

	return frames, nil
}

func hasSyncWord(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && (data[1]&0xF6) == 0xF0
}

// adtsHeaderSize returns 9 when protection_absent is cleared (CRC follows).
func adtsHeaderSize(data []byte) int {
	if (data[1] & 0x01) == 0 {
		return ADTSHeaderSizeCRC
	}
	return ADTSHeaderSize
}

func adtsFrameLength(data []byte) int {
	return int(data[3]&0x03)<<11 | int(data[4])<<3 | int(data[5]>>5)
}

// SplitADTS separates an embedded ADTS header from the raw AAC payload.
// The header is validated; the payload is everything after it.
func SplitADTS(data []byte) (header, payload []byte, err error) {
	if len(data) < ADTSHeaderSize || !hasSyncWord(data) {
		return nil, nil, ErrInvalidADTS
	}
	size := adtsHeaderSize(data)
	if len(data) <= size {
		return nil, nil, fmt.Errorf("%w: no payload after %d-byte header", ErrInvalidADTS, size)
	}
	if err := ValidateADTSHeader(data[:size]); err != nil {
		return nil, nil, err
	}
	return data[:size], data[size:], nil
}

// ValidateADTSHeader checks that hdr is exactly one well-formed ADTS header.
func ValidateADTSHeader(hdr []byte) error {
	if len(hdr) != ADTSHeaderSize && len(hdr) != ADTSHeaderSizeCRC {
		return fmt.Errorf("%w: header length %d", ErrInvalidADTS, len(hdr))
	}
	if !hasSyncWord(hdr) {
		return fmt.Errorf("%w: missing sync word", ErrInvalidADTS)
	}
	h, offset, err := aac.DecodeADTSHeader(bytes.NewReader(hdr))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidADTS, err)
	}
	if offset != 0 {
		return fmt.Errorf("%w: header starts at offset %d", ErrInvalidADTS, offset)
	}
	if int(h.HeaderLength) != len(hdr) {
		return fmt.Errorf("%w: header declares %d bytes, got %d", ErrInvalidADTS, h.HeaderLength, len(hdr))
	}
	return nil
}

// SynthesizeADTS builds a 7-byte ADTS header for a payload of payloadLen
// bytes from negotiated track parameters. profile is the ADTS profile field
// (0 Main, 1 LC, 2 SSR, 3 LTP).
func SynthesizeADTS(sampleRate, channels, profile, payloadLen int) ([]byte, error) {
	if payloadLen <= 0 || payloadLen+ADTSHeaderSize > maxADTSFrameLen {
		return nil, fmt.Errorf("%w: payload length %d out of range", ErrInvalidADTS, payloadLen)
	}
	h, err := aac.NewADTSHeader(sampleRate, byte(channels), byte(profile+1), uint16(payloadLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidADTS, err)
	}
	return h.Encode(), nil
}
