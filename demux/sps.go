package demux

import (
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
)

// ErrInvalidSPS is returned when a sequence parameter set cannot be parsed.
var ErrInvalidSPS = errors.New("demux: invalid SPS")

// H264Params are the stream properties a consumer can learn from an SPS.
type H264Params struct {
	Width  int
	Height int
	Codec  string // RFC 6381, e.g. "avc1.64001F"
}

// ParseH264SPS reads dimensions and the codec string from an SPS NAL unit,
// header byte included.
func ParseH264SPS(nal []byte) (H264Params, error) {
	if len(nal) < 4 {
		return H264Params{}, fmt.Errorf("%w: %d bytes", ErrInvalidSPS, len(nal))
	}
	if t := nal[0] & 0x1F; t != h264SPS {
		return H264Params{}, fmt.Errorf("%w: NAL type %d", ErrInvalidSPS, t)
	}
	sps, err := avc.ParseSPSNALUnit(nal, false)
	if err != nil {
		return H264Params{}, fmt.Errorf("%w: %v", ErrInvalidSPS, err)
	}
	return H264Params{
		Width:  int(sps.Width),
		Height: int(sps.Height),
		Codec:  avc.CodecString("avc1", sps),
	}, nil
}
