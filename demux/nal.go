package demux

import "github.com/zsiec/rawingest/media"

// NALUnit is one NAL unit with its start code removed. Data begins with the
// NAL header (one byte for H.264, two for H.265).
type NALUnit struct {
	Type byte
	Role Role
	Data []byte
}

// Role is what a NAL unit means to intake, independent of codec.
type Role uint8

// NAL unit roles.
const (
	RoleOther Role = iota
	RoleSlice
	RoleRandomAccess // IDR, BLA or CRA slice
	RoleVPS
	RoleSPS
	RolePPS
	RoleDelimiter
	RoleFiller
)

// H.264 nal_unit_type values (ITU-T H.264 Table 7-1).
const (
	h264Slice  = 1
	h264IDR    = 5
	h264SPS    = 7
	h264PPS    = 8
	h264AUD    = 9
	h264Filler = 12
)

// H.265 nal_unit_type values (ITU-T H.265 Table 7-1).
const (
	h265BLAWLP = 16
	h265CRA    = 21
	h265MaxVCL = 31
	h265VPS    = 32
	h265SPS    = 33
	h265PPS    = 34
	h265AUD    = 35
	h265Filler = 38
)

func headerSize(kind media.Kind) int {
	if kind == media.KindH265 {
		return 2
	}
	return 1
}

// NALType extracts nal_unit_type from the first header byte.
func NALType(kind media.Kind, header byte) byte {
	if kind == media.KindH265 {
		return (header >> 1) & 0x3F
	}
	return header & 0x1F
}

// Classify maps a codec-specific NAL type onto its Role.
func Classify(kind media.Kind, nalType byte) Role {
	if kind == media.KindH265 {
		switch {
		case nalType >= h265BLAWLP && nalType <= h265CRA:
			return RoleRandomAccess
		case nalType <= h265MaxVCL:
			return RoleSlice
		case nalType == h265VPS:
			return RoleVPS
		case nalType == h265SPS:
			return RoleSPS
		case nalType == h265PPS:
			return RolePPS
		case nalType == h265AUD:
			return RoleDelimiter
		case nalType == h265Filler:
			return RoleFiller
		}
		return RoleOther
	}

	switch {
	case nalType == h264IDR:
		return RoleRandomAccess
	case nalType >= h264Slice && nalType < h264IDR:
		return RoleSlice
	case nalType == h264SPS:
		return RoleSPS
	case nalType == h264PPS:
		return RolePPS
	case nalType == h264AUD:
		return RoleDelimiter
	case nalType == h264Filler:
		return RoleFiller
	}
	return RoleOther
}

// nextStartCode finds the first 3- or 4-byte start code at or after from and
// returns where it begins and where the NAL unit behind it begins, or -1, -1.
func nextStartCode(data []byte, from int) (start, payload int) {
	for i := from; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] != 1 {
			continue
		}
		if i > from && data[i-1] == 0 {
			return i - 1, i + 3
		}
		return i, i + 3
	}
	return -1, -1
}

// SplitAnnexB splits a payload on 3- and 4-byte start codes, which may be
// mixed. A payload without any start code is taken to be one bare NAL unit.
// Units shorter than the codec's NAL header are skipped. The returned Data
// slices alias data.
func SplitAnnexB(kind media.Kind, data []byte) []NALUnit {
	hdr := headerSize(kind)
	if len(data) < hdr {
		return nil
	}

	unit := func(nal []byte) NALUnit {
		t := NALType(kind, nal[0])
		return NALUnit{Type: t, Role: Classify(kind, t), Data: nal}
	}

	_, payload := nextStartCode(data, 0)
	if payload < 0 {
		return []NALUnit{unit(data)}
	}

	var units []NALUnit
	for payload >= 0 {
		end, next := nextStartCode(data, payload)
		if end < 0 {
			end = len(data)
		}
		if nal := data[payload:end]; len(nal) >= hdr {
			units = append(units, unit(nal))
		}
		payload = next
	}
	return units
}
