package demux

import "github.com/zsiec/rawingest/media"

// AccessUnit is a video payload split into canonical 4-byte start-code NAL
// units, with any parameter sets it carried pulled out for caching.
type AccessUnit struct {
	NALUs      [][]byte
	IsKeyframe bool
	SPS        []byte
	PPS        []byte
	VPS        []byte
}

func withStartCode(nal []byte) []byte {
	out := make([]byte, 4+len(nal))
	out[3] = 1
	copy(out[4:], nal)
	return out
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}

// Normalize splits an H.264 or H.265 payload on either start-code form and
// drops access unit delimiters and filler data. Random access slices mark a
// key frame, and so does an H.264 SPS, since H.264 producers commonly send
// parameter sets only in front of recovery points. The returned NAL units do
// not alias data.
func Normalize(kind media.Kind, data []byte) AccessUnit {
	var au AccessUnit
	for _, nalu := range SplitAnnexB(kind, data) {
		switch nalu.Role {
		case RoleDelimiter, RoleFiller:
			continue
		case RoleRandomAccess:
			au.IsKeyframe = true
		case RoleVPS:
			au.VPS = cloneBytes(nalu.Data)
		case RoleSPS:
			au.SPS = cloneBytes(nalu.Data)
			if kind == media.KindH264 {
				au.IsKeyframe = true
			}
		case RolePPS:
			au.PPS = cloneBytes(nalu.Data)
		}
		au.NALUs = append(au.NALUs, withStartCode(nalu.Data))
	}
	return au
}

// HasParameterSets reports whether nalus, in canonical start-code form,
// already carry an SPS.
func HasParameterSets(kind media.Kind, nalus [][]byte) bool {
	for _, nalu := range nalus {
		if len(nalu) > 4 && Classify(kind, NALType(kind, nalu[4])) == RoleSPS {
			return true
		}
	}
	return false
}
