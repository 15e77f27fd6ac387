package demux

import (
	"bytes"
	"testing"

	"github.com/zsiec/rawingest/media"
)

func TestNormalizeH264StartCodeForms(t *testing.T) {
	t.Parallel()
	three := []byte{0x00, 0x00, 0x01, 0x65, 0x88, 0x84}
	four := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84}
	bare := []byte{0x65, 0x88, 0x84}

	want := Normalize(media.KindH264, four)
	for _, in := range [][]byte{three, bare} {
		got := Normalize(media.KindH264, in)
		if len(got.NALUs) != 1 {
			t.Fatalf("expected 1 NALU, got %d", len(got.NALUs))
		}
		if !bytes.Equal(got.NALUs[0], want.NALUs[0]) {
			t.Errorf("normalized NALU: got %X, want %X", got.NALUs[0], want.NALUs[0])
		}
		if !got.IsKeyframe {
			t.Error("IDR payload should be a keyframe")
		}
	}
	if !bytes.Equal(want.NALUs[0][:4], []byte{0, 0, 0, 1}) {
		t.Errorf("canonical prefix: got %X", want.NALUs[0][:4])
	}
}

func TestNormalizeH264DropsAUDAndCachesParams(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x09, 0xF0, // AUD
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E, // SPS
		0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80, // PPS
		0x00, 0x00, 0x01, 0x0C, 0xFF, // filler
		0x00, 0x00, 0x01, 0x41, 0x9A, 0x02, // non-IDR slice
	}

	au := Normalize(media.KindH264, data)
	if len(au.NALUs) != 3 {
		t.Fatalf("expected 3 NALUs (SPS, PPS, slice), got %d", len(au.NALUs))
	}
	if !bytes.Equal(au.SPS, []byte{0x67, 0x42, 0xE0, 0x1E}) {
		t.Errorf("SPS: got %X", au.SPS)
	}
	if !bytes.Equal(au.PPS, []byte{0x68, 0xCE, 0x38, 0x80}) {
		t.Errorf("PPS: got %X", au.PPS)
	}
	if !au.IsKeyframe {
		t.Error("SPS-bearing access unit should be a keyframe")
	}
}

func TestNormalizeParameterSetKeyframe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		kind media.Kind
		data []byte
		want bool
	}{
		// H.264 SPS in front of a P slice opens a key frame.
		{"h264 sps+p", media.KindH264, []byte{0, 0, 1, 0x67, 0x42, 0xE0, 0x1E, 0, 0, 1, 0x41, 0x9A}, true},
		{"h264 pps+p", media.KindH264, []byte{0, 0, 1, 0x68, 0xCE, 0x38, 0, 0, 1, 0x41, 0x9A}, false},
		// H.265 only counts IRAP slices.
		{"h265 sps+trail", media.KindH265, []byte{0, 0, 1, 0x42, 0x01, 0x01, 0, 0, 1, 0x02, 0x01, 0xD0}, false},
		{"h265 sps+cra", media.KindH265, []byte{0, 0, 1, 0x42, 0x01, 0x01, 0, 0, 1, 0x2A, 0x01, 0xAF}, true},
	}
	for _, tt := range tests {
		if got := Normalize(tt.kind, tt.data).IsKeyframe; got != tt.want {
			t.Errorf("%s: IsKeyframe got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNormalizeH264DeltaFrame(t *testing.T) {
	t.Parallel()
	au := Normalize(media.KindH264, []byte{0x00, 0x00, 0x01, 0x41, 0x9A, 0x02})
	if au.IsKeyframe {
		t.Error("non-IDR slice should not be a keyframe")
	}
}

func TestNormalizeH265(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x40, 0x01, 0xAA, 0xBB, // VPS
		0x00, 0x00, 0x00, 0x01, 0x42, 0x01, 0xCC, 0xDD, // SPS
		0x00, 0x00, 0x01, 0x44, 0x01, 0xEE, // PPS
		0x00, 0x00, 0x01, 0x46, 0x01, 0x50, // AUD
		0x00, 0x00, 0x00, 0x01, 0x2A, 0x01, 0xFF, 0x00, // CRA
	}

	au := Normalize(media.KindH265, data)
	if len(au.NALUs) != 4 {
		t.Fatalf("expected 4 NALUs, got %d", len(au.NALUs))
	}
	if au.VPS == nil || au.SPS == nil || au.PPS == nil {
		t.Error("expected VPS, SPS and PPS to be cached")
	}
	if !au.IsKeyframe {
		t.Error("CRA access unit should be a keyframe")
	}

	delta := Normalize(media.KindH265, []byte{0x00, 0x00, 0x01, 0x02, 0x01, 0xD0})
	if delta.IsKeyframe {
		t.Error("TRAIL_R should not be a keyframe")
	}
}

func TestNormalizeDoesNotAliasInput(t *testing.T) {
	t.Parallel()
	data := []byte{0x00, 0x00, 0x01, 0x65, 0x88}
	au := Normalize(media.KindH264, data)
	data[3] = 0x41
	if au.NALUs[0][4] != 0x65 {
		t.Error("normalized NALU aliases producer buffer")
	}
}

func TestHasParameterSets(t *testing.T) {
	t.Parallel()
	key := Normalize(media.KindH264, []byte{0, 0, 1, 0x67, 0x42, 0, 0x1e, 0, 0, 1, 0x65, 0x88})
	if !HasParameterSets(media.KindH264, key.NALUs) {
		t.Error("SPS-bearing unit: want true")
	}
	bare := Normalize(media.KindH264, []byte{0, 0, 1, 0x65, 0x88})
	if HasParameterSets(media.KindH264, bare.NALUs) {
		t.Error("bare IDR: want false")
	}
	hevc := Normalize(media.KindH265, []byte{0, 0, 1, 0x42, 0x01, 0xcc, 0, 0, 1, 0x26, 0x01, 0xaf})
	if !HasParameterSets(media.KindH265, hevc.NALUs) {
		t.Error("HEVC SPS-bearing unit: want true")
	}
}
