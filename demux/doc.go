// Package demux finds frame boundaries in producer-supplied elementary
// streams. It splits H.264/H.265 Annex B payloads on either start-code form,
// classifies NAL units well enough to flag key frames and capture parameter
// sets, and separates, validates, or synthesizes AAC ADTS headers.
//
// Nothing here decodes media. [SplitAnnexB] and [Classify] give each NAL unit
// a codec-independent role, [Normalize] produces the canonical 4-byte
// start-code form consumers receive, and [ParseH264SPS] reads what a player
// needs from an SPS. [SplitADTS] and [SynthesizeADTS] cover the ways a
// producer can hand over AAC headers.
package demux
