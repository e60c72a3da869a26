package recordings

import (
	"math"

	"github.com/aura-coaching/backend/internal/models"
)

// RedactedText replaces the text of a redacted line.
const RedactedText = "[REDACTED]"

// Redact returns segs with every line that overlaps a paused range replaced by a marker.
// Lines pass through unchanged when auto-redaction is off or nothing was paused.
// A still-open pause extends to +Inf. Bounds are inclusive.
func Redact(segs []models.TranscriptSegment, paused []models.PausedSegment, privacy models.PrivacySettings) []models.TranscriptSegment {
	out := make([]models.TranscriptSegment, len(segs))
	copy(out, segs)
	if !privacy.AutoRedact || len(paused) == 0 {
		return out
	}
	for i := range out {
		if !inPausedRange(out[i], paused) {
			continue
		}
		out[i].Text = RedactedText
		out[i].Redacted = true
		if privacy.RedactionMethod != models.RedactionSpeakerMarker {
			out[i].Speaker = ""
		}
	}
	return out
}

func inPausedRange(seg models.TranscriptSegment, paused []models.PausedSegment) bool {
	for _, p := range paused {
		if overlaps(seg.Start, seg.End, p.Start, pauseEnd(p)) {
			return true
		}
	}
	return false
}

// overlaps reports whether line [s, e] starts or ends inside pause [ps, pe], or contains it.
func overlaps(s, e, ps, pe float64) bool {
	within := func(t float64) bool { return t >= ps && t <= pe }
	return within(s) || within(e) || (s <= ps && e >= pe)
}

func pauseEnd(p models.PausedSegment) float64 {
	if p.End == nil {
		return math.Inf(1)
	}
	return *p.End
}
