package recordings

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aura-coaching/backend/internal/models"
)

// ParseVTT reads WebVTT cues into transcript segments. Voice spans (<v Name>) set the speaker;
// other tags are stripped. NOTE, STYLE and REGION blocks are skipped.
func ParseVTT(r io.Reader) ([]models.TranscriptSegment, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		segs   []models.TranscriptSegment
		cur    *models.TranscriptSegment
		lines  []string
		skip   bool
		header bool
	)
	flush := func() {
		if cur != nil {
			text := strings.Join(lines, " ")
			cur.Speaker, cur.Text = splitVoice(text)
			if cur.Text != "" {
				segs = append(segs, *cur)
			}
		}
		cur, lines, skip = nil, nil, false
	}

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if !header {
			if !strings.HasPrefix(strings.TrimPrefix(line, "\ufeff"), "WEBVTT") {
				return nil, fmt.Errorf("vtt: missing WEBVTT header")
			}
			header = true
			continue
		}
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if skip {
			continue
		}
		if cur == nil {
			if strings.HasPrefix(line, "NOTE") || line == "STYLE" || line == "REGION" {
				skip = true
				continue
			}
			if !strings.Contains(line, "-->") {
				// cue identifier
				continue
			}
			start, end, err := parseTiming(line)
			if err != nil {
				return nil, err
			}
			cur = &models.TranscriptSegment{Start: start, End: end}
			continue
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("vtt: %w", err)
	}
	if !header {
		return nil, fmt.Errorf("vtt: empty document")
	}
	flush()
	return segs, nil
}

func parseTiming(line string) (float64, float64, error) {
	parts := strings.SplitN(line, "-->", 2)
	start, err := parseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	rest := strings.Fields(parts[1])
	if len(rest) == 0 {
		return 0, 0, fmt.Errorf("vtt: missing cue end in %q", line)
	}
	end, err := parseTimestamp(rest[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// parseTimestamp accepts hh:mm:ss.ttt and mm:ss.ttt.
func parseTimestamp(ts string) (float64, error) {
	fields := strings.Split(ts, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return 0, fmt.Errorf("vtt: bad timestamp %q", ts)
	}
	var total float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("vtt: bad timestamp %q", ts)
		}
		if i < len(fields)-1 {
			total = (total + v) * 60
		} else {
			total += v
		}
	}
	return total, nil
}

func splitVoice(text string) (speaker, body string) {
	if strings.HasPrefix(text, "<v") {
		if end := strings.IndexByte(text, '>'); end > 0 {
			speaker = strings.TrimSpace(strings.TrimPrefix(text[2:end], "."))
			if i := strings.IndexByte(speaker, ' '); i >= 0 && strings.HasPrefix(text, "<v.") {
				speaker = strings.TrimSpace(speaker[i:])
			}
			text = text[end+1:]
		}
	}
	return speaker, stripTags(text)
}

func stripTags(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
