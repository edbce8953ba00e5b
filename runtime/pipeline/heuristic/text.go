package heuristic

import (
	"regexp"
	"strings"
)

type (
	// speaker classifies a transcript turn.
	speaker int

	// turn is one speaker turn of the transcript.
	turn struct {
		speaker speaker
		text    string
		// lower is text lowercased for lexicon matching.
		lower string
	}

	// call is the parsed transcript shared by every stage of a run.
	call struct {
		turns []turn
		// labeled is false when no speaker label was found; all text is then
		// attributed to speakerUnknown.
		labeled bool
		lower   string
	}
)

const (
	speakerUnknown speaker = iota
	speakerAgent
	speakerProspect
)

var speakerLabel = regexp.MustCompile(`(?i)\b(agent|advisor|adviser|rep|representative|salesperson|planner|prospect|client|customer|caller)\s*:`)

var agentLabels = map[string]bool{
	"agent": true, "advisor": true, "adviser": true, "rep": true,
	"representative": true, "salesperson": true, "planner": true,
}

// parse splits a transcript into speaker turns using "Role:" labels.
func parse(text string) call {
	c := call{lower: strings.ToLower(text)}
	locs := speakerLabel.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		c.turns = []turn{{speaker: speakerUnknown, text: text, lower: c.lower}}
		return c
	}
	c.labeled = true
	if pre := strings.TrimSpace(text[:locs[0][0]]); pre != "" {
		c.turns = append(c.turns, turn{speaker: speakerUnknown, text: pre, lower: strings.ToLower(pre)})
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(text[loc[1]:end])
		if body == "" {
			continue
		}
		sp := speakerProspect
		if agentLabels[strings.ToLower(text[loc[2]:loc[3]])] {
			sp = speakerAgent
		}
		c.turns = append(c.turns, turn{speaker: sp, text: body, lower: strings.ToLower(body)})
	}
	return c
}

// text returns the concatenated lowercased text of the given speaker. When
// the transcript has no labels every speaker sees the whole text.
func (c call) text(sp speaker) string {
	if !c.labeled {
		return c.lower
	}
	var b strings.Builder
	for _, t := range c.turns {
		if t.speaker == sp {
			b.WriteString(t.lower)
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// words counts the words spoken by sp.
func (c call) words(sp speaker) int {
	n := 0
	for _, t := range c.turns {
		if t.speaker == sp {
			n += len(strings.Fields(t.text))
		}
	}
	return n
}

// count returns the total number of occurrences of the phrases in s.
func count(s string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		n += countPhrase(s, p)
	}
	return n
}

// countPhrase counts occurrences of p in s that start and end on word
// boundaries.
func countPhrase(s, p string) int {
	n := 0
	for i := 0; ; {
		j := strings.Index(s[i:], p)
		if j < 0 {
			return n
		}
		start, end := i+j, i+j+len(p)
		if boundary(s, start-1) && boundary(s, end) {
			n++
		}
		i = start + 1
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9')
}

// sentences splits s on sentence punctuation and newlines.
func sentences(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// round1 rounds v to one decimal.
func round1(v float64) float64 {
	if v < 0 {
		return -round1(-v)
	}
	return float64(int64(v*10+0.5)) / 10
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
