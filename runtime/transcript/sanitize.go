package transcript

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// maxSanitizePasses bounds the fixpoint loop of Sanitize. A single pass
// leaves no markup behind so the second one only confirms it.
const maxSanitizePasses = 3

var scriptURIPattern = regexp.MustCompile(`(?i)(?:java|vb)script\s*:`)

// Sanitize removes markup from a transcript: script and style elements
// together with their content, every other HTML tag or comment (event handler
// attributes go with their tag) and script URIs. Text following a malformed
// tag is kept as text. The result is trimmed. Sanitize is idempotent and runs
// in linear time.
func Sanitize(s string) string {
	for range maxSanitizePasses {
		next := sanitizeOnce(s)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func sanitizeOnce(s string) string {
	s = stripMarkup(s)
	// A space cannot complete a new match, so removals never cascade.
	s = scriptURIPattern.ReplaceAllLiteralString(s, " ")
	return strings.TrimSpace(s)
}

// stripMarkup keeps raw text tokens (entities are not decoded so a second
// pass cannot materialize new tags) and drops everything else.
func stripMarkup(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return s
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var (
		buf      bytes.Buffer
		skip     int
		consumed int
	)
	buf.Grow(len(s))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// The tokenizer gives up on a tag left open at the end of input;
			// what follows is speech, not markup.
			if consumed < len(s) {
				writeText(&buf, defuseTags(s[consumed:]))
			}
			return buf.String()
		}
		raw := z.Raw()
		consumed += len(raw)
		switch tt {
		case html.TextToken:
			if skip == 0 {
				writeText(&buf, string(raw))
			}
		case html.StartTagToken:
			if isRawTextElement(z) {
				skip++
			} else {
				// Tags inside title, textarea and the like are markup too.
				z.NextIsNotRawText()
			}
		case html.EndTagToken:
			if isRawTextElement(z) && skip > 0 {
				skip--
			}
		}
	}
}

// writeText appends text to buf. A space is inserted when the text would
// otherwise complete a tag opened by the bytes before a removed token.
func writeText(buf *bytes.Buffer, text string) {
	if text == "" {
		return
	}
	b := buf.Bytes()
	if n := len(b); n > 0 && (b[n-1] == '<' || (b[n-1] == '/' && n > 1 && b[n-2] == '<')) && opensTag(text[0]) {
		buf.WriteByte(' ')
	}
	buf.WriteString(text)
}

// defuseTags separates every '<' from a following tag opening character so
// the text no longer tokenizes as markup.
func defuseTags(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		b.WriteByte(s[i])
		if s[i] == '<' && i+1 < len(s) && opensTag(s[i+1]) {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func opensTag(c byte) bool {
	return c == '/' || c == '!' || c == '?' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isRawTextElement(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style":
		return true
	}
	return false
}
