package pipeline

import (
	"errors"
	"strings"
)

var errNoContent = errors.New("no title or body found")

// IsSentinel reports whether a step output is the terminal "nothing to
// report" marker. The whole trimmed output must match; a sentence that merely
// mentions the phrase does not end the run.
func IsSentinel(s string) bool {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'.`)
	return strings.EqualFold(s, Sentinel)
}

// ParseTitleBody extracts a notification-ready title and body from the final
// step's output.
//
// The expected shape is a "TITLE:" line followed by a "BODY:" line (the body
// runs to the end of the text). Models drift, so the parse is tolerant:
// markers may appear in any case with optional leading markdown noise, and
// when no markers are present the first non-empty line becomes the title and
// the rest the body.
func ParseTitleBody(s string) (title, body string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", errNoContent
	}

	lines := strings.Split(s, "\n")
	bodyStart := -1
	for i, ln := range lines {
		key, rest, ok := splitMarker(ln)
		if !ok {
			continue
		}
		switch key {
		case "TITLE":
			if title == "" {
				title = rest
			}
		case "BODY":
			if bodyStart < 0 {
				bodyStart = i
				body = rest
			}
		}
	}
	if bodyStart >= 0 {
		var b strings.Builder
		b.WriteString(body)
		for _, ln := range lines[bodyStart+1:] {
			b.WriteString("\n")
			b.WriteString(ln)
		}
		body = strings.TrimSpace(b.String())
	}

	if title != "" && body != "" {
		return clipTitle(title), body, nil
	}

	// Fallback: first non-empty line is the title, remainder the body.
	var rest []string
	title = ""
	for _, ln := range lines {
		t := strings.TrimSpace(stripDecor(ln))
		if title == "" {
			if t != "" {
				title = t
			}
			continue
		}
		rest = append(rest, ln)
	}
	body = strings.TrimSpace(strings.Join(rest, "\n"))
	if title == "" {
		return "", "", errNoContent
	}
	if body == "" {
		// Single-line output: serve it as the body under a generic title.
		body = title
		title = firstWords(title, 8)
	}
	return clipTitle(title), body, nil
}

// splitMarker matches lines like "TITLE: x", "**Title:** x", "# BODY: x".
func splitMarker(ln string) (key, rest string, ok bool) {
	t := strings.TrimSpace(stripDecor(ln))
	i := strings.Index(t, ":")
	if i <= 0 {
		return "", "", false
	}
	k := strings.ToUpper(strings.TrimSpace(t[:i]))
	if k != "TITLE" && k != "BODY" {
		return "", "", false
	}
	return k, strings.TrimSpace(stripDecor(t[i+1:])), true
}

func stripDecor(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "#>- ")
	s = strings.Trim(s, "*_")
	return s
}

func clipTitle(t string) string {
	const max = 140
	if len(t) <= max {
		return t
	}
	return strings.TrimSpace(t[:max-1]) + "…"
}

func firstWords(s string, n int) string {
	f := strings.Fields(s)
	if len(f) <= n {
		return s
	}
	return strings.Join(f[:n], " ") + "…"
}
