package deliver

import (
	"strings"
	"unicode/utf8"
)

// minSplitLimit bounds how small a chunk limit Split honors; below this
// the fence bookkeeping cannot fit inside a chunk.
const minSplitLimit = 32

// Split breaks text into chunks of at most limit bytes. Splits happen on
// line boundaries and never inside a fenced code block: when a fence spans
// a split point the fence is closed at the end of the chunk and reopened
// at the start of the next one, so every chunk renders as valid markdown.
func Split(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	if limit < minSplitLimit {
		limit = minSplitLimit
	}
	if len(text) <= limit {
		return []string{text}
	}

	const closeFence = "```"
	var chunks []string
	var cur strings.Builder
	openFence := ""

	flush := func() {
		body := strings.TrimRight(cur.String(), "\n")
		if body != "" {
			chunks = append(chunks, body)
		}
		cur.Reset()
	}

	// splitHere ends the current chunk, keeping an open fence balanced:
	// close it before the flush and reopen it in the next chunk.
	splitHere := func() {
		if openFence != "" {
			cur.WriteString(closeFence + "\n")
		}
		flush()
		if openFence != "" {
			cur.WriteString(openFence + "\n")
		}
	}

	for _, line := range strings.Split(text, "\n") {
		reserve := 0
		if openFence != "" {
			reserve = len(closeFence) + 1
		}
		if cur.Len() > 0 && cur.Len()+len(line)+1+reserve > limit {
			splitHere()
		}

		// A single oversized line gets hard-split as a last resort, on a
		// rune boundary.
		for cur.Len()+len(line)+1+reserve > limit {
			cut := limit - 1 - reserve - cur.Len()
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut < 1 {
				cut = 1
			}
			cur.WriteString(line[:cut] + "\n")
			splitHere()
			line = line[cut:]
		}
		cur.WriteString(line + "\n")

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, closeFence) {
			if openFence == "" {
				openFence = trimmed
			} else {
				openFence = ""
			}
		}
	}
	flush()

	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}
