package agentbot

import "strings"

// SplitMessage splits text into chunks of at most maxLength characters,
// so each can be sent as a single Discord message.
//
// Lines are kept together where possible: text is split on newlines, and
// lines are accumulated into a chunk until the next line (plus the newline
// joining it) would overflow. A single line longer than maxLength is cut
// into consecutive maxLength slices. Lengths are counted in runes.
func SplitMessage(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = discordMaxMessageLength
	}

	var chunks []string
	var current []rune

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, string(current))
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)

		if len(current)+len(runes)+1 <= maxLength {
			if len(current) > 0 {
				current = append(current, '\n')
			}
			current = append(current, runes...)
			continue
		}

		if len(runes) <= maxLength {
			flush()
			current = runes
			continue
		}

		flush()
		for len(runes) > 0 {
			size := min(maxLength, len(runes))
			chunks = append(chunks, string(runes[:size]))
			runes = runes[size:]
		}
	}
	flush()

	return chunks
}
