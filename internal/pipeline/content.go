package pipeline

import (
	"strings"
	"unicode"
)

// Content is the parsed form of a message body: whitespace-trimmed text plus
// any mention tokens found in it.
type Content struct {
	Trimmed  string
	Mentions []string
}

// Empty reports whether the trimmed text is blank.
func (c Content) Empty() bool {
	return c.Trimmed == ""
}

// ParseContent extracts the trimmed text and @mention tokens from a raw
// message body. Parsing never fails: malformed mention syntax simply yields
// no mentions. A mention is "@" followed by letters, digits, '_', '-' or
// '.', terminated by anything else; a bare "@" is not a mention.
func ParseContent(raw string) Content {
	trimmed := strings.TrimSpace(raw)

	var mentions []string
	seen := make(map[string]struct{})

	runes := []rune(trimmed)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '@' {
			continue
		}
		j := i + 1
		for j < len(runes) && isMentionRune(runes[j]) {
			j++
		}
		if j == i+1 {
			continue // bare "@"
		}
		name := string(runes[i+1 : j])
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			mentions = append(mentions, name)
		}
		i = j - 1
	}

	return Content{Trimmed: trimmed, Mentions: mentions}
}

func isMentionRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) ||
		r == '_' || r == '-' || r == '.'
}
