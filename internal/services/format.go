// Package services implements the ticket-session state machine and the
// deploy correlator. This file turns raw intake content (typically a voice
// transcription) into an issue title and body.
package services

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/avoran/go-ticketbot-backend/internal/routing"
)

// titleMaxRunes caps generated issue titles.
const titleMaxRunes = 80

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)

// sentenceSeps mark the end of the first sentence-ish fragment used as the
// issue title. Order matters: leftmost match wins.
var sentenceSeps = []string{". ", "! ", "? ", "\n"}

// NormalizeContent trims and collapses whitespace in intake content.
func NormalizeContent(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

// FormatIssue builds the remote ticket title and body from normalized
// content and the resolved target. The title is the first sentence clipped
// to 80 runes with its leading word title-cased; the body carries the full
// content plus a provenance footer.
func FormatIssue(content string, target routing.Target, chatID int64, author string) (title, body string) {
	clean := NormalizeContent(content)

	title = clean
	for _, sep := range sentenceSeps {
		if i := strings.Index(title, sep); i >= 0 {
			title = title[:i]
			break
		}
	}
	title = clipRunes(strings.TrimSpace(title), titleMaxRunes)
	if title == "" {
		title = "Voice ticket"
	} else {
		title = capitalizeFirstWord(title, language.Und)
	}

	var b strings.Builder
	b.WriteString(clean)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "Repo: %s (branch %s)\n", target.Repo.OwnerRepo, target.Branch)
	if target.Label != "" {
		fmt.Fprintf(&b, "Label: %s\n", target.Label)
	}
	if author == "" {
		author = "unknown"
	}
	fmt.Fprintf(&b, "From: %s\n", author)
	fmt.Fprintf(&b, "Chat ID: %d\n", chatID)
	return title, b.String()
}

// clipRunes truncates s to at most n runes.
func clipRunes(s string, n int) string {
	if n > 0 && utf8.RuneCountInString(s) > n {
		return strings.TrimSpace(string([]rune(s)[:n]))
	}
	return s
}

// capitalizeFirstWord title-cases only the leading word, leaving the rest of
// a transcribed sentence untouched.
func capitalizeFirstWord(s string, tag language.Tag) string {
	first, rest, found := strings.Cut(s, " ")
	first = cases.Title(tag).String(first)
	if !found {
		return first
	}
	return first + " " + rest
}
