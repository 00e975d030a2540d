package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	fencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	inlineCodePattern   = regexp.MustCompile("`[^`]*`")
	markdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	bareURLPattern      = regexp.MustCompile(`https?://\S+`)

	markupReplacer = strings.NewReplacer(
		"*", " ", "_", " ", "\\", " ", "/", " ", "|", " ",
		"#", " ", "~", " ", "<", " ", ">", " ",
	)
)

// SpeakableText strips markup a model tends to emit so the synthesizer reads prose
// instead of symbols. Code blocks and URLs are dropped, link labels are kept.
// It returns "" when nothing speakable remains.
func SpeakableText(reply string) string {
	s := strings.TrimSpace(reply)
	if s == "" {
		return ""
	}
	s = fencedCodePattern.ReplaceAllString(s, " ")
	s = inlineCodePattern.ReplaceAllString(s, " ")
	s = markdownLinkPattern.ReplaceAllString(s, "$1")
	s = bareURLPattern.ReplaceAllString(s, " ")
	s = markupReplacer.Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch {
		case isJoinerRune(r), unicode.IsControl(r) && !unicode.IsSpace(r):
			continue
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// emoji and math symbols
			continue
		case unicode.IsPunct(r) && !speakablePunct(r):
			pendingSpace = b.Len() > 0
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isJoinerRune(r rune) bool {
	return r == '\u200d' || r == '\ufe0f' || r == '\u20e3'
}

func speakablePunct(r rune) bool {
	return strings.ContainsRune(".,!?:;'\"-()", r)
}
