package voice

import (
	"fmt"
	"sort"
	"strings"
)

const wildcardLanguage = "*"

// NormalizeLanguage canonicalizes a BCP-47 style hint ("en_us", "EN-us") to "en-US".
// An empty or malformed hint yields fallback.
func NormalizeLanguage(raw, fallback string) string {
	v := strings.TrimSpace(strings.ReplaceAll(raw, "_", "-"))
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, "-")
	base := strings.ToLower(parts[0])
	if len(base) < 2 || len(base) > 3 || !isLetters(base) {
		return fallback
	}
	out := []string{base}
	for _, p := range parts[1:] {
		switch {
		case p == "":
			return fallback
		case len(p) == 2 && isLetters(p):
			out = append(out, strings.ToUpper(p))
		case len(p) == 4 && isLetters(p):
			out = append(out, strings.ToUpper(p[:1])+strings.ToLower(p[1:]))
		default:
			out = append(out, strings.ToLower(p))
		}
	}
	return strings.Join(out, "-")
}

// BaseLanguage returns the primary subtag of a normalized tag: "en-US" -> "en".
func BaseLanguage(tag string) string {
	base, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(base)
}

func isLetters(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// VoiceTable maps base language codes to provider voice ids, with a "*" default entry
// for unmapped languages.
type VoiceTable struct {
	entries map[string]string
}

// ParseVoiceTable parses "en=alloy,es=nova,*=alloy". A table must have a default entry.
func ParseVoiceTable(raw string) (VoiceTable, error) {
	entries := make(map[string]string)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		lang, voiceID, ok := strings.Cut(item, "=")
		lang = strings.ToLower(strings.TrimSpace(lang))
		voiceID = strings.TrimSpace(voiceID)
		if !ok || lang == "" || voiceID == "" {
			return VoiceTable{}, fmt.Errorf("invalid voice map entry %q (expected lang=voice)", item)
		}
		if lang != wildcardLanguage {
			lang = BaseLanguage(NormalizeLanguage(lang, lang))
		}
		entries[lang] = voiceID
	}
	if _, ok := entries[wildcardLanguage]; !ok {
		return VoiceTable{}, fmt.Errorf("voice map %q has no default (*) entry", raw)
	}
	return VoiceTable{entries: entries}, nil
}

// Lookup returns the voice for a normalized language tag.
func (t VoiceTable) Lookup(language string) string {
	if v, ok := t.entries[BaseLanguage(language)]; ok {
		return v
	}
	return t.entries[wildcardLanguage]
}

// VoiceEntry is one row of a VoiceTable.
type VoiceEntry struct {
	Language string `json:"language"`
	VoiceID  string `json:"voice_id"`
}

// Entries lists the table sorted by language with the default row last.
func (t VoiceTable) Entries() []VoiceEntry {
	out := make([]VoiceEntry, 0, len(t.entries))
	for lang, id := range t.entries {
		out = append(out, VoiceEntry{Language: lang, VoiceID: id})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Language == wildcardLanguage || out[j].Language == wildcardLanguage {
			return out[j].Language == wildcardLanguage && out[i].Language != wildcardLanguage
		}
		return out[i].Language < out[j].Language
	})
	return out
}
