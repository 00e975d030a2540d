package policy

import "regexp"

type redactionRule struct {
	marker  string
	pattern *regexp.Regexp
}

// Rules run in order; cards go before phones so long digit runs are not read as phone
// numbers, and secrets go first so key material never partially survives.
var redactionRules = []redactionRule{
	{"[REDACTED_SECRET]", regexp.MustCompile(`\b(?:sk|xi|AIza)[-_A-Za-z0-9]{16,}\b`)},
	{"[REDACTED_EMAIL]", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"[REDACTED_CARD]", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{"[REDACTED_PHONE]", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// RedactPII masks common high-risk PII and credential patterns in conversation text
// before it is archived.
func RedactPII(input string) (string, bool) {
	out := input
	for _, rule := range redactionRules {
		out = rule.pattern.ReplaceAllString(out, rule.marker)
	}
	return out, out != input
}
