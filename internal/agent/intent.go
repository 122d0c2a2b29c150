package agent

import "strings"

var (
	hiringWords  = []string{"hiring", "recruiter", "role", "position", "job", "opening"}
	contactWords = []string{"email", "@", "contact", "reach", "phone"}
)

// LooksLikeRecruiter reports whether a message mentions both hiring and
// a way to get in touch. It only labels logs, events and spans; the
// model decides whether to log a lead.
func LooksLikeRecruiter(message string) bool {
	lower := strings.ToLower(message)
	return containsAny(lower, hiringWords) && containsAny(lower, contactWords)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
