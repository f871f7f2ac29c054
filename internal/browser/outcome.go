package browser

import "strings"

// Outcome classifies what a navigation landed on.
type Outcome int

const (
	// OutcomeUnknown means no catalog marker and no block signal yet. The page
	// may still be loading; it is not treated as blocked.
	OutcomeUnknown Outcome = iota
	// OutcomeOK means the catalog markup is present.
	OutcomeOK
	// OutcomeBlocked means an access-denied page was served.
	OutcomeBlocked
	// OutcomeChallenge means an interstitial check that may clear on its own.
	OutcomeChallenge
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeChallenge:
		return "challenge"
	default:
		return "unknown"
	}
}

// Rules lists the phrases and markers used to classify a page.
type Rules struct {
	ChallengeTitles []string
	BlockedTitles   []string
	BlockedKeywords []string
	// Markers are selectors whose presence proves the catalog rendered.
	Markers []string
}

// DefaultRules returns the phrases the target catalog and its CDN use.
func DefaultRules(markers ...string) Rules {
	return Rules{
		ChallengeTitles: []string{"Just a moment", "Подождите"},
		BlockedTitles:   []string{"Доступ ограничен", "Access denied", "Доступ временно ограничен"},
		BlockedKeywords: []string{"captcha", "access denied", "forbidden", "доступ ограничен", "blocked"},
		Markers:         markers,
	}
}

// Signals are the observations a classification is based on.
type Signals struct {
	Title        string
	BodyText     string
	MarkerExists bool
}

// Classify maps signals to an Outcome. Title checks win over markers, and
// body keywords only count when no catalog marker is present.
func Classify(sig Signals, rules Rules) Outcome {
	title := strings.ToLower(sig.Title)
	if containsAny(title, rules.ChallengeTitles) {
		return OutcomeChallenge
	}
	if containsAny(title, rules.BlockedTitles) {
		return OutcomeBlocked
	}
	if sig.MarkerExists {
		return OutcomeOK
	}
	if containsAny(strings.ToLower(sig.BodyText), rules.BlockedKeywords) {
		return OutcomeBlocked
	}
	return OutcomeUnknown
}

// ClassifyPage gathers Signals from page and classifies them.
func ClassifyPage(page PageHandle, rules Rules) Outcome {
	if page == nil {
		return OutcomeUnknown
	}
	sig := Signals{Title: page.Title(), BodyText: page.BodyText()}
	for _, m := range rules.Markers {
		if _, ok := page.First(m); ok {
			sig.MarkerExists = true
			break
		}
	}
	return Classify(sig, rules)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
