package browser

import (
	"math/rand/v2"
	"strings"
	"time"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
}

const (
	minViewportWidth  = 1024
	maxViewportWidth  = 1920
	minViewportHeight = 768
	maxViewportHeight = 1080
)

func randomViewport() (int64, int64) {
	w := minViewportWidth + rand.IntN(maxViewportWidth-minViewportWidth+1)
	h := minViewportHeight + rand.IntN(maxViewportHeight-minViewportHeight+1)
	return int64(w), int64(h)
}

// randomBetween returns a uniformly distributed duration in [lo, hi].
func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// acceptLanguageFor builds an Accept-Language header preferring locale.
func acceptLanguageFor(locale string) string {
	lang, _, _ := strings.Cut(locale, "-")
	if lang == "" || lang == "en" {
		return "en-US,en;q=0.9"
	}
	return locale + "," + lang + ";q=0.9,en-US;q=0.8,en;q=0.7"
}

// stealthScript hides the usual automation fingerprints before any page script runs.
func stealthScript(locale string) string {
	lang, _, _ := strings.Cut(locale, "-")
	languages := `['` + locale + `', '` + lang + `', 'en-US', 'en']`
	return `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5], configurable: true });
Object.defineProperty(navigator, 'languages', { get: () => ` + languages + `, configurable: true });
Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 8, configurable: true });
Object.defineProperty(navigator, 'deviceMemory', { get: () => 8, configurable: true });
if (!window.chrome) { window.chrome = {}; }
window.chrome.runtime = window.chrome.runtime || {};
if (window.navigator.permissions && window.navigator.permissions.query) {
	const originalQuery = window.navigator.permissions.query.bind(window.navigator.permissions);
	window.navigator.permissions.query = (parameters) => (
		parameters.name === 'notifications' ?
			Promise.resolve({ state: Notification.permission }) :
			originalQuery(parameters)
	);
}
`
}
