// Package crawler walks a paginated catalog with a single browser session.
//
// The Controller is a small state machine. Each catalog page moves through
// loading, classification and extraction; blocked pages and anti-bot
// challenges detour through bounded recovery states. A crawl always ends in
// one of four terminal states (done, exhausted, cycled, failed) together with
// a StopReason, and listings are persisted page by page so that whatever was
// collected before a stop survives it.
package crawler
