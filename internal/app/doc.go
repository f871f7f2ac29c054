// Package app wires configuration into a harvest run: it opens the listing
// store, launches the browser, drives the crawl, normalization and export
// stages, and publishes the run summary. A Pipeline owns every resource it
// opens and releases them in Close.
package app
