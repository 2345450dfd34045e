// Package extractor is the HTTP client for the ticker-extraction
// collaborator, which maps a headline to the equity symbol it is about.
package extractor
