// Package news resolves raw broker articles to ticker events. Provider
// symbol hints are tried first; the extractor service is the fallback for
// untagged headlines. Repeated article IDs are suppressed for a short
// window so provider re-sends produce at most one event.
package news
