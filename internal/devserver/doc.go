// Package devserver is a local stand-in for the keyword analysis service. It
// keeps jobs in memory, walks started jobs through a scripted stage sequence
// and streams progress over a websocket feed, which is enough to drive the
// tracker end to end without the real backend.
package devserver
