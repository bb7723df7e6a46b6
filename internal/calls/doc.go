// Package calls manages this process's participation in a live broadcast
// (an RTMP group call): joining, leaving and rejoining it, probing whether the
// server still recognises the membership, and tracking call updates and
// playback positions pushed by external feeds.
//
// At most one session is current at a time. Local state changes happen before
// the RPCs they precede, so listeners see a leave immediately even when the
// hang-up is slow. Listeners run synchronously on the goroutine that caused
// the change.
package calls
