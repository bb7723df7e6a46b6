// Package api hosts the HTTP handlers of the local control API.
//
// Handler drives the session controller on behalf of operators and the
// playback pipeline: joining and leaving the broadcast, probing its liveness,
// updating view state and reading the session journal. Routing and
// middleware live in internal/server.
package api
