// Package moq implements the wire-protocol codec a MoQ Transport publisher
// needs (draft-ietf-moq-transport-15): control message serialization and
// parsing for the client role (CLIENT_SETUP, ANNOUNCE, responses to relay
// SUBSCRIBEs) plus subgroup/object data-stream framing with LOC header
// extensions for capture timestamps.
//
// This package contains no session logic; connection and track state live
// in [github.com/zsiec/opuscast/internal/publish].
package moq
