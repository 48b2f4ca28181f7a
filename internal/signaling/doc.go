// Package signaling implements the HTTP offer/answer surface that binds a
// browser peer connection to a voice-bot session.
//
// Endpoints:
//   - POST  /api/offer : SDP offer -> answer. Creates a session, or
//     renegotiates an existing one when pc_id is set.
//   - PATCH /api/offer : trickled ICE candidates for an existing session.
//
// The server answers non-trickle: the answer carries whatever candidates were
// gathered before the ICE gathering timeout.
package signaling
