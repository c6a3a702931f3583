// Package auth verifies the bearer access tokens presented on the REST and realtime surfaces.
//
// Account management and token issuance belong to the identity service; this package only
// holds the shared-secret JWT manager used to verify them (and to mint tokens for tests and
// local tooling).
package auth
