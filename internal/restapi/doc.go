// Package restapi is the client for the platform's REST collaborator.
//
// Ownership boundary:
// - read endpoints consumed by the reconciliation store (join, slides,
//   responses)
// - mutation endpoints issued by presenter/participant tooling
// - bearer-token attachment via a TokenSource supplier
//
// The streaming channel is not authenticated here; session-code
// possession is the access control on that side.
package restapi
