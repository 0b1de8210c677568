// Package command authenticates and applies out-of-band tenant lock
// commands sent by a chat-ops integration.
//
// Requests are form-encoded bodies signed with a shared secret:
//
//	X-Signing-Timestamp: <unix seconds>
//	X-Signature: v0=<hex HMAC-SHA256(secret, "v0:" + timestamp + ":" + body)>
//
// Slack's X-Slack-Request-Timestamp and X-Slack-Signature headers are
// accepted in their place. Timestamps further than the replay window from
// the server clock are refused, as is any envelope already accepted once.
package command
