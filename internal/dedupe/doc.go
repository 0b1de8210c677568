// Package dedupe provides a bounded, time-windowed set of seen keys.
// The signed-command authenticator keys it by request signature to refuse
// an exact replay of a request it already accepted inside the replay window.
package dedupe
