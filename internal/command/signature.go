// ABOUTME: HMAC-SHA256 request signing for out-of-band admin commands
// ABOUTME: Signs "v0:<ts>:<body>", compares in constant time, and rejects stale or replayed envelopes

package command

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/converto/converto-gateway/internal/dedupe"
	"github.com/converto/converto-gateway/internal/metrics"
)

// Errors returned by Authenticate. Callers present both as the same rejection.
var (
	ErrSignatureInvalid = errors.New("invalid signature")
	ErrReplayRejected   = errors.New("replay rejected")
)

// DefaultReplayWindow is the maximum age, in either direction, of a signed request.
const DefaultReplayWindow = 300 * time.Second

// SignatureVersion prefixes both the signed base string and the signature.
const SignatureVersion = "v0"

// Request headers carrying the envelope.
const (
	TimestampHeader      = "X-Signing-Timestamp"
	SignatureHeader      = "X-Signature"
	SlackTimestampHeader = "X-Slack-Request-Timestamp"
	SlackSignatureHeader = "X-Slack-Signature"
)

// maxTimestampLen bounds the timestamp header before parsing.
const maxTimestampLen = 19

// replayCacheSize bounds the number of accepted signatures remembered.
const replayCacheSize = 10000

// ComputeSignature returns "v0=" + hex(HMAC-SHA256(secret, "v0:" + ts + ":" + body)).
func ComputeSignature(secret, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(SignatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return SignatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the timestamp and signature headers for body at now.
func Sign(secret, body []byte, now time.Time) (timestamp, signature string) {
	timestamp = strconv.FormatInt(now.Unix(), 10)
	return timestamp, ComputeSignature(secret, body, timestamp)
}

// SignRequest sets the envelope headers on req.
func SignRequest(req *http.Request, secret, body []byte, now time.Time) {
	ts, sig := Sign(secret, body, now)
	req.Header.Set(TimestampHeader, ts)
	req.Header.Set(SignatureHeader, sig)
}

// EnvelopeHeaders reads the timestamp and signature, accepting Slack's names as aliases.
func EnvelopeHeaders(h http.Header) (timestamp, signature string) {
	timestamp = h.Get(TimestampHeader)
	if timestamp == "" {
		timestamp = h.Get(SlackTimestampHeader)
	}
	signature = h.Get(SignatureHeader)
	if signature == "" {
		signature = h.Get(SlackSignatureHeader)
	}
	return timestamp, signature
}

// Verify reports whether signature is valid for rawBody and timestamp is
// strictly within window of now. Any malformed input is a rejection.
func Verify(secret, rawBody []byte, timestamp, signature string, now time.Time, window time.Duration) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if len(secret) == 0 || window <= 0 {
		return false
	}
	if timestamp == "" || len(timestamp) > maxTimestampLen {
		return false
	}
	for _, c := range timestamp {
		if c < '0' || c > '9' {
			return false
		}
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}

	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew >= window {
		return false
	}

	hexSig, found := strings.CutPrefix(signature, SignatureVersion+"=")
	if !found {
		return false
	}
	presented, err := hex.DecodeString(hexSig)
	if err != nil || len(presented) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(SignatureVersion + ":" + timestamp + ":"))
	mac.Write(rawBody)
	return hmac.Equal(presented, mac.Sum(nil))
}

// Authenticator verifies signed command envelopes with a shared secret.
type Authenticator struct {
	secret  []byte
	window  time.Duration
	replay  *dedupe.Cache
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// NewAuthenticator creates an authenticator. A non-positive window uses the default.
func NewAuthenticator(secret string, window time.Duration, m *metrics.Metrics) *Authenticator {
	return newAuthenticator(secret, window, m, time.Now)
}

func newAuthenticator(secret string, window time.Duration, m *metrics.Metrics, now func() time.Time) *Authenticator {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &Authenticator{
		secret: []byte(secret),
		window: window,
		// An accepted timestamp may sit up to one window in the future,
		// so its signature stays presentable for two windows.
		replay:  dedupe.NewWithClock(2*window, replayCacheSize, now),
		metrics: m,
		now:     now,
		logger:  slog.Default().With("component", "command"),
	}
}

// Close stops the replay cache cleanup goroutine.
func (a *Authenticator) Close() {
	a.replay.Close()
}

// Window returns the configured replay window.
func (a *Authenticator) Window() time.Duration {
	return a.window
}

// Authenticate checks the envelope and records accepted signatures so an
// identical envelope is refused for the rest of its validity.
func (a *Authenticator) Authenticate(rawBody []byte, timestamp, signature string) error {
	if !Verify(a.secret, rawBody, timestamp, signature, a.now(), a.window) {
		a.metrics.ObserveCommandAuth("invalid_signature")
		return ErrSignatureInvalid
	}
	if a.replay.CheckAndMark(signature) {
		a.metrics.ObserveCommandAuth("replayed")
		a.logger.Warn("signed command replayed", "timestamp", timestamp)
		return ErrReplayRejected
	}
	a.metrics.ObserveCommandAuth(metrics.OutcomeAllowed)
	return nil
}
