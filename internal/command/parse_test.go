// ABOUTME: Tests for chat-ops command parsing
// ABOUTME: Covers verbs, actor and argument aliases, quoting, ttl forms, and malformed input

package command

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converto/converto-gateway/internal/store"
)

func TestParseForm_SlackLock(t *testing.T) {
	values, err := url.ParseQuery("team_id=T1&user_id=U9&text=ACME reason=fraud ttl=15m ratelimit=high")
	require.NoError(t, err)

	req, err := ParseForm(values)
	require.NoError(t, err)
	assert.Equal(t, &Request{
		Verb:     VerbLock,
		Actor:    "U9",
		TeamID:   "T1",
		TenantID: "ACME",
		Reason:   "fraud",
		TTL:      15 * time.Minute,
		RateMode: store.RateModeHigh,
	}, req)
}

func TestParseForm_Variants(t *testing.T) {
	tests := []struct {
		name   string
		form   url.Values
		verb   Verb
		actor  string
		tenant string
		reason string
		ttl    time.Duration
		rate   store.RateMode
	}{
		{
			name:   "actor_id and command_args",
			form:   url.Values{"actor_id": {"ops"}, "user_id": {"U1"}, "command_args": {"acme"}, "text": {"ignored"}},
			verb:   VerbLock,
			actor:  "ops",
			tenant: "acme",
		},
		{
			name:   "unlock slash command",
			form:   url.Values{"user_id": {"U9"}, "command": {"/unlock"}, "text": {"acme reason=resolved"}},
			verb:   VerbUnlock,
			actor:  "U9",
			tenant: "acme",
			reason: "resolved",
		},
		{
			name:   "status slash command",
			form:   url.Values{"user_id": {"U9"}, "command": {"/lock-status"}, "text": {"acme"}},
			verb:   VerbStatus,
			actor:  "U9",
			tenant: "acme",
		},
		{
			name:   "leading verb word",
			form:   url.Values{"user_id": {"U9"}, "text": {"unlock acme"}},
			verb:   VerbUnlock,
			actor:  "U9",
			tenant: "acme",
		},
		{
			name:   "quoted reason and rate alias",
			form:   url.Values{"user_id": {"U9"}, "text": {`acme reason="card testing wave" rate=normal ttl=2d`}},
			verb:   VerbLock,
			actor:  "U9",
			tenant: "acme",
			reason: "card testing wave",
			ttl:    48 * time.Hour,
			rate:   store.RateModeNormal,
		},
		{
			name:   "tenant option",
			form:   url.Values{"user_id": {"U9"}, "text": {"tenant=globex"}},
			verb:   VerbLock,
			actor:  "U9",
			tenant: "globex",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseForm(tt.form)
			require.NoError(t, err)
			assert.Equal(t, tt.verb, req.Verb)
			assert.Equal(t, tt.actor, req.Actor)
			assert.Equal(t, tt.tenant, req.TenantID)
			assert.Equal(t, tt.reason, req.Reason)
			assert.Equal(t, tt.ttl, req.TTL)
			assert.Equal(t, tt.rate, req.RateMode)
		})
	}
}

func TestParseForm_Errors(t *testing.T) {
	tests := []struct {
		name string
		form url.Values
	}{
		{"missing actor", url.Values{"text": {"acme"}}},
		{"missing tenant", url.Values{"user_id": {"U9"}, "text": {"reason=fraud"}}},
		{"two tenants", url.Values{"user_id": {"U9"}, "text": {"acme globex"}}},
		{"unknown option", url.Values{"user_id": {"U9"}, "text": {"acme color=red"}}},
		{"bad ttl", url.Values{"user_id": {"U9"}, "text": {"acme ttl=soon"}}},
		{"bad rate", url.Values{"user_id": {"U9"}, "text": {"acme ratelimit=turbo"}}},
		{"ttl on unlock", url.Values{"user_id": {"U9"}, "command": {"/unlock"}, "text": {"acme ttl=1h"}}},
		{"unknown command", url.Values{"user_id": {"U9"}, "command": {"/deploy"}, "text": {"acme"}}},
		{"unterminated quote", url.Values{"user_id": {"U9"}, "text": {`acme reason="oops`}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseForm(tt.form)
			assert.ErrorIs(t, err, ErrBadCommand)
		})
	}
}

func TestParseTTL(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"15m", 15 * time.Minute, false},
		{"1h30m", 90 * time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{"", 0, true},
		{"d", 0, true},
		{"-5m", 0, true},
		{"xd", 0, true},
		{"1d-1h", 0, true},
		{"213504d", 0, true},
		{"106751d24h", 0, true},
		{"106751d", 106751 * 24 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTTL(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
