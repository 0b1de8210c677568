// ABOUTME: Parser for chat-ops tenant lock commands
// ABOUTME: Reads Slack-style form bodies into a verb, actor, tenant, and lock options

package command

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/converto/converto-gateway/internal/store"
	"github.com/converto/converto-gateway/internal/tenantlock"
)

// ErrBadCommand is returned for command bodies that cannot be understood.
var ErrBadCommand = errors.New("bad command")

// Verb is the action a command requests.
type Verb string

const (
	VerbLock   Verb = "lock"
	VerbUnlock Verb = "unlock"
	VerbStatus Verb = "status"
)

// Usage is returned to the caller when a command cannot be parsed.
const Usage = "usage: /lock <tenant> [reason=<text>] [ttl=<duration>] [ratelimit=normal|high] | /unlock <tenant> [reason=<text>] | /lock-status <tenant>"

// Request is a parsed tenant lock command.
type Request struct {
	Verb     Verb
	Actor    string
	TeamID   string
	TenantID string
	Reason   string
	TTL      time.Duration
	RateMode store.RateMode
}

// ParseForm reads a command from form values. The actor comes from
// actor_id or user_id, arguments from command_args or text.
func ParseForm(values url.Values) (*Request, error) {
	req := &Request{
		Actor:  firstNonEmpty(values.Get("actor_id"), values.Get("user_id")),
		TeamID: values.Get("team_id"),
	}
	if req.Actor == "" {
		return nil, fmt.Errorf("%w: missing actor", ErrBadCommand)
	}

	verb, ok := verbFromCommand(values.Get("command"))
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q", ErrBadCommand, values.Get("command"))
	}

	tokens, err := tokenize(firstNonEmpty(values.Get("command_args"), values.Get("text")))
	if err != nil {
		return nil, err
	}
	if verb == "" {
		verb = VerbLock
		if len(tokens) > 0 {
			if v, ok := verbFromWord(tokens[0]); ok {
				verb = v
				tokens = tokens[1:]
			}
		}
	}
	req.Verb = verb

	if err := req.applyArgs(tokens); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *Request) applyArgs(tokens []string) error {
	for _, tok := range tokens {
		key, value, isPair := strings.Cut(tok, "=")
		if !isPair {
			if r.TenantID != "" {
				return fmt.Errorf("%w: unexpected argument %q", ErrBadCommand, tok)
			}
			r.TenantID = tok
			continue
		}

		switch strings.ToLower(key) {
		case "tenant":
			r.TenantID = value
		case "reason":
			r.Reason = value
		case "ttl":
			if r.Verb != VerbLock {
				return fmt.Errorf("%w: ttl only applies to lock", ErrBadCommand)
			}
			d, err := ParseTTL(value)
			if err != nil {
				return err
			}
			r.TTL = d
		case "ratelimit", "rate":
			if r.Verb != VerbLock {
				return fmt.Errorf("%w: ratelimit only applies to lock", ErrBadCommand)
			}
			mode, err := tenantlock.ParseRateMode(value)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBadCommand, err)
			}
			r.RateMode = mode
		default:
			return fmt.Errorf("%w: unknown option %q", ErrBadCommand, key)
		}
	}

	if r.TenantID == "" {
		return fmt.Errorf("%w: missing tenant", ErrBadCommand)
	}
	return nil
}

const day = 24 * time.Hour

// ParseTTL parses a Go duration, also accepting a leading whole number of
// days such as "7d" or "1d12h".
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty ttl", ErrBadCommand)
	}

	var days time.Duration
	if before, after, found := strings.Cut(s, "d"); found {
		n, err := strconv.Atoi(before)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: invalid ttl %q", ErrBadCommand, s)
		}
		if int64(n) > math.MaxInt64/int64(day) {
			return 0, fmt.Errorf("%w: ttl %q too large", ErrBadCommand, s)
		}
		days = time.Duration(n) * day
		s = after
		if s == "" {
			return days, nil
		}
	}

	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: invalid ttl %q", ErrBadCommand, s)
	}
	if d > math.MaxInt64-days {
		return 0, fmt.Errorf("%w: ttl too large", ErrBadCommand)
	}
	return days + d, nil
}

func verbFromCommand(cmd string) (Verb, bool) {
	switch strings.ToLower(strings.TrimSpace(cmd)) {
	case "":
		return "", true
	case "/lock", "/tenant-lock":
		return VerbLock, true
	case "/unlock", "/tenant-unlock":
		return VerbUnlock, true
	case "/lock-status", "/tenant-status":
		return VerbStatus, true
	default:
		return "", false
	}
}

func verbFromWord(word string) (Verb, bool) {
	switch strings.ToLower(word) {
	case "lock":
		return VerbLock, true
	case "unlock":
		return VerbUnlock, true
	case "status":
		return VerbStatus, true
	default:
		return "", false
	}
}

// tokenize splits on whitespace, keeping double-quoted runs together so
// reason="card testing" is one token.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	hasToken := false

	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			hasToken = true
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			if hasToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				hasToken = false
			}
		default:
			cur.WriteRune(r)
			hasToken = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("%w: unterminated quote", ErrBadCommand)
	}
	if hasToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
