// ABOUTME: Operator CLI for converto-gateway tenant locks
// ABOUTME: Calls the admin HTTP endpoints with a bearer token and signs chat-ops command bodies

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/converto/converto-gateway/internal/command"
	"github.com/converto/converto-gateway/internal/gateway"
)

const banner = `
                                _                    _           _
  ___ ___  _ ____   _____ _ __| |_ ___         __ _| |_ __ ___ (_)_ __
 / __/ _ \| '_ \ \ / / _ \ '__| __/ _ \ _____ / _' | | '_ ' _ \| | '_ \
| (_| (_) | | | \ V /  __/ |  | || (_) |_____| (_| | | | | | | | | | | |
 \___\___/|_| |_|\_/ \___|_|   \__\___/       \__,_|_|_| |_| |_|_|_| |_|
`

const requestTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("CONVERTO_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	c := &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   getToken(),
		http:    &http.Client{Timeout: requestTimeout},
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "lock":
		err = cmdLock(c, args)
	case "unlock":
		err = cmdUnlock(c, args)
	case "status":
		err = cmdStatus(c, args)
	case "sign":
		err = cmdSign(c, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: converto-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  lock --tenant T --by U [--reason R] [--ttl 15m] [--rate normal|high]")
	fmt.Println("                          Lock a tenant")
	fmt.Println("  unlock --tenant T --by U [--reason R]")
	fmt.Println("                          Unlock a tenant")
	fmt.Println("  status <tenant>         Show a tenant's lock state")
	fmt.Println("  sign --actor U --command /lock --text 'acme reason=incident' [--send]")
	fmt.Println("                          Sign a chat-ops command body, optionally POST it")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  CONVERTO_GATEWAY_URL       Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  CONVERTO_OPERATOR_TOKEN    Operator bearer token for lock, unlock and status")
	fmt.Println("  CONVERTO_SIGNING_SECRET    Shared secret for sign")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  converto-admin lock --tenant acme --by U9 --reason 'incident 42' --ttl 15m --rate high")
	fmt.Println("  converto-admin status acme")
	fmt.Println("  converto-admin sign --actor U9 --command /unlock --text acme --send")
	fmt.Println()
}

// getToken reads the operator token from the environment or the token file.
func getToken() string {
	if token := os.Getenv("CONVERTO_OPERATOR_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "converto", "operator_token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

// apiError is the JSON error body returned by the gateway.
type apiError struct {
	Error string `json:"error"`
}

// do sends a JSON request to the admin API. Any status in accept is decoded into out.
func (c *client) do(method, path string, in, out any, accept ...int) (int, error) {
	if c.token == "" {
		return 0, fmt.Errorf("CONVERTO_OPERATOR_TOKEN is not set")
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	for _, code := range accept {
		if resp.StatusCode == code {
			if out == nil {
				return code, nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return code, fmt.Errorf("decoding response: %w", err)
			}
			return code, nil
		}
	}

	var apiErr apiError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return resp.StatusCode, fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
	}
	return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
}

// flagSet is a tiny --key value parser for the lock commands.
type flagSet map[string]string

func parseFlags(args []string, allowed ...string) (flagSet, []string, error) {
	flags := flagSet{}
	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			positional = append(positional, arg)
			continue
		}
		name := strings.TrimPrefix(arg, "--")
		value := ""
		if k, v, ok := strings.Cut(name, "="); ok {
			name, value = k, v
		} else if name != "send" {
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		} else {
			value = "true"
		}
		known := false
		for _, a := range allowed {
			if a == name {
				known = true
				break
			}
		}
		if !known {
			return nil, nil, fmt.Errorf("unknown flag: --%s", name)
		}
		flags[name] = value
	}
	return flags, positional, nil
}

func cmdLock(c *client, args []string) error {
	flags, _, err := parseFlags(args, "tenant", "by", "reason", "ttl", "rate")
	if err != nil {
		return err
	}
	if flags["tenant"] == "" || flags["by"] == "" {
		return fmt.Errorf("usage: converto-admin lock --tenant <tenant> --by <actor> [--reason <text>] [--ttl <duration>] [--rate normal|high]")
	}

	req := gateway.TenantLockRequest{
		TenantID: flags["tenant"],
		Reason:   flags["reason"],
		TTL:      flags["ttl"],
		Rate:     flags["rate"],
		ByUser:   flags["by"],
	}
	var resp gateway.TenantLockResponse
	status, err := c.do(http.MethodPost, "/admin/tenants/lock", req, &resp, http.StatusOK, http.StatusConflict)
	if err != nil {
		return err
	}

	if status == http.StatusConflict {
		color.Yellow("  ! %s is already locked\n", req.TenantID)
	} else {
		color.Green("  ✓ Locked %s\n", req.TenantID)
	}
	printLock(resp.Lock)
	return nil
}

func cmdUnlock(c *client, args []string) error {
	flags, _, err := parseFlags(args, "tenant", "by", "reason")
	if err != nil {
		return err
	}
	if flags["tenant"] == "" || flags["by"] == "" {
		return fmt.Errorf("usage: converto-admin unlock --tenant <tenant> --by <actor> [--reason <text>]")
	}

	req := gateway.TenantLockRequest{
		TenantID: flags["tenant"],
		Reason:   flags["reason"],
		ByUser:   flags["by"],
	}
	var resp gateway.TenantLockResponse
	status, err := c.do(http.MethodPost, "/admin/tenants/unlock", req, &resp, http.StatusOK, http.StatusConflict)
	if err != nil {
		return err
	}

	if status == http.StatusConflict {
		color.Yellow("  ! %s is not locked\n", req.TenantID)
	} else {
		color.Green("  ✓ Unlocked %s\n", req.TenantID)
	}
	printLock(resp.Lock)
	return nil
}

func cmdStatus(c *client, args []string) error {
	if len(args) != 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: converto-admin status <tenant>")
	}

	var view gateway.TenantLockView
	if _, err := c.do(http.MethodGet, "/admin/tenants/"+url.PathEscape(args[0])+"/lock", nil, &view, http.StatusOK); err != nil {
		return err
	}
	printLock(&view)
	return nil
}

func printLock(v *gateway.TenantLockView) {
	if v == nil {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  Tenant:\t%s\n", v.TenantID)
	state := color.GreenString(v.Status)
	if v.Status == "locked" {
		state = color.RedString(v.Status)
	}
	fmt.Fprintf(w, "  Status:\t%s\n", state)
	if v.Status == "locked" {
		fmt.Fprintf(w, "  Reason:\t%s\n", orDash(v.Reason))
		fmt.Fprintf(w, "  Rate mode:\t%s\n", v.RateMode)
		fmt.Fprintf(w, "  TTL:\t%s\n", time.Duration(v.TTL)*time.Second)
		fmt.Fprintf(w, "  Locked by:\t%s\n", orDash(v.LockedBy))
		if v.LockedAt != nil {
			fmt.Fprintf(w, "  Locked at:\t%s\n", v.LockedAt.Local().Format("Jan 02 15:04:05"))
		}
		if v.ExpiresAt != nil {
			fmt.Fprintf(w, "  Expires:\t%s\n", v.ExpiresAt.Local().Format("Jan 02 15:04:05"))
		}
	}
	fmt.Fprintf(w, "  Version:\t%d\n", v.Version)
	w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// commandResponse mirrors the ephemeral reply from the command endpoint.
type commandResponse struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

func cmdSign(c *client, args []string) error {
	flags, _, err := parseFlags(args, "actor", "command", "text", "team", "send")
	if err != nil {
		return err
	}
	if flags["actor"] == "" || flags["text"] == "" {
		return fmt.Errorf("usage: converto-admin sign --actor <id> [--command /lock] --text '<tenant> [key=value...]' [--send]")
	}
	secret := os.Getenv("CONVERTO_SIGNING_SECRET")
	if secret == "" {
		return fmt.Errorf("CONVERTO_SIGNING_SECRET is not set")
	}
	if flags["command"] == "" {
		flags["command"] = "/lock"
	}

	form := url.Values{}
	form.Set("command", flags["command"])
	form.Set("text", flags["text"])
	form.Set("user_id", flags["actor"])
	if flags["team"] != "" {
		form.Set("team_id", flags["team"])
	}
	body := []byte(form.Encode())
	ts, sig := command.Sign([]byte(secret), body, time.Now())

	if flags["send"] == "" {
		fmt.Printf("%s: %s\n", command.TimestampHeader, ts)
		fmt.Printf("%s: %s\n", command.SignatureHeader, sig)
		fmt.Printf("\n%s\n", body)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/commands/tenant-lock", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(command.TimestampHeader, ts)
	req.Header.Set(command.SignatureHeader, sig)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending command: %w", err)
	}
	defer resp.Body.Close()

	var out commandResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s (status %d)", out.Text, resp.StatusCode)
	}
	fmt.Println(out.Text)
	return nil
}
