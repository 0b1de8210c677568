// ABOUTME: Entry point for converto-gateway, the multi-tenant authentication and tenant lock server
// ABOUTME: Provides serve, init, keygen, user-add and health commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/converto/converto-gateway/internal/auth"
	"github.com/converto/converto-gateway/internal/config"
	"github.com/converto/converto-gateway/internal/credentials"
	"github.com/converto/converto-gateway/internal/gateway"
	"github.com/converto/converto-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                _
  ___ ___  _ ____   _____ _ __| |_ ___
 / __/ _ \| '_ \ \ / / _ \ '__| __/ _ \
| (_| (_) | | | \ V /  __/ |  | || (_) |
 \___\___/|_| |_|\_/ \___|_|   \__\___/   gateway
`

// getConfigPath returns the path to the gateway config file.
// Priority: CONVERTO_CONFIG env var > XDG_CONFIG_HOME/converto/gateway.yaml > ~/.config/converto/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONVERTO_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "converto", "gateway.yaml")
}

// getDataPath returns the path to the converto data directory.
// Priority: XDG_DATA_HOME/converto > ~/.local/share/converto
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "converto")
}

func printUsage() {
	fmt.Println("Usage: converto-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                      Start the gateway server")
	fmt.Println("  init                                       Create a new config file and session keys")
	fmt.Println("  keygen [--out DIR]                         Generate an ES256 session key pair")
	fmt.Println("  user-add --email E --tenant T [--role R]   Create a user and enroll TOTP")
	fmt.Println("  health                                     Check gateway health")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "user-add":
		err = runUserAdd(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Limiter:   %s\n", cfg.RateLimit.Backend)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Session.CookieInsecure {
		yellow.Println("    ! session cookies are not marked Secure")
	}

	fmt.Println()

	logger.Info("starting converto-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// writeKeyPair generates an ES256 key pair into dir and returns the file paths.
func writeKeyPair(dir string) (privPath, pubPath string, err error) {
	privPEM, pubPEM, err := auth.GenerateES256KeyPair()
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", fmt.Errorf("creating key directory: %w", err)
	}

	privPath = filepath.Join(dir, "session_private.pem")
	pubPath = filepath.Join(dir, "session_public.pem")
	if _, err := os.Stat(privPath); err == nil {
		return "", "", fmt.Errorf("%s already exists, refusing to overwrite", privPath)
	}
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return "", "", fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
		return "", "", fmt.Errorf("writing public key: %w", err)
	}
	return privPath, pubPath, nil
}

func runKeygen(args []string) error {
	outDir := getDataPath()
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--out" || args[i] == "-o":
			if i+1 >= len(args) {
				return fmt.Errorf("--out requires a value")
			}
			outDir = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--out="):
			outDir = strings.TrimPrefix(args[i], "--out=")
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}

	privPath, pubPath, err := writeKeyPair(outDir)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Private key: %s\n", privPath)
	green.Printf("  ✓ Public key:  %s\n", pubPath)
	return nil
}

type userAddArgs struct {
	email       string
	tenant      string
	displayName string
	roles       []string
	skipTOTP    bool
}

func parseUserAddArgs(args []string) (*userAddArgs, error) {
	var out userAddArgs
	value := func(i int, flag string) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", flag)
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--email", "-e":
			out.email, err = value(i, args[i])
			i++
		case "--tenant", "-t":
			out.tenant, err = value(i, args[i])
			i++
		case "--name", "-n":
			out.displayName, err = value(i, args[i])
			i++
		case "--role", "-r":
			var role string
			role, err = value(i, args[i])
			i++
			for _, r := range strings.Split(role, ",") {
				if r = strings.TrimSpace(r); r != "" {
					out.roles = append(out.roles, r)
				}
			}
		case "--no-totp":
			out.skipTOTP = true
		default:
			return nil, fmt.Errorf("unexpected argument: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	out.email = strings.TrimSpace(out.email)
	out.tenant = strings.TrimSpace(out.tenant)
	if out.email == "" || out.tenant == "" {
		return nil, fmt.Errorf("usage: user-add --email <email> --tenant <tenant> [--role <role>] [--name <name>] [--no-totp]")
	}
	if !strings.Contains(out.email, "@") {
		return nil, fmt.Errorf("invalid email: %s", out.email)
	}
	return &out, nil
}

func runUserAdd(ctx context.Context, args []string) error {
	parsed, err := parseUserAddArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.OpenSQLiteStore(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	user := &store.User{
		Email:       parsed.email,
		TenantID:    parsed.tenant,
		Roles:       parsed.roles,
		DisplayName: parsed.displayName,
	}
	if err := s.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	if err := s.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      "cli:user-add",
		Action:     store.AuditCreateUser,
		TargetType: "user",
		TargetID:   user.ID,
		Detail:     map[string]any{"tenant_id": user.TenantID, "roles": user.Roles},
	}); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Printf("  ✓ Created user %s\n", user.Email)
	fmt.Printf("  ID:      %s\n", user.ID)
	fmt.Printf("  Tenant:  %s\n", user.TenantID)
	if len(user.Roles) > 0 {
		fmt.Printf("  Roles:   %s\n", strings.Join(user.Roles, ", "))
	}

	if parsed.skipTOTP {
		return nil
	}

	verifier := credentials.NewTOTPVerifier(s, cfg.TOTP.Issuer, nil)
	defer verifier.Close()
	key, err := verifier.Enroll(ctx, user.ID, "cli:user-add")
	if err != nil {
		return fmt.Errorf("enrolling TOTP: %w", err)
	}

	fmt.Println()
	cyan.Println("  TOTP enrollment (shown once)")
	cyan.Println("  ----------------------------")
	fmt.Printf("  Secret:  %s\n", key.Secret())
	fmt.Printf("  URL:     %s\n", key.URL())
	fmt.Println()
	return nil
}

// randomSecret returns n random bytes, base64 encoded.
func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("converto-gateway configuration setup")
	fmt.Println("====================================")
	fmt.Println()

	defaultDataPath := getDataPath()
	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")
	baseURL := prompt(reader, "Public base URL", "http://"+httpAddr)

	fmt.Println("\n--- Database Configuration ---")
	dataPath := prompt(reader, "Data directory", defaultDataPath)
	dbPath := prompt(reader, "SQLite database path", filepath.Join(dataPath, "gateway.db"))

	fmt.Println("\n--- Session Configuration ---")
	issuer := prompt(reader, "Token issuer", "converto-gateway")
	audience := prompt(reader, "Token audience", "converto-app")
	insecureCookie := isYes(prompt(reader, "Allow cookies over plain HTTP (development only)?", "no"))

	fmt.Println("\n--- Operators ---")
	actors := prompt(reader, "Privileged actors (comma separated chat or operator ids)", "")

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsHTTPS bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "converto-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsHTTPS = isYes(prompt(reader, "Serve HTTPS with tailnet certificates?", "yes"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	privPath, pubPath, err := writeKeyPair(filepath.Join(dataPath, "keys"))
	if err != nil {
		return err
	}
	signingSecret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating signing secret: %w", err)
	}
	magicSecret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating magic link secret: %w", err)
	}
	operatorToken, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating operator token: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# converto-gateway configuration\n")
	cfg.WriteString(fmt.Sprintf("# Generated by converto-gateway init on %s\n\n", time.Now().Format("2006-01-02")))

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	}
	cfg.WriteString(fmt.Sprintf("  base_url: %q\n\n", baseURL))

	cfg.WriteString("database:\n")
	cfg.WriteString("  driver: \"sqlite\"\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("session:\n")
	cfg.WriteString(fmt.Sprintf("  issuer: %q\n", issuer))
	cfg.WriteString(fmt.Sprintf("  audience: %q\n", audience))
	cfg.WriteString(fmt.Sprintf("  private_key: %q\n", privPath))
	cfg.WriteString(fmt.Sprintf("  public_key: %q\n", pubPath))
	cfg.WriteString("  ttl: \"15m\"\n")
	cfg.WriteString(fmt.Sprintf("  cookie_insecure: %t\n\n", insecureCookie))

	cfg.WriteString("commands:\n")
	cfg.WriteString(fmt.Sprintf("  signing_secret: %q\n", signingSecret))
	cfg.WriteString("  replay_window: \"300s\"\n")
	cfg.WriteString("  privileged_actors:\n")
	for _, a := range strings.Split(actors, ",") {
		if a = strings.TrimSpace(a); a != "" {
			cfg.WriteString(fmt.Sprintf("    - %q\n", a))
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("admin:\n")
	cfg.WriteString(fmt.Sprintf("  operator_token: %q\n\n", operatorToken))

	cfg.WriteString("magic_link:\n")
	cfg.WriteString(fmt.Sprintf("  secret: %q\n", magicSecret))
	cfg.WriteString("  ttl: \"15m\"\n\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  https: %t\n", tsHTTPS))
	}
	cfg.WriteString("\n")

	cfg.WriteString("ratelimit:\n")
	cfg.WriteString("  backend: \"memory\"\n")
	cfg.WriteString("  requests: 30\n")
	cfg.WriteString("  window: \"1m\"\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n\n", logFormat))

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds shared secrets.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Session keys:    %s\n", filepath.Dir(privPath))
	fmt.Println("\nNext steps:")
	fmt.Println("  converto-gateway user-add --email you@example.com --tenant acme --role admin")
	fmt.Println("  converto-gateway serve")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
