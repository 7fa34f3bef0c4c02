// ABOUTME: Entry point for the miner-gateway coordinator
// ABOUTME: Serves field agents over WebSocket and operators over the REST API

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/miner-gateway/internal/auth"
	"github.com/2389/miner-gateway/internal/config"
	"github.com/2389/miner-gateway/internal/gateway"
	"github.com/2389/miner-gateway/internal/logging"
	"github.com/2389/miner-gateway/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
           _                                    _
 _ __ ___ (_)_ __   ___ _ __      __ _  __ _| |_ _____      ____ _ _   _
| '_ ' _ \| | '_ \ / _ \ '__|____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | | | | | | | | |  __/ | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_| |_|_|_| |_|\___|_|        \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                  |___/                             |___/
`

// dataPath returns the miner-gateway data directory.
// Priority: XDG_DATA_HOME/miner-gateway > ~/.local/share/miner-gateway
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "miner-gateway")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: miner-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                                  Start the coordinator")
		fmt.Println("  init                                   Create a new config file interactively")
		fmt.Println("  bootstrap --email EMAIL --password PW  Create the first admin user and token")
		fmt.Println("  health                                 Check coordinator health")
		fmt.Println("  agents                                 Show readiness and online agent count")
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
	case "bootstrap":
		err = runBootstrap(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Health:    %s (gRPC)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Operator auth disabled (auth.jwt_secret not set)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting miner-gateway",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func getJSON(ctx context.Context, path string) (int, []byte, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return 0, nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	status, _, err := getJSON(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}
	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	status, body, err := getJSON(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}
	fmt.Println(strings.TrimSpace(string(body)))
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d", status)
	}
	return nil
}

// parseFlags reads "--name value" and "--name=value" forms.
func parseFlags(args []string, names ...string) (map[string]string, error) {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		out[name] = value
	}
	return out, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// runBootstrap performs first-time setup:
// 1. Creates a config file with random JWT and secrets keys (if not present)
// 2. Creates the database and the first admin user
// 3. Saves a JWT for that user next to the config for miner-admin
func runBootstrap(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "email", "password")
	if err != nil {
		return err
	}
	email := strings.TrimSpace(flags["email"])
	password := flags["password"]
	if email == "" || !strings.Contains(email, "@") {
		return errors.New("--email is required")
	}
	if len(password) < 8 {
		return errors.New("--password must be at least 8 characters")
	}

	configPath := config.DefaultPath()
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := writeBootstrapConfig(configPath); err != nil {
			return err
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s (required for bootstrap)", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()
	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	count, err := s.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("checking users: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("bootstrap already complete: %d user(s) exist", count)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	user := &store.User{Email: email, PasswordHash: hash, Role: store.RoleAdmin}
	if err := s.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	green.Printf("  ✓ Created admin user: %s\n", user.Email)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	ttl := 30 * 24 * time.Hour
	token, err := verifier.Generate(auth.UserSubject(user.ID), ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Admin User")
	cyan.Println("  ----------")
	fmt.Printf("  ID:     %d\n", user.ID)
	fmt.Printf("  Email:  %s\n", user.Email)
	fmt.Printf("  Role:   admin\n")
	fmt.Printf("  Token:  %s (expires %s)\n", tokenPath, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    miner-gateway serve       # start the coordinator")
	fmt.Println("    miner-admin farms create  # add your first farm")
	fmt.Println()
	return nil
}

func writeBootstrapConfig(configPath string) error {
	jwtSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	secretsKey, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating secrets key: %w", err)
	}
	dbPath := filepath.Join(dataPath(), "gateway.db")

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	content := fmt.Sprintf(`# miner-gateway configuration
# Generated by miner-gateway bootstrap

server:
  http_addr: "localhost:8080"
  grpc_addr: "localhost:50051"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  token_ttl: "24h"

secrets:
  key: "%s"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret, secretsKey)

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("miner-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultDBPath := filepath.Join(dataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "localhost:50051")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDBPath)

	fmt.Println("\n--- Security ---")
	enableAuth := yes(prompt(reader, "Require operator login (JWT)?", "yes"))

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "miner-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secretsKey, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating secrets key: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# miner-gateway configuration\n")
	cfg.WriteString("# Generated by miner-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if grpcAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	if enableAuth {
		jwtSecret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n", jwtSecret)
		cfg.WriteString("  token_ttl: \"24h\"\n\n")
	}

	cfg.WriteString("secrets:\n")
	fmt.Fprintf(&cfg, "  key: %q\n\n", secretsKey)

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", tsFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  idle_timeout: \"35s\"\n")
	cfg.WriteString("  ping_grace: \"10s\"\n\n")

	cfg.WriteString("commands:\n")
	cfg.WriteString("  scan_timeout: \"120s\"\n")
	cfg.WriteString("  replay_window: \"10m\"\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Println("  miner-gateway serve")
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
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
		// EOF keeps the default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
