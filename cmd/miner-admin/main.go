// ABOUTME: Operator CLI for miner-gateway farms, agents, miners and commands
// ABOUTME: Talks to the REST API with a JWT from MINER_TOKEN or the saved token file

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
           _                                _           _
 _ __ ___ (_)_ __   ___ _ __       __ _  __| |_ __ ___ (_)_ __
| '_ ' _ \| | '_ \ / _ \ '__|____ / _' |/ _' | '_ ' _ \| | '_ \
| | | | | | | | | |  __/ | |_____| (_| | (_| | | | | | | | | | |
|_| |_| |_|_|_| |_|\___|_|        \__,_|\__,_|_| |_| |_|_|_| |_|
`

const defaultURL = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("MINER_GATEWAY_URL")
	if baseURL == "" {
		baseURL = defaultURL
	}
	c := &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   getToken(),
		http:    &http.Client{Timeout: 150 * time.Second},
	}

	ctx := context.Background()
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = cmdLogin(ctx, c, args)
	case "farms":
		err = cmdFarms(ctx, c, args)
	case "agents":
		err = cmdAgents(ctx, c, args)
	case "miners":
		err = cmdMiners(ctx, c, args)
	case "scan":
		err = cmdScan(ctx, c, args)
	case "restart":
		err = cmdMinerAction(ctx, c, "restart", args)
	case "power-off":
		err = cmdMinerAction(ctx, c, "power_off", args)
	case "power-on":
		err = cmdMinerAction(ctx, c, "power_on", args)
	case "command":
		err = cmdCommand(ctx, c, args)
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
	fmt.Println("Usage: miner-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  login --email E --password P     Log in and save the token")
	fmt.Println("  farms                            List farms")
	fmt.Println("  farms create --name N            Create a farm")
	fmt.Println("  farms delete <id>                Delete a farm")
	fmt.Println("  agents [--farm ID]               List agents")
	fmt.Println("  agents create --farm ID [--name] Create the farm's agent and print its token")
	fmt.Println("  agents show <id>                 Show an agent and its miners")
	fmt.Println("  miners [--farm ID] [--agent ID]  List miners")
	fmt.Println("  miners show <id>                 Show one miner")
	fmt.Println("  miners set <id> [--worker1 W] [--worker2 W] [--worker3 W] [--password P]")
	fmt.Println("  scan <agent-id>                  Rescan an agent's network and wait for results")
	fmt.Println("  restart <miner-id>               Restart the mining software")
	fmt.Println("  power-off <miner-id>             Stop hashing")
	fmt.Println("  power-on <miner-id>              Resume hashing")
	fmt.Println("  command <id>                     Show a command and its result")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  MINER_GATEWAY_URL   Coordinator URL (default: http://localhost:8080)")
	fmt.Println("  MINER_TOKEN         JWT bearer token (default: saved token file)")
	fmt.Println()
}

func tokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "miner-gateway", "token")
}

func getToken() string {
	if token := os.Getenv("MINER_TOKEN"); token != "" {
		return token
	}
	path := tokenPath()
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// apiError is a non-2xx reply from the coordinator.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// do sends a JSON request and decodes a JSON reply into out when non-nil.
// It returns the HTTP status.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connecting to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// parseArgs splits positional arguments from --name value / --name=value flags.
func parseArgs(args []string, names ...string) ([]string, map[string]string, error) {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	var positional []string
	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			positional = append(positional, arg)
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		flags[name] = value
	}
	return positional, flags, nil
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id: %q", what, s)
	}
	return id, nil
}

func oneID(args []string, what string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one %s id", what)
	}
	return parseID(args[0], what)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func cmdLogin(ctx context.Context, c *apiClient, args []string) error {
	_, flags, err := parseArgs(args, "email", "password")
	if err != nil {
		return err
	}
	if flags["email"] == "" || flags["password"] == "" {
		return errors.New("--email and --password are required")
	}

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/login",
		map[string]string{"email": flags["email"], "password": flags["password"]}, &resp); err != nil {
		return err
	}

	path := tokenPath()
	if path == "" {
		return errors.New("cannot determine config directory for the token file")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(resp.AccessToken), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	color.Green("  ✓ Logged in, token saved to %s\n", path)
	return nil
}

type farm struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func cmdFarms(ctx context.Context, c *apiClient, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	switch sub {
	case "list":
		var farms []farm
		if _, err := c.do(ctx, http.MethodGet, "/api/farms", nil, &farms); err != nil {
			return err
		}
		if len(farms) == 0 {
			fmt.Println("  No farms. Create one with: miner-admin farms create --name NAME")
			return nil
		}
		w := newTable()
		fmt.Fprintln(w, "  ID\tNAME\tCREATED")
		fmt.Fprintln(w, "  --\t----\t-------")
		for _, f := range farms {
			fmt.Fprintf(w, "  %d\t%s\t%s\n", f.ID, truncate(f.Name, 32), f.CreatedAt.Local().Format("Jan 02 15:04"))
		}
		return w.Flush()

	case "create":
		_, flags, err := parseArgs(args, "name")
		if err != nil {
			return err
		}
		var f farm
		if _, err := c.do(ctx, http.MethodPost, "/api/farms", map[string]string{"name": flags["name"]}, &f); err != nil {
			return err
		}
		color.Green("  ✓ Created farm %d (%s)\n", f.ID, f.Name)
		return nil

	case "delete":
		id, err := oneID(args, "farm")
		if err != nil {
			return err
		}
		if _, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/farms/%d", id), nil, nil); err != nil {
			return err
		}
		color.Green("  ✓ Deleted farm %d\n", id)
		return nil

	default:
		return fmt.Errorf("unknown farms subcommand: %s", sub)
	}
}

type agentInfo struct {
	ID       int64       `json:"id"`
	FarmID   int64       `json:"farm_id"`
	Name     string      `json:"name"`
	Online   bool        `json:"online"`
	LastSeen *time.Time  `json:"last_seen"`
	Miners   []minerInfo `json:"miners"`
	Token    string      `json:"token"`
}

func lastSeen(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("Jan 02 15:04:05")
}

func onlineLabel(online bool) string {
	if online {
		return color.GreenString("online")
	}
	return color.HiBlackString("offline")
}

func cmdAgents(ctx context.Context, c *apiClient, args []string) error {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		sub, args = args[0], args[1:]
	}

	switch sub {
	case "list":
		_, flags, err := parseArgs(args, "farm")
		if err != nil {
			return err
		}
		path := "/api/agents"
		if flags["farm"] != "" {
			path += "?farm_id=" + flags["farm"]
		}
		var agents []agentInfo
		if _, err := c.do(ctx, http.MethodGet, path, nil, &agents); err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("  No agents.")
			return nil
		}
		w := newTable()
		fmt.Fprintln(w, "  ID\tFARM\tNAME\tSTATUS\tLAST SEEN")
		fmt.Fprintln(w, "  --\t----\t----\t------\t---------")
		for _, a := range agents {
			fmt.Fprintf(w, "  %d\t%d\t%s\t%s\t%s\n", a.ID, a.FarmID, truncate(a.Name, 24), onlineLabel(a.Online), lastSeen(a.LastSeen))
		}
		return w.Flush()

	case "create":
		_, flags, err := parseArgs(args, "farm", "name")
		if err != nil {
			return err
		}
		farmID, err := parseID(flags["farm"], "farm")
		if err != nil {
			return err
		}
		var a agentInfo
		if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/farms/%d/agents", farmID),
			map[string]string{"name": flags["name"]}, &a); err != nil {
			return err
		}
		color.Green("  ✓ Created agent %d for farm %d\n", a.ID, a.FarmID)
		fmt.Println()
		color.Yellow("  Agent token (shown once):")
		fmt.Printf("  %s\n\n", a.Token)
		fmt.Println("  Run the agent with:")
		fmt.Printf("    AGENT_TOKEN=%s SERVER_URL=%s miner-agent\n", a.Token, c.baseURL)
		return nil

	case "show":
		id, err := oneID(args, "agent")
		if err != nil {
			return err
		}
		var a agentInfo
		if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/agents/%d", id), nil, &a); err != nil {
			return err
		}
		cyan := color.New(color.FgCyan)
		cyan.Printf("  Agent %d\n", a.ID)
		fmt.Printf("  Farm:      %d\n", a.FarmID)
		fmt.Printf("  Name:      %s\n", a.Name)
		fmt.Printf("  Status:    %s\n", onlineLabel(a.Online))
		fmt.Printf("  Last seen: %s\n\n", lastSeen(a.LastSeen))
		return printMiners(a.Miners)

	default:
		return fmt.Errorf("unknown agents subcommand: %s", sub)
	}
}

type minerInfo struct {
	ID          int64  `json:"id"`
	AgentID     int64  `json:"agent_id"`
	MAC         string `json:"mac"`
	IP          string `json:"ip"`
	Model       string `json:"model"`
	Worker1     string `json:"worker1"`
	Worker2     string `json:"worker2"`
	Worker3     string `json:"worker3"`
	HasPassword bool   `json:"has_password"`
	WebUIURL    string `json:"web_ui_url"`
}

func printMiners(miners []minerInfo) error {
	if len(miners) == 0 {
		fmt.Println("  No miners.")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "  ID\tAGENT\tMAC\tIP\tMODEL\tWORKER1\tPASSWORD")
	fmt.Fprintln(w, "  --\t-----\t---\t--\t-----\t-------\t--------")
	for _, m := range miners {
		pw := "default"
		if m.HasPassword {
			pw = "set"
		}
		fmt.Fprintf(w, "  %d\t%d\t%s\t%s\t%s\t%s\t%s\n", m.ID, m.AgentID, m.MAC, m.IP, truncate(m.Model, 16), truncate(m.Worker1, 24), pw)
	}
	return w.Flush()
}

func cmdMiners(ctx context.Context, c *apiClient, args []string) error {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		sub, args = args[0], args[1:]
	}

	switch sub {
	case "list":
		_, flags, err := parseArgs(args, "farm", "agent")
		if err != nil {
			return err
		}
		q := []string{}
		if flags["farm"] != "" {
			q = append(q, "farm_id="+flags["farm"])
		}
		if flags["agent"] != "" {
			q = append(q, "agent_id="+flags["agent"])
		}
		path := "/api/miners"
		if len(q) > 0 {
			path += "?" + strings.Join(q, "&")
		}
		var miners []minerInfo
		if _, err := c.do(ctx, http.MethodGet, path, nil, &miners); err != nil {
			return err
		}
		return printMiners(miners)

	case "show":
		id, err := oneID(args, "miner")
		if err != nil {
			return err
		}
		var m minerInfo
		if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/miners/%d", id), nil, &m); err != nil {
			return err
		}
		cyan := color.New(color.FgCyan)
		cyan.Printf("  Miner %d\n", m.ID)
		fmt.Printf("  Agent:    %d\n", m.AgentID)
		fmt.Printf("  MAC:      %s\n", m.MAC)
		fmt.Printf("  IP:       %s\n", m.IP)
		fmt.Printf("  Model:    %s\n", m.Model)
		fmt.Printf("  Workers:  %s, %s, %s\n", m.Worker1, m.Worker2, m.Worker3)
		fmt.Printf("  Password: %t\n", m.HasPassword)
		if m.WebUIURL != "" {
			fmt.Printf("  Web UI:   %s\n", m.WebUIURL)
		}
		return nil

	case "set":
		positional, flags, err := parseArgs(args, "worker1", "worker2", "worker3", "password")
		if err != nil {
			return err
		}
		id, err := oneID(positional, "miner")
		if err != nil {
			return err
		}
		if len(flags) == 0 {
			return errors.New("nothing to update")
		}
		var m minerInfo
		if _, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/miners/%d", id), flags, &m); err != nil {
			return err
		}
		color.Green("  ✓ Updated miner %d\n", m.ID)
		return nil

	default:
		return fmt.Errorf("unknown miners subcommand: %s", sub)
	}
}

type dispatchResult struct {
	Status     string      `json:"status"`
	CommandID  int64       `json:"command_id"`
	Message    string      `json:"message"`
	Discovered []minerInfo `json:"discovered"`
}

func printDispatch(r *dispatchResult) {
	color.Green("  ✓ Command %d %s\n", r.CommandID, r.Status)
	if r.Message != "" {
		fmt.Printf("  %s\n", r.Message)
	}
}

func cmdScan(ctx context.Context, c *apiClient, args []string) error {
	id, err := oneID(args, "agent")
	if err != nil {
		return err
	}
	fmt.Println("  Scanning, this can take up to two minutes...")
	var r dispatchResult
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/agents/%d/scan", id), nil, &r); err != nil {
		return err
	}
	printDispatch(&r)
	if r.Status == "completed" {
		fmt.Println()
		return printMiners(r.Discovered)
	}
	return nil
}

func cmdMinerAction(ctx context.Context, c *apiClient, action string, args []string) error {
	id, err := oneID(args, "miner")
	if err != nil {
		return err
	}
	var r dispatchResult
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/miners/%d/%s", id, action), nil, &r); err != nil {
		return err
	}
	printDispatch(&r)
	fmt.Printf("  Check progress with: miner-admin command %d\n", r.CommandID)
	return nil
}

func cmdCommand(ctx context.Context, c *apiClient, args []string) error {
	id, err := oneID(args, "command")
	if err != nil {
		return err
	}
	var cmd struct {
		ID        int64           `json:"id"`
		AgentID   int64           `json:"agent_id"`
		MinerID   *int64          `json:"miner_id"`
		Type      string          `json:"type"`
		Status    string          `json:"status"`
		Result    json.RawMessage `json:"result"`
		CreatedAt time.Time       `json:"created_at"`
		UpdatedAt time.Time       `json:"updated_at"`
	}
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/commands/%d", id), nil, &cmd); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("  Command %d\n", cmd.ID)
	fmt.Printf("  Type:    %s\n", cmd.Type)
	fmt.Printf("  Agent:   %d\n", cmd.AgentID)
	if cmd.MinerID != nil {
		fmt.Printf("  Miner:   %d\n", *cmd.MinerID)
	}
	fmt.Printf("  Status:  %s\n", cmd.Status)
	fmt.Printf("  Created: %s\n", cmd.CreatedAt.Local().Format("Jan 02 15:04:05"))
	fmt.Printf("  Updated: %s\n", cmd.UpdatedAt.Local().Format("Jan 02 15:04:05"))
	if len(cmd.Result) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, cmd.Result, "  ", "  ") == nil {
			fmt.Printf("  Result:  %s\n", pretty.String())
		}
	}
	return nil
}
