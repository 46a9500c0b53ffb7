// ABOUTME: Admin CLI for parley-gateway project and meeting management
// ABOUTME: Uses the REST API with bearer authentication (operator JWT or API key)

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
)

const banner = `
                      _                            _           _
 _ __   __ _ _ __ ___| | ___ _   _        __ _  __| |_ __ ___ (_)_ __
| '_ \ / _' | '__/ __| |/ _ \ | | |_____ / _' |/ _' | '_ ' _ \| | '_ \
| |_) | (_| | |  \__ \ |  __/ |_| |_____| (_| | (_| | | | | | | | | | |
| .__/ \__,_|_|  |___/_|\___|\__, |      \__,_|\__,_|_| |_| |_|_|_| |_|
|_|                          |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Gateway base URL from environment; falls back to the default serve address
	baseURL := os.Getenv("PARLEY_GATEWAY_URL")
	if baseURL == "" {
		if host := os.Getenv("PARLEY_GATEWAY_HOST"); host != "" {
			baseURL = "http://" + host + ":8080"
		} else {
			baseURL = "http://localhost:8080"
		}
	}
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(baseURL, token)
	case "health":
		err = cmdHealth(baseURL)
	case "projects":
		err = cmdProjects(baseURL, token, args)
	case "keys":
		err = cmdKeys(baseURL, token, args)
	case "grants":
		err = cmdGrants(baseURL, token, args)
	case "protocols":
		err = cmdProtocols(baseURL, token, args)
	case "sessions":
		err = cmdSessions(baseURL, token)
	case "meetings":
		err = cmdMeetings(baseURL, token, args)
	case "decisions":
		err = cmdDecisions(baseURL, token)
	case "topics":
		err = cmdTopics(baseURL, token, args)
	case "audit":
		err = cmdAudit(baseURL, token, args)
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
	fmt.Println("Usage: parley-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                       Show gateway status and auth state")
	fmt.Println("  health                       Check gateway health")
	fmt.Println("  projects                     List all projects")
	fmt.Println("  projects create <id>         Create a new project")
	fmt.Println("  projects add-member          Add an agent to a project")
	fmt.Println("  keys issue                   Issue an API key for a project")
	fmt.Println("  keys revoke <id>             Revoke an API key")
	fmt.Println("  grants create                Grant cross-project messaging")
	fmt.Println("  protocols register           Register a protocol version")
	fmt.Println("  sessions                     List connected agent sessions")
	fmt.Println("  meetings list --project <id> List a project's meetings")
	fmt.Println("  meetings show <id>           Show a meeting and its transcript")
	fmt.Println("  meetings create              Create a meeting")
	fmt.Println("  meetings cancel <id>         Cancel a meeting")
	fmt.Println("  decisions                    List decisions")
	fmt.Println("  topics --project <id>        Show suggested discussion topics")
	fmt.Println("  audit                        Show the audit log")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  PARLEY_GATEWAY_URL       Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  PARLEY_TOKEN             Bearer token: operator JWT or pk_ API key")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export PARLEY_TOKEN=\"eyJhbG...\"")
	fmt.Println("  parley-admin projects create atlas")
	fmt.Println("  parley-admin keys issue --project atlas --caps chat,meetings")
	fmt.Println("  parley-admin meetings create --project atlas --topic 'pick a database' --participants a,b")
	fmt.Println()
}

// getToken returns the bearer token from PARLEY_TOKEN or the bootstrap token file
func getToken() string {
	// Check env var first
	if token := os.Getenv("PARLEY_TOKEN"); token != "" {
		return token
	}

	// Try to read from token file
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "parley", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// apiCall performs an authenticated request against the gateway and decodes
// the JSON response into out (when out is non-nil).
func apiCall(baseURL, token, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func cmdHealth(baseURL string) error {
	if err := apiCall(baseURL, "", http.MethodGet, "/health", nil, nil); err != nil {
		return err
	}
	fmt.Println("healthy")
	return nil
}

// cmdStatus shows gateway reachability and whether the token is accepted
func cmdStatus(baseURL, token string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	if err := apiCall(baseURL, "", http.MethodGet, "/health", nil, nil); err != nil {
		yellow.Printf("  Gateway:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}

	green.Printf("  Gateway:  ")
	fmt.Printf("connected to %s\n", baseURL)

	if token != "" {
		var sessions []sessionInfo
		if err := apiCall(baseURL, token, http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
			yellow.Printf("  Auth:     ")
			color.Red("rejected (%v)\n", err)
		} else {
			green.Printf("  Auth:     ")
			fmt.Println("accepted")
			green.Printf("  Sessions: ")
			fmt.Printf("%d connected\n", len(sessions))
		}
	} else {
		yellow.Printf("  Auth:     ")
		fmt.Println("(no token - set PARLEY_TOKEN)")
	}

	fmt.Println()
	return nil
}

type projectInfo struct {
	ID                string `json:"id"`
	Owner             string `json:"owner"`
	CrossProjectAllow bool   `json:"cross_project_allow"`
	CreatedAt         string `json:"created_at"`
}

// cmdProjects handles project subcommands
func cmdProjects(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("PARLEY_TOKEN environment variable is required")
	}

	// Default to list
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdProjectsList(baseURL, token)
	case "create", "add":
		return cmdProjectsCreate(baseURL, token, args)
	case "add-member":
		return cmdProjectsAddMember(baseURL, token, args)
	default:
		return fmt.Errorf("unknown projects subcommand: %s (use list, create, add-member)", subcmd)
	}
}

func cmdProjectsList(baseURL, token string) error {
	var projects []projectInfo
	if err := apiCall(baseURL, token, http.MethodGet, "/api/projects", nil, &projects); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Projects")
	cyan.Println("  --------")

	if len(projects) == 0 {
		fmt.Println("  (no projects)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tOWNER\tCROSS-PROJECT\tCREATED")
	fmt.Fprintln(w, "  --\t-----\t-------------\t-------")

	for _, p := range projects {
		created := p.CreatedAt
		if t, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
			created = t.Format("Jan 02 15:04")
		}
		cross := "no"
		if p.CrossProjectAllow {
			cross = "yes"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", truncate(p.ID, 24), truncate(p.Owner, 20), cross, created)
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdProjectsCreate(baseURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: projects create <project-id>")
	}

	var resp struct {
		ProjectID string `json:"project_id"`
		Owner     string `json:"owner"`
	}
	body := map[string]string{"project_id": args[0]}
	if err := apiCall(baseURL, token, http.MethodPost, "/api/projects", body, &resp); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Created project: %s\n", resp.ProjectID)
	fmt.Printf("  Owner: %s\n", resp.Owner)

	return nil
}

func cmdProjectsAddMember(baseURL, token string, args []string) error {
	var projectID, agentID string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project", "-p":
			if i+1 < len(args) {
				projectID = args[i+1]
				i++
			}
		case "--agent", "-a":
			if i+1 < len(args) {
				agentID = args[i+1]
				i++
			}
		}
	}

	if projectID == "" || agentID == "" {
		return fmt.Errorf("usage: projects add-member --project <id> --agent <identity>")
	}

	body := map[string]string{"agent_id": agentID}
	path := "/api/projects/" + url.PathEscape(projectID) + "/members"
	if err := apiCall(baseURL, token, http.MethodPost, path, body, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Added %s to project %s\n", agentID, projectID)

	return nil
}

// cmdKeys handles key subcommands
func cmdKeys(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("PARLEY_TOKEN environment variable is required")
	}

	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "issue", "create":
		return cmdKeysIssue(baseURL, token, args)
	case "revoke", "rm", "delete":
		return cmdKeysRevoke(baseURL, token, args)
	default:
		return fmt.Errorf("usage: keys issue --project <id> [--caps a,b] [--ttl <duration>] | keys revoke <key-id>")
	}
}

func cmdKeysIssue(baseURL, token string, args []string) error {
	var projectID, caps, ttl string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project", "-p":
			if i+1 < len(args) {
				projectID = args[i+1]
				i++
			}
		case "--caps", "-c":
			if i+1 < len(args) {
				caps = args[i+1]
				i++
			}
		case "--ttl", "-t":
			if i+1 < len(args) {
				ttl = args[i+1]
				i++
			}
		}
	}

	if projectID == "" {
		return fmt.Errorf("usage: keys issue --project <id> [--caps a,b] [--ttl <duration>]")
	}

	body := map[string]any{}
	if caps != "" {
		body["capabilities"] = strings.Split(caps, ",")
	}
	if ttl != "" {
		body["ttl"] = ttl
	}

	var resp struct {
		KeyID string `json:"key_id"`
		Key   string `json:"key"`
	}
	path := "/api/projects/" + url.PathEscape(projectID) + "/keys"
	if err := apiCall(baseURL, token, http.MethodPost, path, body, &resp); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	fmt.Println()
	green.Println("  Key issued successfully")
	fmt.Println()
	cyan.Println("  Key ID:   " + resp.KeyID)
	cyan.Println("  Project:  " + projectID)
	fmt.Println()
	fmt.Println("  Key (shown only once, keep it secret!):")
	fmt.Println()
	fmt.Println("  " + resp.Key)
	fmt.Println()

	return nil
}

func cmdKeysRevoke(baseURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: keys revoke <key-id>")
	}

	keyID := args[0]
	path := "/api/keys/" + url.PathEscape(keyID)
	if err := apiCall(baseURL, token, http.MethodDelete, path, nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Revoked key: %s\n", keyID)

	return nil
}

// cmdGrants handles grant subcommands
func cmdGrants(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("PARLEY_TOKEN environment variable is required")
	}

	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "create", "add":
		return cmdGrantsCreate(baseURL, token, args)
	default:
		return fmt.Errorf("usage: grants create --from <project> --to <project>")
	}
}

func cmdGrantsCreate(baseURL, token string, args []string) error {
	var from, to string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--from", "-f":
			if i+1 < len(args) {
				from = args[i+1]
				i++
			}
		case "--to", "-t":
			if i+1 < len(args) {
				to = args[i+1]
				i++
			}
		}
	}

	if from == "" || to == "" {
		return fmt.Errorf("usage: grants create --from <project> --to <project>")
	}

	body := map[string]string{"from_project": from, "to_project": to}
	if err := apiCall(baseURL, token, http.MethodPost, "/api/grants", body, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Granted: %s may message %s\n", from, to)

	return nil
}

// cmdProtocols handles protocol subcommands
func cmdProtocols(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("PARLEY_TOKEN environment variable is required")
	}

	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "register", "add":
		return cmdProtocolsRegister(baseURL, token, args)
	default:
		return fmt.Errorf("usage: protocols register --name <name> --version <n> --types a,b [--caps x,y]")
	}
}

func cmdProtocolsRegister(baseURL, token string, args []string) error {
	var name, types, caps string
	var version int64

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name", "-n":
			if i+1 < len(args) {
				name = args[i+1]
				i++
			}
		case "--version", "-v":
			if i+1 < len(args) {
				v, err := parseIntArg(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				version = v
				i++
			}
		case "--types", "-t":
			if i+1 < len(args) {
				types = args[i+1]
				i++
			}
		case "--caps", "-c":
			if i+1 < len(args) {
				caps = args[i+1]
				i++
			}
		}
	}

	if name == "" || version == 0 || types == "" {
		return fmt.Errorf("usage: protocols register --name <name> --version <n> --types a,b [--caps x,y]")
	}

	body := map[string]any{
		"name":                   name,
		"version":                version,
		"accepted_message_types": strings.Split(types, ","),
	}
	if caps != "" {
		body["capability_requirements"] = strings.Split(caps, ",")
	}

	if err := apiCall(baseURL, token, http.MethodPost, "/api/protocols", body, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Registered protocol: %s v%d\n", name, version)

	return nil
}

type sessionInfo struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Protocol  string `json:"protocol"`
}

func cmdSessions(baseURL, token string) error {
	if token == "" {
		return fmt.Errorf("PARLEY_TOKEN environment variable is required")
	}

	var sessions []sessionInfo
	if err := apiCall(baseURL, token, http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Agent Sessions")
	cyan.Println("  --------------")

	if len(sessions) == 0 {
		fmt.Println("  (no sessions connected)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tIDENTITY\tPROJECT\tSTATUS\tPROTOCOL")
	fmt.Fprintln(w, "  --\t--------\t-------\t------\t--------")

	for _, s := range sessions {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			truncate(s.ID, 12), truncate(s.Identity, 24), truncate(s.ProjectID, 20), s.Status, s.Protocol)
	}
	w.Flush()
	fmt.Println()

	return nil
}

type meetingInfo struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	Topic        string   `json:"topic"`
	Status       string   `json:"status"`
	Type         string   `json:"type"`
	Participants []string `json:"participants"`
	Round        int      `json:"round"`
	FailReason   string   `json:"fail_reason"`
	CreatedAt    string   `json:"created_at"`
}

type meetingMessageInfo struct {
	Sender   string `json:"sender"`
	Kind     string `json:"kind"`
	Content  string `json:"content"`
	Round    int    `json:"round"`
	Sequence int    `json:"sequence"`
}

// cmdMeetings handles meeting subcommands
func cmdMeetings(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("PARLEY_TOKEN environment variable is required")
	}

	// Default to list
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdMeetingsList(baseURL, token, args)
	case "show", "get":
		return cmdMeetingsShow(baseURL, token, args)
	case "create", "add":
		return cmdMeetingsCreate(baseURL, token, args)
	case "cancel":
		return cmdMeetingsCancel(baseURL, token, args)
	default:
		return fmt.Errorf("unknown meetings subcommand: %s (use list, show, create, cancel)", subcmd)
	}
}

func cmdMeetingsList(baseURL, token string, args []string) error {
	var projectID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project", "-p":
			if i+1 < len(args) {
				projectID = args[i+1]
				i++
			}
		}
	}
	if projectID == "" {
		return fmt.Errorf("usage: meetings list --project <id>")
	}

	var meetings []meetingInfo
	path := "/api/meetings?project_id=" + url.QueryEscape(projectID)
	if err := apiCall(baseURL, token, http.MethodGet, path, nil, &meetings); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Meetings")
	cyan.Println("  --------")

	if len(meetings) == 0 {
		fmt.Println("  (no meetings)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tPROJECT\tTOPIC\tSTATUS\tROUND\tPARTICIPANTS")
	fmt.Fprintln(w, "  --\t-------\t-----\t------\t-----\t------------")

	for _, m := range meetings {
		status := m.Status
		if m.FailReason != "" {
			status = status + " (" + m.FailReason + ")"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d\t%d\n",
			truncate(m.ID, 12), truncate(m.ProjectID, 16), truncate(m.Topic, 32), status, m.Round, len(m.Participants))
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdMeetingsShow(baseURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: meetings show <meeting-id>")
	}

	var detail struct {
		Meeting  meetingInfo          `json:"meeting"`
		Messages []meetingMessageInfo `json:"messages"`
	}
	path := "/api/meetings/" + url.PathEscape(args[0])
	if err := apiCall(baseURL, token, http.MethodGet, path, nil, &detail); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	m := detail.Meeting

	fmt.Println()
	cyan.Println("  Meeting")
	cyan.Println("  -------")
	fmt.Printf("  ID:           %s\n", m.ID)
	fmt.Printf("  Project:      %s\n", m.ProjectID)
	fmt.Printf("  Topic:        %s\n", m.Topic)
	fmt.Printf("  Status:       %s\n", m.Status)
	if m.FailReason != "" {
		fmt.Printf("  Fail Reason:  %s\n", m.FailReason)
	}
	fmt.Printf("  Type:         %s\n", m.Type)
	fmt.Printf("  Round:        %d\n", m.Round)
	fmt.Printf("  Participants: %s\n", strings.Join(m.Participants, ", "))
	fmt.Println()

	if len(detail.Messages) == 0 {
		fmt.Println("  (no messages)")
		fmt.Println()
		return nil
	}

	cyan.Println("  Transcript")
	cyan.Println("  ----------")
	for _, msg := range detail.Messages {
		gray := color.New(color.FgHiBlack)
		gray.Printf("  [r%d #%d] ", msg.Round, msg.Sequence)
		fmt.Printf("%s (%s): %s\n", msg.Sender, msg.Kind, msg.Content)
	}
	fmt.Println()

	return nil
}

func cmdMeetingsCreate(baseURL, token string, args []string) error {
	var projectID, topic, participants, options string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project", "-p":
			if i+1 < len(args) {
				projectID = args[i+1]
				i++
			}
		case "--topic", "-t":
			if i+1 < len(args) {
				topic = args[i+1]
				i++
			}
		case "--participants", "-a":
			if i+1 < len(args) {
				participants = args[i+1]
				i++
			}
		case "--options", "-o":
			if i+1 < len(args) {
				options = args[i+1]
				i++
			}
		}
	}

	if projectID == "" || topic == "" || participants == "" {
		return fmt.Errorf("usage: meetings create --project <id> --topic <text> --participants a,b [--options x,y]")
	}

	body := map[string]any{
		"project_id":   projectID,
		"topic":        topic,
		"participants": strings.Split(participants, ","),
	}
	if options != "" {
		body["options"] = strings.Split(options, ",")
	}

	var resp meetingInfo
	if err := apiCall(baseURL, token, http.MethodPost, "/api/meetings", body, &resp); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Created meeting: %s\n", resp.ID)
	fmt.Printf("  Topic:        %s\n", resp.Topic)
	fmt.Printf("  Participants: %s\n", strings.Join(resp.Participants, ", "))

	return nil
}

func cmdMeetingsCancel(baseURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: meetings cancel <meeting-id>")
	}

	meetingID := args[0]
	path := "/api/meetings/" + url.PathEscape(meetingID) + "/cancel"
	if err := apiCall(baseURL, token, http.MethodPost, path, nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Cancelled meeting: %s\n", meetingID)

	return nil
}

func cmdDecisions(baseURL, token string) error {
	if token == "" {
		return fmt.Errorf("PARLEY_TOKEN environment variable is required")
	}

	var decisions []struct {
		ID             string   `json:"id"`
		MeetingID      string   `json:"meeting_id"`
		Options        []string `json:"options"`
		Status         string   `json:"status"`
		SelectedOption string   `json:"selected_option"`
	}
	if err := apiCall(baseURL, token, http.MethodGet, "/api/decisions", nil, &decisions); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Decisions")
	cyan.Println("  ---------")

	if len(decisions) == 0 {
		fmt.Println("  (no decisions)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tMEETING\tSTATUS\tSELECTED\tOPTIONS")
	fmt.Fprintln(w, "  --\t-------\t------\t--------\t-------")

	for _, d := range decisions {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			truncate(d.ID, 12), truncate(d.MeetingID, 12), d.Status, d.SelectedOption, strings.Join(d.Options, ","))
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdTopics(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("PARLEY_TOKEN environment variable is required")
	}

	var projectID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project", "-p":
			if i+1 < len(args) {
				projectID = args[i+1]
				i++
			}
		}
	}
	if projectID == "" {
		return fmt.Errorf("usage: topics --project <id>")
	}

	var topics []struct {
		Topic        string   `json:"topic"`
		Score        float64  `json:"score"`
		MessageCount int      `json:"message_count"`
		Participants []string `json:"participants"`
		LastSeen     string   `json:"last_seen"`
	}
	path := "/api/topics?project_id=" + url.QueryEscape(projectID)
	if err := apiCall(baseURL, token, http.MethodGet, path, nil, &topics); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Suggested Topics")
	cyan.Println("  ----------------")

	if len(topics) == 0 {
		fmt.Println("  (no topics suggested)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TOPIC\tSCORE\tMESSAGES\tPARTICIPANTS")
	fmt.Fprintln(w, "  -----\t-----\t--------\t------------")

	for _, t := range topics {
		fmt.Fprintf(w, "  %s\t%.2f\t%d\t%s\n",
			truncate(t.Topic, 48), t.Score, t.MessageCount, strings.Join(t.Participants, ","))
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdAudit(baseURL, token string, args []string) error {
	if token == "" {
		return fmt.Errorf("PARLEY_TOKEN environment variable is required")
	}

	var actor, action, limit string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--actor":
			if i+1 < len(args) {
				actor = args[i+1]
				i++
			}
		case "--action":
			if i+1 < len(args) {
				action = args[i+1]
				i++
			}
		case "--limit", "-l":
			if i+1 < len(args) {
				limit = args[i+1]
				i++
			}
		}
	}

	q := url.Values{}
	if actor != "" {
		q.Set("actor", actor)
	}
	if action != "" {
		q.Set("action", action)
	}
	if limit != "" {
		q.Set("limit", limit)
	}
	path := "/api/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var entries []struct {
		Actor      string    `json:"Actor"`
		Action     string    `json:"Action"`
		TargetType string    `json:"TargetType"`
		TargetID   string    `json:"TargetID"`
		Outcome    string    `json:"Outcome"`
		Timestamp  time.Time `json:"Timestamp"`
	}
	if err := apiCall(baseURL, token, http.MethodGet, path, nil, &entries); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Audit Log")
	cyan.Println("  ---------")

	if len(entries) == 0 {
		fmt.Println("  (no entries)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tACTOR\tACTION\tTARGET\tOUTCOME")
	fmt.Fprintln(w, "  ----\t-----\t------\t------\t-------")

	for _, e := range entries {
		target := e.TargetType
		if e.TargetID != "" {
			target += "/" + truncate(e.TargetID, 16)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("Jan 02 15:04:05"), truncate(e.Actor, 20), e.Action, target, e.Outcome)
	}
	w.Flush()
	fmt.Println()

	return nil
}

// parseIntArg parses a string to int64
func parseIntArg(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
