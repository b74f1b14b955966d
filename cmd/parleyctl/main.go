package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-chat/parley/internal/session"
	"github.com/parley-chat/parley/internal/state"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output raw JSON")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)
	c := newClient(socketPath)

	switch args[0] {
	case "status":
		c.get("/v1/status", *jsonFlag, printStatus)
	case "register":
		requireArgs(args, 4, "register <name> <username> <email>")
		c.post("/v1/auth/register", map[string]string{
			"name": args[1], "username": args[2], "email": args[3],
			"password": readSecret("password: "),
		}, *jsonFlag, nil)
	case "login":
		requireArgs(args, 2, "login <username>")
		c.post("/v1/auth/login", map[string]string{
			"username": args[1],
			"password": readSecret("password: "),
		}, *jsonFlag, printLogin)
	case "verify":
		requireArgs(args, 3, "verify <email> <code>")
		c.post("/v1/auth/verify-otp", map[string]string{"email": args[1], "code": args[2]}, *jsonFlag, nil)
	case "logout":
		c.post("/v1/auth/logout", nil, *jsonFlag, nil)
	case "conversations":
		c.get("/v1/conversations", *jsonFlag, printConversations)
	case "open":
		requireArgs(args, 2, "open <conversation-id>")
		c.post("/v1/conversations/"+args[1]+"/open", nil, *jsonFlag, printMessages)
	case "close":
		c.post("/v1/conversations/close", nil, *jsonFlag, nil)
	case "rm":
		requireArgs(args, 2, "rm <conversation-id>")
		c.delete("/v1/conversations/"+args[1], *jsonFlag)
	case "messages":
		requireArgs(args, 2, "messages <conversation-id>")
		c.get("/v1/conversations/"+args[1]+"/messages", *jsonFlag, printMessages)
	case "send":
		requireArgs(args, 4, "send <conversation-id> <recipient-id> <text...>")
		c.post("/v1/messages", map[string]string{
			"conversationId": args[1],
			"recipientId":    args[2],
			"text":           strings.Join(args[3:], " "),
		}, *jsonFlag, nil)
	case "edit":
		requireArgs(args, 3, "edit <message-id> <text...>")
		c.put("/v1/messages/"+args[1], map[string]string{
			"newText": strings.Join(args[2:], " "),
		}, *jsonFlag)
	case "search":
		requireArgs(args, 2, "search <query>")
		c.get("/v1/users/search?q="+args[1], *jsonFlag, printUsers)
	case "chat":
		requireArgs(args, 2, "chat <user-id>")
		c.post("/v1/chats", map[string]string{"id": args[1]}, *jsonFlag, nil)
	case "online":
		c.get("/v1/online", *jsonFlag, nil)
	case "call":
		requireArgs(args, 2, "call <user-id> [audio|video]")
		callType := "audio"
		if len(args) > 2 {
			callType = args[2]
		}
		c.post("/v1/call", map[string]string{"userId": args[1], "callType": callType}, *jsonFlag, nil)
	case "answer":
		c.post("/v1/call/accept", nil, *jsonFlag, nil)
	case "reject":
		c.post("/v1/call/reject", nil, *jsonFlag, nil)
	case "hangup":
		c.post("/v1/call/end", nil, *jsonFlag, nil)
	case "watch":
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		watch(socketPath, prefix)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: parleyctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                              Show daemon status")
	fmt.Fprintln(os.Stderr, "  register <name> <username> <email>  Create an account")
	fmt.Fprintln(os.Stderr, "  login <username>                    Sign in")
	fmt.Fprintln(os.Stderr, "  verify <email> <code>               Confirm the signup code")
	fmt.Fprintln(os.Stderr, "  logout                              Sign out")
	fmt.Fprintln(os.Stderr, "  conversations                       List conversations")
	fmt.Fprintln(os.Stderr, "  open <id>                           Open a conversation")
	fmt.Fprintln(os.Stderr, "  close                               Close the open conversation")
	fmt.Fprintln(os.Stderr, "  rm <id>                             Delete a conversation")
	fmt.Fprintln(os.Stderr, "  messages <id>                       Show the open conversation's messages")
	fmt.Fprintln(os.Stderr, "  send <conv-id> <user-id> <text...>  Send a message")
	fmt.Fprintln(os.Stderr, "  edit <message-id> <text...>         Edit a message")
	fmt.Fprintln(os.Stderr, "  search <query>                      Search users")
	fmt.Fprintln(os.Stderr, "  chat <user-id>                      Start a chat with a user")
	fmt.Fprintln(os.Stderr, "  online                              List online users")
	fmt.Fprintln(os.Stderr, "  call <user-id> [audio|video]        Ring a user")
	fmt.Fprintln(os.Stderr, "  answer | reject | hangup            Handle the active call")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                      Stream daemon events")
}

type client struct {
	http       *http.Client
	socketPath string
}

func newClient(socketPath string) *client {
	return &client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

type printer func(body []byte)

func (c *client) do(method, path string, body any, jsonOut bool, pr printer) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			fatal(err)
		}
	}
	req, err := http.NewRequest(method, "http://daemon"+path, &buf)
	if err != nil {
		fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		fatal(fmt.Errorf("cannot reach daemon at %s: %w", c.socketPath, err))
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		fatal(fmt.Errorf("%s", e.Error))
	}

	if jsonOut || pr == nil {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, data, "", "  "); err == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(data))
		}
		return
	}
	pr(data)
}

func (c *client) get(path string, jsonOut bool, pr printer)            { c.do(http.MethodGet, path, nil, jsonOut, pr) }
func (c *client) post(path string, body any, jsonOut bool, pr printer) { c.do(http.MethodPost, path, body, jsonOut, pr) }
func (c *client) put(path string, body any, jsonOut bool)              { c.do(http.MethodPut, path, body, jsonOut, nil) }
func (c *client) delete(path string, jsonOut bool)                     { c.do(http.MethodDelete, path, nil, jsonOut, nil) }

func printStatus(body []byte) {
	var st struct {
		Session          string      `json:"session"`
		Status           string      `json:"status"`
		Connected        bool        `json:"connected"`
		UptimeMs         int64       `json:"uptime_ms"`
		User             *state.User `json:"user"`
		OpenConversation string      `json:"open_conversation"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		fatal(err)
	}
	fmt.Printf("Session:   %s\n", st.Session)
	fmt.Printf("Status:    %s\n", st.Status)
	fmt.Printf("Connected: %v\n", st.Connected)
	fmt.Printf("Uptime:    %dms\n", st.UptimeMs)
	if st.User != nil {
		fmt.Printf("User:      %s (%s)\n", st.User.Username, st.User.ID)
	}
	if st.OpenConversation != "" {
		fmt.Printf("Open:      %s\n", st.OpenConversation)
	}
}

func printLogin(body []byte) {
	var resp struct {
		User   state.User `json:"user"`
		Status string     `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fatal(err)
	}
	fmt.Printf("signed in as %s (%s), status %s\n", resp.User.Username, resp.User.ID, resp.Status)
}

func printConversations(body []byte) {
	var resp struct {
		Conversations []state.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fatal(err)
	}
	for _, conv := range resp.Conversations {
		preview := ""
		if conv.LastMessage != nil {
			preview = conv.LastMessage.Text
			if len(preview) > 40 {
				preview = preview[:40] + "…"
			}
		}
		unread := ""
		if conv.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", conv.UnreadCount)
		}
		fmt.Printf("%s%s  %s\n", conv.ID, unread, preview)
	}
}

func printMessages(body []byte) {
	var resp struct {
		Messages []state.Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fatal(err)
	}
	for _, m := range resp.Messages {
		marker := ""
		if m.Status != "" && m.Status != state.StatusSent {
			marker = " [" + m.Status + "]"
		}
		fmt.Printf("%s %s: %s%s\n", m.CreatedAt.Format("15:04"), m.Sender, m.Text, marker)
	}
}

func printUsers(body []byte) {
	var resp struct {
		Users []state.User `json:"users"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fatal(err)
	}
	for _, u := range resp.Users {
		fmt.Printf("%s  %s  %s\n", u.ID, u.Username, u.Name)
	}
}

// watch streams the daemon's event feed until interrupted.
func watch(socketPath, prefix string) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	url := "ws://daemon/v1/events"
	if prefix != "" {
		url += "?prefix=" + prefix
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		fatal(fmt.Errorf("cannot reach daemon at %s: %w", socketPath, err))
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fmt.Println(string(data))
	}
}

func readSecret(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	var s string
	_, _ = fmt.Scanln(&s)
	return s
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: parleyctl %s\n", usage)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
