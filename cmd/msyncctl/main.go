package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/msync/internal/api"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := api.Dial(session.SocketPath(profile))
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", profile, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		ns := ""
		if len(args) > 1 {
			ns = args[1]
		}
		cmdWatch(c, ns, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli := &ctl{c: c, json: *jsonFlag}
	switch args[0] {
	case "status":
		cli.status(ctx)
	case "connect":
		cli.call(ctx, api.MethodConnect, nil)
	case "disconnect":
		cli.call(ctx, api.MethodDisconnect, nil)
	case "chats":
		cli.chats(ctx, args[1:])
	case "chat":
		need(args, 2, "chat <chat-id>")
		cli.call(ctx, api.MethodGetChat, map[string]int64{"chat_id": chatArg(args[1])})
	case "dm":
		need(args, 2, "dm <user-id>")
		cli.call(ctx, api.MethodCreateChat, map[string]int64{"user_id": chatArg(args[1])})
	case "group":
		need(args, 3, "group <title> <member-id>...")
		members := make([]int64, 0, len(args)-2)
		for _, a := range args[2:] {
			members = append(members, chatArg(a))
		}
		cli.call(ctx, api.MethodCreateChat, map[string]any{"title": args[1], "member_ids": members})
	case "open":
		need(args, 2, "open <chat-id>")
		cli.open(ctx, chatArg(args[1]), true)
	case "older":
		need(args, 2, "older <chat-id>")
		cli.open(ctx, chatArg(args[1]), false)
		cli.printView(ctx, api.MethodLoadOlder)
	case "send":
		need(args, 3, "send <chat-id> <text>")
		cli.open(ctx, chatArg(args[1]), false)
		cli.call(ctx, api.MethodSendText, map[string]string{"text": strings.Join(args[2:], " ")})
	case "sendfile":
		need(args, 3, "sendfile <chat-id> <path>")
		cli.open(ctx, chatArg(args[1]), false)
		cli.call(ctx, api.MethodSendFile, map[string]string{"path": args[2]})
	case "read":
		need(args, 3, "read <chat-id> <message-id>")
		cli.open(ctx, chatArg(args[1]), false)
		cli.call(ctx, api.MethodMarkRead, map[string]int64{"message_id": chatArg(args[2])})
	case "delete":
		need(args, 3, "delete <chat-id> <message-id>")
		cli.open(ctx, chatArg(args[1]), false)
		cli.call(ctx, api.MethodDeleteMessage, map[string]int64{"message_id": chatArg(args[2])})
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: msyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show connection status")
	fmt.Fprintln(os.Stderr, "  connect | disconnect       Control the realtime connection")
	fmt.Fprintln(os.Stderr, "  chats [--refresh] [query]  List chats, optionally filtered by title")
	fmt.Fprintln(os.Stderr, "  chat <chat>                Show one chat")
	fmt.Fprintln(os.Stderr, "  dm <user>                  Open a direct chat with a user")
	fmt.Fprintln(os.Stderr, "  group <title> <user>...    Create a group chat")
	fmt.Fprintln(os.Stderr, "  open <chat>                Open a chat and print its messages")
	fmt.Fprintln(os.Stderr, "  older <chat>               Load the previous page")
	fmt.Fprintln(os.Stderr, "  send <chat> <text>         Send a text message")
	fmt.Fprintln(os.Stderr, "  sendfile <chat> <path>     Upload a photo, video, audio or file")
	fmt.Fprintln(os.Stderr, "  read <chat> <message>      Mark a message read")
	fmt.Fprintln(os.Stderr, "  delete <chat> <message>    Delete a message")
	fmt.Fprintln(os.Stderr, "  watch [namespace]          Stream daemon events")
}

type ctl struct {
	c    *api.Client
	json bool
}

func (cl *ctl) call(ctx context.Context, method string, in any) {
	var out map[string]any
	if err := cl.c.Call(ctx, method, in, &out); err != nil {
		fatalf("%v", err)
	}
	if cl.json {
		outputJSON(out)
		return
	}
	if len(out) == 0 {
		fmt.Println("ok")
		return
	}
	for k, v := range out {
		fmt.Printf("%s: %v\n", k, v)
	}
}

func (cl *ctl) status(ctx context.Context) {
	st, err := cl.c.Status(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if cl.json {
		outputJSON(st)
		return
	}
	fmt.Printf("Profile: %s\n", st.Profile)
	fmt.Printf("Status:  %s\n", st.State)
	if st.Attempt > 0 {
		fmt.Printf("Attempt: %d\n", st.Attempt)
	}
	if st.LastError != "" {
		fmt.Printf("Error:   %s\n", st.LastError)
	}
	fmt.Printf("Uptime:  %s\n", time.Duration(st.UptimeMs)*time.Millisecond)
	fmt.Printf("Chats:   %d\n", st.ChatCount)
	if st.ChatsSyncedAt != nil {
		fmt.Printf("Synced:  %s\n", st.ChatsSyncedAt.Local().Format(time.DateTime))
	}
	if st.OpenChatID != 0 {
		fmt.Printf("Open:    %d\n", st.OpenChatID)
	}
	fmt.Printf("Outbox:  %d pending, %d failed\n", st.PendingSends, st.FailedSends)
}

func (cl *ctl) chats(ctx context.Context, args []string) {
	refresh := false
	var query []string
	for _, a := range args {
		if a == "--refresh" {
			refresh = true
			continue
		}
		query = append(query, a)
	}
	if err := cl.c.Call(ctx, api.MethodSetFilter, map[string]string{"query": strings.Join(query, " ")}, nil); err != nil {
		fatalf("%v", err)
	}
	list, err := cl.c.ListChats(ctx, refresh)
	if err != nil {
		fatalf("%v", err)
	}
	// The daemon applies the filter after its debounce; filter here too so
	// the output matches the query right away.
	chats := list.Chats
	if len(query) > 0 {
		chats = filterTitles(chats, strings.Join(query, " "))
	}
	if cl.json {
		outputJSON(chats)
		return
	}
	if len(chats) == 0 {
		fmt.Println("No chats.")
		return
	}
	for _, ch := range chats {
		unread := ""
		if ch.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", ch.UnreadCount)
		}
		preview := ""
		if ch.LastMessage != nil {
			preview = ch.LastMessage.Text
		}
		fmt.Printf("%-8d %-24s%s  %s\n", ch.ID, ch.Title, unread, preview)
	}
}

func filterTitles(chats []model.Chat, q string) []model.Chat {
	q = strings.ToLower(strings.TrimSpace(q))
	var out []model.Chat
	for _, ch := range chats {
		if strings.Contains(strings.ToLower(ch.Title), q) {
			out = append(out, ch)
		}
	}
	return out
}

// open makes chatID the daemon's open conversation unless it already is.
func (cl *ctl) open(ctx context.Context, chatID int64, show bool) {
	v, err := cl.c.Conversation(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if v.ChatID != chatID {
		if v, err = cl.c.OpenChat(ctx, chatID); err != nil {
			fatalf("%v", err)
		}
	}
	if !show {
		return
	}
	for v.Loading {
		select {
		case <-ctx.Done():
			fatalf("timed out loading chat %d", chatID)
		case <-time.After(100 * time.Millisecond):
		}
		if v, err = cl.c.Conversation(ctx); err != nil {
			fatalf("%v", err)
		}
	}
	cl.renderView(v)
}

func (cl *ctl) printView(ctx context.Context, method string) {
	var v api.View
	if err := cl.c.Call(ctx, method, nil, &v); err != nil {
		fatalf("%v", err)
	}
	cl.renderView(v)
}

func (cl *ctl) renderView(v api.View) {
	if cl.json {
		outputJSON(v)
		return
	}
	for _, m := range v.Messages {
		line := model.PreviewText(m.Type, m.Content)
		if m.FileURL != "" {
			line += " " + m.FileURL
		}
		fmt.Printf("%-12s %s  %d: %s\n", m.Key(), m.CreatedAt.Local().Format(time.DateTime), m.SenderID, line)
	}
	if len(v.Typing) > 0 {
		fmt.Printf("%s typing...\n", strings.Join(v.Typing, ", "))
	}
	if v.LastError != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", v.LastError)
	}
}

func cmdWatch(c *api.Client, namespace string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.Watch(ctx, namespace, func(env api.Envelope) error {
		if jsonOut {
			outputJSON(env)
			return nil
		}
		fmt.Printf("%s %-28s %s\n", env.OccurredAt.Local().Format(time.TimeOnly), env.Kind, env.Payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: msyncctl %s", usage)
	}
}

func chatArg(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fatalf("invalid id %q", s)
	}
	return id
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
