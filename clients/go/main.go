// backchannel CLI - command line client for a backchannel server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eldtechnologies/backchannel/clients/go/backchannel"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("BACKCHANNEL_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := backchannel.NewClient(baseURL)
	client.AdminToken = os.Getenv("BACKCHANNEL_TOKEN")
	cmd := os.Args[1]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: backchannel send <visitor_id> <message>")
			os.Exit(1)
		}
		resp, err := client.SendMessage(ctx, os.Args[2], strings.Join(os.Args[3:], " "), "cli")
		exitOnError(err)
		fmt.Printf("Sent: %s\n", resp.MessageID)

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: backchannel read <visitor_id>")
			os.Exit(1)
		}
		msgs, err := client.Messages(ctx, os.Args[2])
		exitOnError(err)
		for _, msg := range msgs {
			printMessage(msg)
		}

	case "tail":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: backchannel tail <visitor_id>")
			os.Exit(1)
		}
		tail(ctx, client.VisitorStream(os.Args[2], withStateLog()))

	case "admin-tail":
		tail(ctx, client.AdminStream(withStateLog()))

	case "threads":
		threads, err := client.Threads(ctx)
		exitOnError(err)
		for _, t := range threads {
			last := ""
			if t.LastMessage != nil {
				last = t.LastMessage.Text
				if len(last) > 40 {
					last = last[:40] + "..."
				}
			}
			fmt.Printf("  %s  %d msgs, %d unanswered  %s\n", t.VisitorID, t.MessageCount, t.UnreadFromVisitor, last)
		}

	case "reply":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: backchannel reply <visitor_id> <message>")
			os.Exit(1)
		}
		id, err := client.Reply(ctx, os.Args[2], strings.Join(os.Args[3:], " "))
		exitOnError(err)
		fmt.Printf("Replied: %s\n", id)

	case "delete":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: backchannel delete <visitor_id>")
			os.Exit(1)
		}
		exitOnError(client.DeleteThread(ctx, os.Args[2]))
		fmt.Println("Deleted")

	case "block", "unblock":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: backchannel %s <visitor_id>\n", cmd)
			os.Exit(1)
		}
		if cmd == "block" {
			exitOnError(client.Block(ctx, os.Args[2]))
		} else {
			exitOnError(client.Unblock(ctx, os.Args[2]))
		}
		fmt.Println("OK")

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// tail prints stream events until interrupted.
func tail(ctx context.Context, stream *backchannel.StreamClient) {
	stream.Start(ctx)
	defer stream.Close()

	for ev := range stream.Events() {
		var payload struct {
			Type      string                `json:"type"`
			VisitorID string                `json:"visitorId"`
			Message   *backchannel.Message  `json:"message"`
			Messages  []backchannel.Message `json:"messages"`
		}
		if err := ev.Decode(&payload); err != nil {
			fmt.Printf("[%s] %s\n", ev.Name, ev.Data)
			continue
		}

		switch {
		case payload.Type == "init":
			for _, msg := range payload.Messages {
				printMessage(msg)
			}
		case payload.Message != nil:
			if payload.VisitorID != "" {
				fmt.Printf("%s ", payload.VisitorID)
			}
			printMessage(*payload.Message)
		default:
			fmt.Printf("[%s] %s\n", ev.Name, ev.Data)
		}
	}
}

func withStateLog() backchannel.StreamOption {
	return backchannel.WithStateHook(func(s backchannel.State, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "-- %s: %v\n", s, err)
			return
		}
		fmt.Fprintf(os.Stderr, "-- %s\n", s)
	})
}

func printMessage(msg backchannel.Message) {
	ts := time.UnixMilli(msg.Timestamp).Format("2006-01-02 15:04:05")
	fmt.Printf("[%s] %s: %s\n", ts, msg.From, msg.Text)
}

func usage() {
	fmt.Println(`backchannel CLI - visitor messaging

Usage: backchannel <command> [options]

Commands:
  send <vid> <message>    Send a message as a visitor
  read <vid>              Print a visitor's thread
  tail <vid>              Follow a visitor's thread live
  admin-tail              Follow every thread live (operator)
  threads                 List threads (operator)
  reply <vid> <message>   Reply to a visitor (operator)
  delete <vid>            Delete a thread (operator)
  block <vid>             Block a visitor (operator)
  unblock <vid>           Unblock a visitor (operator)
  health                  Check server health

Environment:
  BACKCHANNEL_URL     Server URL (default: http://localhost:8080)
  BACKCHANNEL_TOKEN   Admin token for operator commands`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
