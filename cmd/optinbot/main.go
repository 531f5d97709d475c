package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const usage = `usage: optinbot <command> [flags]

commands:
  login       authenticate one account and store its session
  send        send one direct message
  batch-send  send messages from a recipients CSV across accounts
  record      save a step script under an alias
  play        replay a recorded script with variable bindings
  watch       reply to unread threads on a schedule
  rotate-key  re-encrypt stored sessions under a new key

run "optinbot <command> -h" for command flags
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = runLogin(ctx, args)
	case "send":
		err = runSend(ctx, args)
	case "batch-send":
		err = runBatchSend(ctx, args)
	case "record":
		err = runRecord(ctx, args)
	case "play":
		err = runPlay(ctx, args)
	case "watch":
		err = runWatch(ctx, args)
	case "rotate-key":
		err = runRotateKey(ctx, args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
