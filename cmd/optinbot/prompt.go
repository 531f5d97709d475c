package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// stdinPrompter reads a challenge code from the terminal. The read runs in
// its own goroutine so an expired prompt timeout is honored even while the
// operator is away from the keyboard.
type stdinPrompter struct{}

func (stdinPrompter) Prompt(ctx context.Context) (string, error) {
	type result struct {
		code string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		fmt.Fprint(os.Stderr, "Enter the 6-digit code: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		ch <- result{strings.TrimSpace(line), err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.code, r.err
	}
}
