package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/islishude/sett/internal/progress"
)

// readPassphrase returns $SETT_PASSPHRASE, or asks on the terminal. Without
// a terminal the passphrase is empty, which opens unprotected keys only.
func readPassphrase(prompt string) ([]byte, error) {
	if v, ok := os.LookupEnv("SETT_PASSPHRASE"); ok {
		return []byte(v), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, nil
	}
	_, _ = fmt.Fprintf(os.Stderr, "%s: ", prompt)
	pw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return pw, nil
}

func promptTwoFactor(ctx context.Context, prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("server asks for a second factor (%s) but stdin is not a terminal", prompt)
	}
	_, _ = fmt.Fprintf(os.Stderr, "%s ", strings.TrimSpace(prompt))
	line := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		s, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			errc <- err
			return
		}
		line <- strings.TrimSpace(s)
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errc:
		return "", fmt.Errorf("reading second factor: %w", err)
	case s := <-line:
		return s, nil
	}
}

// progressPrinter draws a percentage on w when w is a terminal.
func progressPrinter(w *os.File) progress.Func {
	if !term.IsTerminal(int(w.Fd())) {
		return nil
	}
	last := -1
	return func(fraction float64) {
		pct := int(fraction * 100)
		if pct == last {
			return
		}
		last = pct
		end := ""
		if pct >= 100 {
			end = "\n"
		}
		_, _ = fmt.Fprintf(w, "\r%3d%%%s", pct, end)
	}
}
