// hash-secret prints a bcrypt digest of the access secret for use as
// TOKEN_HASH.
//
// The secret is read without echo from the terminal, or from the first
// line of stdin when stdin is not a terminal.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/fruitsalade/filegate/internal/auth"
)

func main() {
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost factor")
	flag.Parse()

	secret, err := readSecret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash-secret: %v\n", err)
		os.Exit(1)
	}
	if secret == "" {
		fmt.Fprintln(os.Stderr, "hash-secret: empty secret")
		os.Exit(1)
	}

	digest, err := auth.HashSecret(secret, *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash-secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(digest)
}

func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Secret: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	fmt.Fprint(os.Stderr, "Repeat: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("secrets do not match")
	}
	return string(first), nil
}
