package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves the operator keystore passphrase from an environment
// variable or by prompting on the terminal. The first result, success or
// failure, is cached.
type Source struct {
	envVar string
	prompt string

	lookup  func(string) (string, bool)
	isTerm  func() bool
	read    func() ([]byte, error)
	promptW io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource returns a source that checks envVar before prompting.
func NewSource(envVar string) *Source {
	return &Source{
		envVar:  strings.TrimSpace(envVar),
		prompt:  "Enter operator keystore passphrase: ",
		lookup:  os.LookupEnv,
		isTerm:  func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		read:    func() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) },
		promptW: os.Stderr,
	}
}

// Get returns the passphrase. A set environment variable wins, even when the
// terminal is interactive. Whitespace-only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if !s.isTerm() {
		if s.envVar != "" {
			return "", fmt.Errorf("operator keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("operator keystore passphrase required and no terminal available")
	}

	fmt.Fprint(s.promptW, s.prompt)
	raw, err := s.read()
	fmt.Fprintln(s.promptW)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("operator keystore passphrase cannot be empty")
	}
	return string(raw), nil
}
