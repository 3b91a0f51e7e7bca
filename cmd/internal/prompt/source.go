package prompt

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// TokenSource lazily resolves an API bearer token from an environment variable
// or by prompting the operator. The first result, success or failure, is
// cached.
type TokenSource struct {
	envVar string
	label  string

	once  sync.Once
	value string
	err   error
}

// NewTokenSource constructs a source that checks envVar before prompting on
// the terminal. label is shown in the prompt and in errors.
func NewTokenSource(envVar, label string) *TokenSource {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "API token"
	}
	return &TokenSource{envVar: strings.TrimSpace(envVar), label: label}
}

// Get returns the cached token or resolves it on first use. Surrounding
// whitespace is trimmed and blank tokens are rejected.
func (s *TokenSource) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				value = strings.TrimSpace(value)
				if value == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively", s.label, s.envVar)
			} else {
				s.err = fmt.Errorf("%s required and no terminal available", s.label)
			}
			return
		}

		fmt.Fprintf(os.Stderr, "Enter %s: ", s.label)
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read %s: %w", s.label, err)
			return
		}

		token := strings.TrimSpace(string(bytes))
		if token == "" {
			s.err = errors.New(s.label + " cannot be empty")
			return
		}
		s.value = token
	})

	return s.value, s.err
}
