package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"melissi-go/internal/config"
	"melissi-go/internal/encryption"
	"melissi-go/internal/melissi"
)

// setupAnswers are the values `config init` asks for.
type setupAnswers struct {
	URL      string
	Username string
	Password string
	Owner    string
}

// collect fills the missing answers. On a terminal it shows a form;
// otherwise url and username must come from flags and the password is the
// first line of stdin.
func (s *setupAnswers) collect(in *os.File) error {
	if term.IsTerminal(int(in.Fd())) {
		return s.prompt()
	}

	if s.URL == "" || s.Username == "" {
		return errors.New("--url and --username are required when stdin is not a terminal")
	}
	password, err := readPasswordLine(in)
	if err != nil {
		return err
	}
	s.Password = password
	return s.validate()
}

func (s *setupAnswers) prompt() error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server URL").
				Placeholder("https://sync.example.com").
				Value(&s.URL).
				Validate(validateURL),
			huh.NewInput().
				Title("Username").
				Value(&s.Username).
				Validate(required("username")),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&s.Password).
				Validate(required("password")),
			huh.NewInput().
				Title("Display name").
				Description("Shown as the actor in notifications; blank uses the username.").
				Value(&s.Owner),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}
	return s.validate()
}

func (s *setupAnswers) validate() error {
	if err := validateURL(s.URL); err != nil {
		return err
	}
	if s.Username == "" {
		return errors.New("username required")
	}
	if s.Password == "" {
		return errors.New("password required")
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server URL must look like https://host[:port]")
	}
	return nil
}

func required(name string) func(string) error {
	return func(v string) error {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s required", name)
		}
		return nil
	}
}

func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// saveCredentials stores the account in the configured credential store.
func saveCredentials(cfg *config.Config, username, password string) error {
	store, err := encryption.NewCredentialStoreFromConfig(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("creating credential store: %w", err)
	}
	if err := store.Save(&melissi.Credentials{Username: username, Password: password}); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}
