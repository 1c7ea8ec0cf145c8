// Command apisession-testserver runs the in-memory mock API on a local port
// for trying the apisession command against. It prints a JSON contract with
// its base URL and seeded users to stdout, then serves until interrupted.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"git.sr.ht/~jakintosh/apisession/internal/mockapi"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("apisession.testserver")

// Config holds all command-line configuration
type Config struct {
	ListenAddr     string
	AccessLifetime time.Duration
	Users          []UserCredentials
	Quiet          bool
}

type UserCredentials struct {
	Name     string
	Email    string
	Password string
}

// OutputContract is the JSON structure emitted on stdout
type OutputContract struct {
	BaseURL        string       `json:"base_url"`
	AccessLifetime string       `json:"access_lifetime"`
	Users          []OutputUser `json:"users"`
}

type OutputUser struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserFlag is a custom flag type for repeatable --user flags
type UserFlag []UserCredentials

func (u *UserFlag) String() string {
	return fmt.Sprintf("%v", *u)
}

func (u *UserFlag) Set(value string) error {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("user must be in format 'name:email:password'")
	}
	*u = append(*u, UserCredentials{Name: parts[0], Email: parts[1], Password: parts[2]})
	return nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.Quiet {
		_ = loggo.ConfigureLoggers("<root>=ERROR")
	} else {
		_ = loggo.ConfigureLoggers("<root>=INFO")
	}

	server, err := mockapi.New(mockapi.Options{AccessLifetime: cfg.AccessLifetime})
	if err != nil {
		logger.Criticalf("failed to create mock api: %v", err)
		os.Exit(1)
	}

	users, err := seedUsers(server, cfg.Users)
	if err != nil {
		logger.Criticalf("failed to seed users: %v", err)
		os.Exit(1)
	}

	// Start HTTP server with ephemeral port
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Criticalf("failed to listen: %v", err)
		os.Exit(1)
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)
	contract := OutputContract{
		BaseURL:        fmt.Sprintf("http://%s:%d", addr.IP, addr.Port),
		AccessLifetime: cfg.AccessLifetime.String(),
		Users:          users,
	}
	if err := json.NewEncoder(os.Stdout).Encode(contract); err != nil {
		logger.Criticalf("failed to encode JSON contract: %v", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- http.Serve(listener, server.Router())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Criticalf("server error: %v", err)
		os.Exit(1)
	case sig := <-sigChan:
		logger.Infof("received signal %v, shutting down", sig)
	}
}

func parseFlags(args []string) (Config, error) {
	var cfg Config
	var users UserFlag

	f := gnuflag.NewFlagSet("apisession-testserver", gnuflag.ContinueOnError)
	f.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:0", "Listen address (default uses ephemeral port)")
	f.DurationVar(&cfg.AccessLifetime, "access-lifetime", mockapi.DefaultAccessLifetime, "Lifetime of issued access tokens")
	f.Var(&users, "user", "User in format 'name:email:password' (repeatable)")
	f.BoolVar(&cfg.Quiet, "quiet", false, "Suppress log output")

	if err := f.Parse(true, args); err != nil {
		return Config{}, err
	}

	if len(users) == 0 {
		cfg.Users = []UserCredentials{{Name: "Test", Email: "test@example.com", Password: "test"}}
	} else {
		cfg.Users = users
	}
	return cfg, nil
}

func seedUsers(server *mockapi.Server, users []UserCredentials) ([]OutputUser, error) {
	seeded := make([]OutputUser, 0, len(users))
	for _, u := range users {
		identity, err := server.Register(u.Name, u.Email, u.Password)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", u.Email, err)
		}
		seeded = append(seeded, OutputUser{
			ID:       identity.ID,
			Name:     identity.Name,
			Email:    identity.Email,
			Password: u.Password,
		})
	}
	return seeded, nil
}
