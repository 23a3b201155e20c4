// Command devauthority runs an in-memory backend authority for local
// development. Point the storefront's BACKEND_URL at it.
//
//	devauthority -addr :8000 -user shopper@example.com:hunter2 -user admin@example.com:secret:admin
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/DukeRupert/storefront/internal"
	"github.com/DukeRupert/storefront/internal/devauthority"
)

// Config holds the command-line configuration.
type Config struct {
	Addr          string
	Users         UserFlag
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RotateRefresh bool
	Quiet         bool
	Verbose       bool
}

// UserCredentials is one -user flag value.
type UserCredentials struct {
	Identifier string
	Secret     string
	Type       string
}

// UserFlag is a repeatable "identifier:secret[:type]" flag.
type UserFlag []UserCredentials

func (u *UserFlag) String() string {
	names := make([]string, 0, len(*u))
	for _, user := range *u {
		names = append(names, user.Identifier)
	}
	return strings.Join(names, ",")
}

func (u *UserFlag) Set(value string) error {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("user must be in format 'identifier:secret[:type]'")
	}
	user := UserCredentials{Identifier: parts[0], Secret: parts[1]}
	if len(parts) == 3 {
		user.Type = parts[2]
	}
	*u = append(*u, user)
	return nil
}

func parseFlags(args []string, stderr io.Writer) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("devauthority", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Addr, "addr", ":8000", "Listen address")
	fs.Var(&cfg.Users, "user", "User as identifier:secret[:type] (repeatable)")
	fs.DurationVar(&cfg.AccessTTL, "access-ttl", devauthority.DefaultAccessTTL, "Access token lifetime")
	fs.DurationVar(&cfg.RefreshTTL, "refresh-ttl", devauthority.DefaultRefreshTTL, "Refresh token lifetime")
	fs.BoolVar(&cfg.RotateRefresh, "rotate", true, "Issue a new refresh token on every refresh")
	fs.BoolVar(&cfg.Quiet, "q", false, "Only log errors")
	fs.BoolVar(&cfg.Verbose, "v", false, "Debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if len(cfg.Users) == 0 {
		cfg.Users = UserFlag{{Identifier: "shopper@example.com", Secret: "shopper"}}
	}
	return cfg, nil
}

func run(args []string, stdout, stderr io.Writer) error {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	level := "info"
	switch {
	case cfg.Quiet:
		level = "error"
	case cfg.Verbose:
		level = "debug"
	}
	logger := internal.NewLogger(stdout, "development", level)

	authority, err := devauthority.New(devauthority.Config{
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		RotateRefresh: cfg.RotateRefresh,
	}, logger)
	if err != nil {
		return err
	}

	for _, user := range cfg.Users {
		if err := authority.AddUser(user.Identifier, user.Secret, user.Type); err != nil {
			return fmt.Errorf("add user %q: %w", user.Identifier, err)
		}
		logger.Info("User registered", "identifier", user.Identifier)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           authority.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Dev authority started", "address", cfg.Addr, "rotate_refresh", cfg.RotateRefresh)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Shutting down")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}
