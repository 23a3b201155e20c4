// Command relayctl calls the storefront backend directly through the client
// call interceptor, keeping the session in a local file.
//
// Usage:
//
//	relayctl [flags] login <identifier>     (secret from STOREFRONT_SECRET or stdin)
//	relayctl [flags] get <path>
//	relayctl [flags] send <method> <path> [json-body]
//	relayctl [flags] status
//	relayctl [flags] logout
//
// The session file holds both tokens in plain JSON (mode 0600). Anyone who
// can read it can act as the logged-in user until the refresh credential
// expires.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/DukeRupert/storefront/internal"
	"github.com/DukeRupert/storefront/internal/backend"
	"github.com/DukeRupert/storefront/internal/client"
	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/session"
)

// errUsage marks argument errors that should print usage.
var errUsage = errors.New("usage")

type options struct {
	backendURL  string
	sessionFile string
	timeout     time.Duration
	verbose     bool
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".storefront-session.json"
	}
	return filepath.Join(dir, "storefront", "session.json")
}

// getConfig returns the flag value, then the environment, then the fallback.
func getConfig(flagValue, envKey, fallback string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("relayctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	var backendFlag, sessionFlag string
	fs.StringVar(&backendFlag, "backend", "", "Backend URL (default: BACKEND_URL env or http://localhost:8000)")
	fs.StringVar(&sessionFlag, "session", "", "Session file (default: STOREFRONT_SESSION env or the user config dir)")
	fs.DurationVar(&opts.timeout, "timeout", backend.DefaultTimeout, "Per-call timeout")
	fs.BoolVar(&opts.verbose, "v", false, "Verbose logging to stderr")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: relayctl [flags] login|logout|status|get|send ...")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	opts.backendURL = getConfig(backendFlag, "BACKEND_URL", "http://localhost:8000")
	opts.sessionFile = getConfig(sessionFlag, "STOREFRONT_SESSION", defaultSessionFile())

	level := "error"
	if opts.verbose {
		level = "debug"
	}
	logger := internal.NewLogger(stderr, "development", level)

	authority, err := backend.New(backend.Config{
		BaseURL:    opts.backendURL,
		HTTPClient: &http.Client{Timeout: opts.timeout},
	}, logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(opts.sessionFile), 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	store := session.NewScriptReadableStore(session.NewFileKV(opts.sessionFile))

	c, err := client.New(client.Config{
		BaseURL:    authority.BaseURL(),
		HTTPClient: authority.HTTPClient(),
		Store:      store,
		OnSessionExpired: func(ctx context.Context) {
			fmt.Fprintln(stderr, "session expired; run 'relayctl login' again")
		},
	}, authority, logger)
	if err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errUsage
	}

	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "login":
		return login(ctx, c, cmdArgs, stdin, stdout)
	case "logout":
		if err := c.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "logged out")
		return nil
	case "status":
		return status(ctx, store, stdout)
	case "get":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("%w: get <path>", errUsage)
		}
		return call(ctx, c, http.MethodGet, cmdArgs[0], nil, stdout)
	case "send":
		if len(cmdArgs) < 2 || len(cmdArgs) > 3 {
			return fmt.Errorf("%w: send <method> <path> [json-body]", errUsage)
		}
		var body []byte
		if len(cmdArgs) == 3 {
			if !json.Valid([]byte(cmdArgs[2])) {
				return fmt.Errorf("body is not valid JSON")
			}
			body = []byte(cmdArgs[2])
		}
		return call(ctx, c, strings.ToUpper(cmdArgs[0]), cmdArgs[1], body, stdout)
	default:
		fs.Usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func login(ctx context.Context, c *client.Client, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: login <identifier>", errUsage)
	}

	secret := os.Getenv("STOREFRONT_SECRET")
	if secret == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read secret: %w", err)
		}
		secret = strings.TrimRight(line, "\r\n")
	}

	identity, err := c.Login(ctx, domain.Credentials{Identifier: args[0], Secret: secret})
	if err != nil {
		return err
	}
	return writeJSON(stdout, identity)
}

// status reports whether a session is stored, never the token values.
func status(ctx context.Context, store session.Store, stdout io.Writer) error {
	sess, err := store.Get(ctx)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]bool{
		"has_access":  sess.HasAccess(),
		"has_refresh": sess.HasRefresh(),
	})
}

func call(ctx context.Context, c *client.Client, method, path string, body []byte, stdout io.Writer) error {
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}

	resp, err := c.Do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(stdout, resp.Body); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend returned %s", resp.Status)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errorMessage prefers the user-facing message of a domain error and falls
// back to the full error text for everything else.
func errorMessage(err error) string {
	var domainErr *domain.Error
	if errors.As(err, &domainErr) && domainErr.Code != domain.EINTERNAL {
		return domainErr.Message
	}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		fields := make([]string, 0, len(validationErr.Fields))
		for _, msg := range validationErr.Fields {
			fields = append(fields, msg)
		}
		sort.Strings(fields)
		return strings.Join(fields, "; ")
	}
	return err.Error()
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "relayctl: %s\n", errorMessage(err))
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
