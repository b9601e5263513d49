// Command relayctl is a CLI client for the push relay: it plays the user agent
// (instance, cookie, registrations, polling) or an app server (send).
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

// ---- state store ----

type stateFile struct {
	Addr     string            `json:"addr,omitempty"`
	Instance string            `json:"instance,omitempty"`
	Cookie   string            `json:"cookie,omitempty"`
	Tokens   map[string]string `json:"tokens,omitempty"`
	Last     int64             `json:"last_message,omitempty"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "pushrelay")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pushrelay")
}

func statePath() string { return filepath.Join(cfgDir(), "state.json") }

func saveState(s stateFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(statePath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// loadState returns an empty state when none was saved yet.
func loadState() (stateFile, error) {
	var s stateFile
	b, err := os.ReadFile(statePath())
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("state %s: %w", statePath(), err)
	}
	return s, nil
}

func (s stateFile) requireCookie() error {
	if s.Instance == "" {
		return errors.New("no instance; run `relayctl instance` first")
	}
	if s.Cookie == "" {
		return errors.New("no cookie; run `relayctl cookie` first")
	}
	return nil
}

// ---- transport ----

func loadTLS(caPath string, insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // dev only
	}
	if caPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return &tls.Config{RootCAs: pool}, nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `relayctl CLI
Usage:
  relayctl -addr URL [-cacert file | -insecure] [-user U -pass P] <cmd> [args]

Commands:
  version
  instance                                   (creates and saves an instance id)
  cookie                                     (fetches and saves the instance cookie)
  register   -app <name>                     (prints and saves the token)
  lookup     -app <name>
  unregister -app <name>
  poll       [-last <id>] [-follow]
  send       -token <token> (-data <json> | -file <path|->) [-collapse <id>]
  drop                                       (deletes the instance)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the relay's HTTP API.
func main() {
	addr := flag.String("addr", "https://localhost:5000", "relay base URL")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	insecure := flag.Bool("insecure", false, "skip cert verify (dev)")
	user := flag.String("user", os.Getenv("PUSHRELAY_USER"), "basic auth user (or app name for send)")
	pass := flag.String("pass", os.Getenv("PUSHRELAY_PASS"), "basic auth password")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	if cmd == "version" {
		fmt.Printf("relayctl %s (%s)\n", version, buildDate)
		return
	}

	tlsConf, err := loadTLS(*caPath, *insecure)
	if err != nil {
		fail(err)
	}
	st, err := loadState()
	if err != nil {
		fail(err)
	}
	c := newClient(*addr, tlsConf, *user, *pass)
	c.cookie = st.Cookie

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runCommand(ctx, c, &st, cmd, args); err != nil {
		fail(err)
	}
}

func runCommand(ctx context.Context, c *client, st *stateFile, cmd string, args []string) error {
	short := func() (context.Context, context.CancelFunc) { return context.WithTimeout(ctx, 30*time.Second) }

	switch cmd {
	case "instance":
		ctx, cancel := short()
		defer cancel()
		id, err := c.CreateInstance(ctx)
		if err != nil {
			return err
		}
		*st = stateFile{Addr: c.base, Instance: id}
		fmt.Println(id)
		return saveState(*st)

	case "cookie":
		if st.Instance == "" {
			return errors.New("no instance; run `relayctl instance` first")
		}
		ctx, cancel := short()
		defer cancel()
		cookie, err := c.Cookie(ctx, st.Instance)
		if err != nil {
			return err
		}
		st.Cookie = cookie
		fmt.Println("cookie saved")
		return saveState(*st)

	case "register", "lookup", "unregister":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		app := fs.String("app", "", "application name")
		_ = fs.Parse(args)
		if *app == "" {
			return errors.New("need -app")
		}
		if err := st.requireCookie(); err != nil {
			return err
		}
		ctx, cancel := short()
		defer cancel()
		return registration(ctx, c, st, cmd, *app)

	case "poll":
		fs := flag.NewFlagSet("poll", flag.ExitOnError)
		last := fs.Int64("last", -1, "last seen message id (default: saved cursor)")
		follow := fs.Bool("follow", false, "keep polling")
		_ = fs.Parse(args)
		if err := st.requireCookie(); err != nil {
			return err
		}
		if *last >= 0 {
			st.Last = *last
		}
		return poll(ctx, c, st, *follow)

	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		token := fs.String("token", "", "registration token")
		data := fs.String("data", "", "message data (JSON)")
		file := fs.String("file", "", "read message data from file or - for stdin")
		collapse := fs.String("collapse", "", "collapse id")
		_ = fs.Parse(args)
		if *token == "" {
			return errors.New("need -token")
		}
		raw := []byte(*data)
		if *file != "" {
			b, err := readAll(*file)
			if err != nil {
				return err
			}
			raw = b
		}
		if len(raw) == 0 {
			return errors.New("need -data or -file")
		}
		var key *string
		if *collapse != "" {
			key = collapse
		}
		ctx, cancel := short()
		defer cancel()
		return c.Send(ctx, *token, key, raw)

	case "drop":
		if err := st.requireCookie(); err != nil {
			return err
		}
		ctx, cancel := short()
		defer cancel()
		if err := c.DropInstance(ctx, st.Instance); err != nil {
			return err
		}
		*st = stateFile{}
		return saveState(*st)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func registration(ctx context.Context, c *client, st *stateFile, cmd, app string) error {
	switch cmd {
	case "register":
		token, err := c.Register(ctx, st.Instance, app)
		if err != nil {
			return err
		}
		if st.Tokens == nil {
			st.Tokens = map[string]string{}
		}
		st.Tokens[app] = token
		printJSON(map[string]string{"app": app, "token": token})
		return saveState(*st)
	case "lookup":
		token, err := c.Lookup(ctx, st.Instance, app)
		if err != nil {
			return err
		}
		printJSON(map[string]string{"app": app, "token": token})
		return nil
	default:
		if err := c.Unregister(ctx, st.Instance, app); err != nil {
			return err
		}
		delete(st.Tokens, app)
		return saveState(*st)
	}
}

// poll prints messages as they arrive and advances the saved cursor.
func poll(ctx context.Context, c *client, st *stateFile, follow bool) error {
	for {
		msg, err := c.Next(ctx, st.Instance, st.Last)
		switch {
		case errors.Is(err, errGone):
			fmt.Fprintln(os.Stderr, "instance has no registrations left")
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}
		if msg != nil {
			printJSON(msg)
			st.Last = msg.ID
			if err := saveState(*st); err != nil {
				return err
			}
		}
		if !follow {
			return nil
		}
	}
}

// ---- helpers ----

func fail(err error) {
	var se *statusError
	if errors.As(err, &se) {
		fmt.Fprintf(os.Stderr, "http error: status=%d reason=%v\n", se.code, se.kind)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
