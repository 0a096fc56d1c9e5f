// Command roomctl joins a collaboration room, optionally edits a text key
// and publishes presence, and prints what it sees.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"peerprep/collab/internal/awareness"
	"peerprep/collab/internal/binding"
	"peerprep/collab/internal/codec"
	"peerprep/collab/internal/document"
	"peerprep/collab/internal/models"
	"peerprep/collab/internal/session"
)

var errConnect = errors.New("could not connect to room")

type options struct {
	room     string
	endpoint string
	name     string
	key      string
	set      *string
	settle   time.Duration
	watch    time.Duration
	timeout  time.Duration
	dump     bool
	verbose  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "roomctl:", err)
		}
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("roomctl", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := &options{}
	fs.StringVarP(&opts.room, "room", "r", "", "room to join (required)")
	fs.StringVarP(&opts.endpoint, "endpoint", "e", os.Getenv("COLLAB_ENDPOINT"), "transport endpoint; empty works offline")
	fs.StringVarP(&opts.name, "name", "n", "", "display name to publish as presence")
	fs.StringVarP(&opts.key, "key", "k", "code", "text key to read or edit")
	set := fs.String("set", "", "replace the text with this value")
	fs.DurationVar(&opts.settle, "settle", 500*time.Millisecond, "how long to wait for peers' state after connecting")
	fs.DurationVarP(&opts.watch, "watch", "w", 0, "keep printing changes for this long")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "connection timeout")
	fs.BoolVar(&opts.dump, "dump-frame", false, "print the hello frame in CBOR diagnostic notation")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "log transport activity to stderr")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.room == "" {
		return nil, errors.New("--room is required")
	}
	if fs.Changed("set") {
		opts.set = set
	}
	return opts, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if opts.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}

	registry := document.NewRegistry(document.WithDefaultEndpoint(opts.endpoint), document.WithLogger(logger))
	defer registry.Reset()
	ctrl := session.New(registry, session.WithConnectTimeout(opts.timeout), session.WithLogger(logger))
	presence := awareness.NewTracker(awareness.WithLogger(logger))
	defer presence.Close()
	stopFollow := presence.Follow(ctrl)
	defer stopFollow()

	if err := connect(ctx, ctrl, opts.room); err != nil {
		return err
	}
	defer ctrl.LeaveRoom()
	doc := ctrl.Document()
	if doc.Online() {
		awaitState(ctx, doc, opts.settle)
	}

	handle, err := doc.Text(opts.key)
	if err != nil {
		return err
	}
	text := binding.NewText(handle, nil)
	defer text.Close()

	if opts.name != "" {
		presence.SetUser(models.Identity{ID: doc.ClientID(), Name: opts.name})
	}
	if opts.set != nil {
		if err := text.Update(*opts.set); err != nil {
			return fmt.Errorf("update %s: %w", opts.key, err)
		}
	}

	fmt.Fprintf(out, "room %s as %s (%s)\n", opts.room, doc.ClientID(), ctrl.Status())
	fmt.Fprintf(out, "%s: %q\n", opts.key, text.Value())
	printUsers(out, presence.Users())

	if opts.dump {
		if err := dumpHello(out, doc); err != nil {
			return err
		}
	}

	if opts.watch > 0 {
		watch(ctx, out, opts, handle, presence)
	}
	return nil
}

// connect joins room and waits until the session settles.
func connect(ctx context.Context, ctrl *session.Controller, room string) error {
	settled := make(chan models.ConnectionStatus, 1)
	cancel := ctrl.Subscribe(func(st session.State) {
		if st.Status == models.StatusConnected || st.Status == models.StatusDisconnected {
			select {
			case settled <- st.Status:
			default:
			}
		}
	})
	defer cancel()

	if err := ctrl.JoinRoom(room); err != nil {
		return err
	}
	status := ctrl.Status()
	if status != models.StatusConnected && status != models.StatusDisconnected {
		select {
		case status = <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if status != models.StatusConnected {
		return fmt.Errorf("%w %s", errConnect, room)
	}
	return nil
}

// awaitState waits for the first remote change or until d passes, so an
// existing room's content is visible before reading it.
func awaitState(ctx context.Context, doc *document.Document, d time.Duration) {
	got := make(chan struct{}, 1)
	cancel := doc.OnChange(func(c document.Change) {
		if c.Remote {
			select {
			case got <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-got:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func dumpHello(out io.Writer, doc *document.Document) error {
	raw, err := codec.Marshal(models.Frame{
		Type:    models.FrameHello,
		Room:    doc.Room(),
		From:    doc.ClientID(),
		Payload: doc.Save(),
	})
	if err != nil {
		return err
	}
	diag, err := codec.Diagnose(raw)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "hello frame (%d bytes): %s\n", len(raw), diag)
	return nil
}

func printUsers(out io.Writer, users []models.PresenceRecord) {
	if len(users) == 0 {
		fmt.Fprintln(out, "no one else here")
		return
	}
	for _, u := range users {
		parts := []string{u.ClientID}
		if u.Identity != nil && u.Identity.Name != "" {
			parts = append(parts, u.Identity.Name)
		}
		if u.Cursor != nil {
			parts = append(parts, fmt.Sprintf("cursor=%g,%g", u.Cursor.X, u.Cursor.Y))
		}
		if u.Selection != nil {
			parts = append(parts, fmt.Sprintf("selection=%d-%d", u.Selection.Start, u.Selection.End))
		}
		fmt.Fprintf(out, "peer %s\n", strings.Join(parts, " "))
	}
}

func watch(ctx context.Context, out io.Writer, opts *options, handle *document.Text, presence *awareness.Tracker) {
	events := make(chan func(), 64)
	push := func(fn func()) {
		select {
		case events <- fn:
		default:
		}
	}
	text := binding.NewText(handle, func(s string) {
		push(func() { fmt.Fprintf(out, "%s: %q\n", opts.key, s) })
	})
	defer text.Close()
	cancel := presence.Subscribe(func(users []models.PresenceRecord) {
		push(func() { printUsers(out, users) })
	})
	defer cancel()

	deadline := time.NewTimer(opts.watch)
	defer deadline.Stop()
	for {
		select {
		case fn := <-events:
			fn()
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}
