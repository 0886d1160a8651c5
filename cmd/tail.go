package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/nexushq/relay/pkg/channel"
	"github.com/nexushq/relay/pkg/client"
	"github.com/nexushq/relay/pkg/config"
	"github.com/nexushq/relay/pkg/event"
	"github.com/nexushq/relay/pkg/toast"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Define styles using lipgloss
var (
	toastStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	toastTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	toastKindStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	toastMetaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("32")).
			Italic(true)
)

// TailCommand creates a CLI command that connects as a client and prints
// incoming events as toasts.
//
// Typical usage:
//
//	relay tail --tenant 1 --user 42
//	relay tail --tenant 1 --user 42 --json | jq -r .event
//
// By default it renders notifiable events as styled toast cards and reports
// connection state transitions on stderr. With --json it writes every raw
// envelope as NDJSON to stdout instead, including lifecycle frames when
// --all is set.
func TailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Connect as a client and print incoming events",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Relay server base URL",
				Value: "http://localhost:8320",
			},
			&cli.IntFlag{
				Name:     "tenant",
				Usage:    "Tenant id to connect as",
				Required: true,
			},
			&cli.IntFlag{
				Name:     "user",
				Usage:    "User id to connect as",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Session id (required for the push transport)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Write raw envelopes as NDJSON instead of rendering toasts",
				Value: false,
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "With --json, include lifecycle frames (connected, heartbeat)",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			opts := tailOptions{
				serverURL: c.String("server"),
				tenantID:  int64(c.Int("tenant")),
				userID:    int64(c.Int("user")),
				sessionID: c.String("session"),
				jsonOut:   c.Bool("json"),
				all:       c.Bool("all"),
			}
			return tailEvents(ctx, cfg, opts)
		},
	}
}

type tailOptions struct {
	serverURL string
	tenantID  int64
	userID    int64
	sessionID string
	jsonOut   bool
	all       bool
}

func tailEvents(ctx context.Context, cfg *config.Config, opts tailOptions) error {
	queue := toast.NewQueue(cfg.Toast.MaxVisible, cfg.Toast.TTL.Duration)
	defer queue.Close()

	enc := json.NewEncoder(os.Stdout)
	titler := cases.Title(language.English)

	clientCfg := client.Config{
		Transport:   cfg.Transport,
		ServerURL:   opts.serverURL,
		Identity:    channel.Identity{TenantID: opts.tenantID, UserID: opts.userID},
		SessionID:   opts.sessionID,
		BackoffBase: cfg.Reconnect.BaseDelay.Duration,
		BackoffMax:  cfg.Reconnect.MaxDelay.Duration,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Liveness:    2 * cfg.HeartbeatInterval.Duration,
		OnEvent: func(env event.Envelope) {
			if opts.jsonOut {
				_ = enc.Encode(env)
				return
			}
			t, ok := toast.FromEnvelope(env)
			if !ok {
				return
			}
			queue.Push(t)
			fmt.Println(renderToast(t, titler))
		},
		OnState: func(s client.ConnState) {
			if opts.jsonOut {
				if opts.all {
					_ = enc.Encode(map[string]string{"event": "state", "state": s.String()})
				}
				return
			}
			fmt.Fprintln(os.Stderr, stateStyle.Render("connection: "+s.String()))
		},
	}
	if cfg.Broker != nil {
		clientCfg.BrokerURL = cfg.Broker.URL
	}

	m, err := client.New(clientCfg)
	if err != nil {
		return fmt.Errorf("creating connection manager: %w", err)
	}
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("starting connection manager: %w", err)
	}
	defer m.Stop()

	<-ctx.Done()
	return nil
}

// renderToast draws one toast card: kind tag, title, body and link.
func renderToast(t toast.Toast, titler cases.Caser) string {
	kind := titler.String(strings.ReplaceAll(strings.TrimPrefix(t.Kind, "federation."), "-", " "))

	var b strings.Builder
	b.WriteString(toastKindStyle.Render(kind))
	b.WriteString("\n")
	b.WriteString(toastTitleStyle.Render(t.Title))
	if t.Body != "" {
		b.WriteString("\n")
		b.WriteString(t.Body)
	}
	if t.Link != "" {
		b.WriteString("\n")
		b.WriteString(toastMetaStyle.Render(t.Link))
	}
	return toastStyle.Render(b.String())
}
