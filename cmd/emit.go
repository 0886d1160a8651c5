package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nexushq/relay/pkg/api"
	"github.com/nexushq/relay/pkg/event"
	"github.com/urfave/cli/v3"
)

// EmitCommand creates the emit command, an operator tool that publishes one
// event through a running server's emit endpoint.
func EmitCommand() *cli.Command {
	return &cli.Command{
		Name:  "emit",
		Usage: "Publish an event through a running relay server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Relay server base URL",
				Value: "http://localhost:8320",
			},
			&cli.IntFlag{
				Name:     "tenant",
				Usage:    "Recipient tenant id",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "user",
				Usage: "Recipient user id (omit with --broadcast)",
			},
			&cli.StringFlag{
				Name:     "event",
				Usage:    "Event kind, e.g. " + event.NewMessage,
				Required: true,
			},
			&cli.StringFlag{
				Name:  "payload",
				Usage: "Event payload as a JSON object",
				Value: "{}",
			},
			&cli.BoolFlag{
				Name:  "broadcast",
				Usage: "Deliver to the whole tenant instead of one user",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return emitEvent(ctx, emitOptions{
				serverURL: c.String("server"),
				tenantID:  int64(c.Int("tenant")),
				userID:    int64(c.Int("user")),
				eventName: c.String("event"),
				payload:   c.String("payload"),
				broadcast: c.Bool("broadcast"),
			})
		},
	}
}

type emitOptions struct {
	serverURL string
	tenantID  int64
	userID    int64
	eventName string
	payload   string
	broadcast bool
}

func emitEvent(ctx context.Context, opts emitOptions) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(opts.payload), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	body, err := json.Marshal(api.EmitRequest{
		TenantID:  opts.tenantID,
		UserID:    opts.userID,
		Event:     opts.eventName,
		Payload:   payload,
		Broadcast: opts.broadcast,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.serverURL+"/api/emit", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server rejected emit: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	fmt.Printf("Accepted %s for tenant %d\n", opts.eventName, opts.tenantID)
	return nil
}
