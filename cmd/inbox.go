package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nexushq/relay/pkg/api"
	"github.com/urfave/cli/v3"
)

// InboxCommand creates the inbox command, which lists a user's stored
// notifications from a running server.
func InboxCommand() *cli.Command {
	return &cli.Command{
		Name:  "inbox",
		Usage: "List stored in-app notifications for a user",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Relay server base URL",
				Value: "http://localhost:8320",
			},
			&cli.IntFlag{
				Name:     "tenant",
				Usage:    "Tenant id",
				Required: true,
			},
			&cli.IntFlag{
				Name:     "user",
				Usage:    "User id",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of notifications to list",
				Value: 20,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return listInbox(ctx, c.String("server"), int64(c.Int("tenant")), int64(c.Int("user")), c.Int("limit"))
		},
	}
}

func listInbox(ctx context.Context, serverURL string, tenantID, userID int64, limit int) error {
	url := fmt.Sprintf("%s/api/inbox?limit=%d", serverURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(api.HeaderTenant, strconv.FormatInt(tenantID, 10))
	req.Header.Set(api.HeaderUser, strconv.FormatInt(userID, 10))

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("inbox request failed: %s: %s", resp.Status, msg)
	}

	var inboxResp api.InboxResponse
	if err := json.NewDecoder(resp.Body).Decode(&inboxResp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if inboxResp.Count == 0 {
		fmt.Println("No notifications")
		return nil
	}

	fmt.Printf("%d notifications (%d unread)\n\n", inboxResp.Count, inboxResp.Unread)
	for _, n := range inboxResp.Notifications {
		marker := " "
		if !n.Read {
			marker = "*"
		}
		fmt.Printf("%s %6d  %-32s  %s\n", marker, n.ID, n.Kind, n.Message)
		if n.Link != "" {
			fmt.Printf("          %s\n", n.Link)
		}
	}
	return nil
}
