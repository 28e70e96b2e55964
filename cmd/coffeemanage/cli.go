package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yulaomao/coffeeManage/pkg/client"
)

var (
	serverURL  string
	outputJSON bool
	apiRole    string
	apiActor   string
	apiToken   string
	useH2C     bool
)

func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "coffeeManage server URL")
		cmd.PersistentFlags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")
		cmd.PersistentFlags().StringVar(&apiRole, "role", "", "Role sent as X-Role when the server has no JWT secret")
		cmd.PersistentFlags().StringVar(&apiActor, "actor", "", "Actor name recorded in the audit log")
		cmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("COFFEE_TOKEN"), "Bearer token (default $COFFEE_TOKEN)")
		cmd.PersistentFlags().BoolVar(&useH2C, "h2c", false, "Use cleartext HTTP/2")
	}
}

func newClient() *client.Client {
	opts := []client.Option{
		client.WithRole(apiRole),
		client.WithActor(apiActor),
		client.WithToken(apiToken),
	}
	if useH2C {
		opts = append(opts, client.WithH2C())
	}
	return client.New(serverURL, opts...)
}

func cmdContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 60*time.Second)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, string(b))
}

// exitOnError prints API failures the way the server reported them.
func exitOnError(err error) {
	if err == nil {
		return
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", apiErr.Message)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}

// readPayload accepts inline JSON or @path.
func readPayload(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
