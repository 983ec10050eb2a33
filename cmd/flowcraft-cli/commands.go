package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	var adminToken, subject string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Issue an API token with the admin token and save it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if adminToken == "" {
				adminToken = os.Getenv("FLOWCRAFT_ADMIN_TOKEN")
			}
			client := NewClient(serverURL, adminToken, workspaceID)

			var resp struct {
				Token       string `json:"token"`
				WorkspaceID string `json:"workspace_id"`
				ExpiresIn   int    `json:"expires_in"`
			}
			err := client.Do(cmd.Context(), http.MethodPost, "/auth/token", nil, map[string]string{
				"workspace_id": workspaceID,
				"subject":      subject,
			}, &resp)
			if err != nil {
				return err
			}

			if err := saveConfig(Config{ServerURL: serverURL, Token: resp.Token, WorkspaceID: resp.WorkspaceID}); err != nil {
				return err
			}
			fmt.Printf("Logged in to workspace %s (token expires in %ds)\n", resp.WorkspaceID, resp.ExpiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&adminToken, "admin-token", "", "Server admin token (or FLOWCRAFT_ADMIN_TOKEN)")
	cmd.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	return cmd
}

func newFlowCmd() *cobra.Command {
	flowCmd := &cobra.Command{
		Use:     "flows",
		Aliases: []string{"flow"},
		Short:   "Flow management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			var flows []struct {
				ID        string `json:"id"`
				Name      string `json:"name"`
				UpdatedAt string `json:"updated_at"`
			}
			if err := newClient().Do(cmd.Context(), http.MethodGet, "/flows", nil, nil, &flows); err != nil {
				return err
			}
			if len(flows) == 0 {
				fmt.Println("No flows found")
				return nil
			}
			fmt.Printf("%-38s %-30s %s\n", "ID", "NAME", "UPDATED")
			for _, f := range flows {
				fmt.Printf("%-38s %-30s %s\n", f.ID, f.Name, f.UpdatedAt)
			}
			return nil
		},
	}

	var description string
	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create an empty flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var flow map[string]interface{}
			body := map[string]string{"name": args[0], "description": description}
			if err := newClient().Do(cmd.Context(), http.MethodPost, "/flows", nil, body, &flow); err != nil {
				return err
			}
			return printJSON(flow)
		},
	}
	createCmd.Flags().StringVar(&description, "description", "", "Flow description")

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Get a flow and its diagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			var flow, diagram map[string]interface{}
			if err := client.Do(cmd.Context(), http.MethodGet, "/flows/"+url.PathEscape(args[0]), nil, nil, &flow); err != nil {
				return err
			}
			if err := client.Do(cmd.Context(), http.MethodGet, "/flows/"+url.PathEscape(args[0])+"/diagram", nil, nil, &diagram); err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"flow": flow, "diagram": diagram})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Do(cmd.Context(), http.MethodDelete, "/flows/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
				return err
			}
			fmt.Printf("Flow %s deleted\n", args[0])
			return nil
		},
	}

	var importName string
	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import a flow from a JSON or YAML diagram file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			query := url.Values{}
			if importName != "" {
				query.Set("name", importName)
			}
			contentType := "application/json"
			switch strings.ToLower(filepath.Ext(args[0])) {
			case ".yaml", ".yml":
				contentType = "application/yaml"
			}

			var resp map[string]interface{}
			if err := newClient().DoRaw(cmd.Context(), http.MethodPost, "/flows/import", query, data, contentType, &resp); err != nil {
				return err
			}
			return printJSON(resp["flow"])
		},
	}
	importCmd.Flags().StringVar(&importName, "name", "", "Name for the imported flow")

	var exportFormat string
	exportCmd := &cobra.Command{
		Use:   "export [id]",
		Short: "Export a flow as JSON or YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if exportFormat != "" {
				query.Set("format", exportFormat)
			}
			var raw []byte
			if err := newClient().Do(cmd.Context(), http.MethodGet, "/flows/"+url.PathEscape(args[0])+"/export", query, nil, &raw); err != nil {
				return err
			}
			_, err := os.Stdout.Write(raw)
			return err
		},
	}
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Export format (json or yaml)")

	flowCmd.AddCommand(listCmd, createCmd, getCmd, deleteCmd, importCmd, exportCmd)
	return flowCmd
}

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:     "runs",
		Aliases: []string{"run"},
		Short:   "Run management",
	}

	var payload, errorMode string
	startCmd := &cobra.Command{
		Use:   "start [flow-id]",
		Short: "Run a flow manually and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"flow_id": args[0]}
			if payload != "" {
				var p interface{}
				if err := json.Unmarshal([]byte(payload), &p); err != nil {
					return fmt.Errorf("payload must be JSON: %w", err)
				}
				body["payload"] = p
			}
			if errorMode != "" {
				body["errorMode"] = errorMode
			}
			var result map[string]interface{}
			if err := newClient().Do(cmd.Context(), http.MethodPost, "/runs", nil, body, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	startCmd.Flags().StringVar(&payload, "payload", "", "JSON payload for the trigger node")
	startCmd.Flags().StringVar(&errorMode, "error-mode", "", "Error mode (halt or continue)")

	logsCmd := &cobra.Command{
		Use:   "logs [run-id]",
		Short: "Show a run and its node logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			if err := newClient().Do(cmd.Context(), http.MethodGet, "/runs/"+url.PathEscape(args[0])+"/logs", nil, nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	var status string
	var limit, offset int
	historyCmd := &cobra.Command{
		Use:   "history [flow-id]",
		Short: "List past runs of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"flow_id": {args[0]}}
			if status != "" {
				query.Set("status", status)
			}
			if limit > 0 {
				query.Set("limit", fmt.Sprint(limit))
			}
			if offset > 0 {
				query.Set("offset", fmt.Sprint(offset))
			}
			var resp struct {
				Runs []struct {
					ID         string `json:"id"`
					Status     string `json:"status"`
					StartedAt  string `json:"started_at"`
					DurationMs *int64 `json:"duration_ms"`
				} `json:"runs"`
				HasMore bool `json:"hasMore"`
			}
			if err := newClient().Do(cmd.Context(), http.MethodGet, "/runs/history", query, nil, &resp); err != nil {
				return err
			}
			fmt.Printf("%-38s %-10s %-30s %s\n", "ID", "STATUS", "STARTED", "DURATION")
			for _, r := range resp.Runs {
				duration := "-"
				if r.DurationMs != nil {
					duration = fmt.Sprintf("%dms", *r.DurationMs)
				}
				fmt.Printf("%-38s %-10s %-30s %s\n", r.ID, r.Status, r.StartedAt, duration)
			}
			if resp.HasMore {
				fmt.Println("(more runs available, use --offset)")
			}
			return nil
		},
	}
	historyCmd.Flags().StringVar(&status, "status", "", "Filter by status")
	historyCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	historyCmd.Flags().IntVar(&offset, "offset", 0, "Number of runs to skip")

	watchCmd := &cobra.Command{
		Use:   "watch [run-id]",
		Short: "Stream the events of a run until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchRun(cmd.Context(), newClient(), args[0], func(event string, data []byte) {
				fmt.Printf("%s %s\n", event, data)
			})
		},
	}

	runCmd.AddCommand(startCmd, logsCmd, historyCmd, watchCmd)
	return runCmd
}

// watchRun relays the server-sent events of a run until run.finished
func watchRun(ctx context.Context, client *Client, runID string, handle func(event string, data []byte)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := sse.NewClient(client.URL("/runs/stream", nil))
	for k, v := range client.Headers() {
		stream.Headers[k] = v
	}

	err := stream.SubscribeWithContext(ctx, runID, func(msg *sse.Event) {
		if len(msg.Event) == 0 {
			return
		}
		handle(string(msg.Event), msg.Data)
		if string(msg.Event) == "run.finished" {
			cancel()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream failed: %w", err)
	}
	return nil
}

func newCredentialCmd() *cobra.Command {
	credCmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"credential"},
		Short:   "Credential management",
	}

	var credType string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if credType != "" {
				query.Set("type", credType)
			}
			var creds []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				Type string `json:"type"`
			}
			if err := newClient().Do(cmd.Context(), http.MethodGet, "/credentials", query, nil, &creds); err != nil {
				return err
			}
			fmt.Printf("%-38s %-12s %s\n", "ID", "TYPE", "NAME")
			for _, c := range creds {
				fmt.Printf("%-38s %-12s %s\n", c.ID, c.Type, c.Name)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&credType, "type", "", "Filter by credential type")

	addCmd := &cobra.Command{
		Use:   "add [type] [name] [config-json]",
		Short: "Store a credential",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var config map[string]interface{}
			if err := json.Unmarshal([]byte(args[2]), &config); err != nil {
				return fmt.Errorf("config must be a JSON object: %w", err)
			}
			var cred map[string]interface{}
			body := map[string]interface{}{"type": args[0], "name": args[1], "config": config}
			if err := newClient().Do(cmd.Context(), http.MethodPost, "/credentials", nil, body, &cred); err != nil {
				return err
			}
			return printJSON(cred)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Do(cmd.Context(), http.MethodDelete, "/credentials/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
				return err
			}
			fmt.Printf("Credential %s deleted\n", args[0])
			return nil
		},
	}

	credCmd.AddCommand(listCmd, addCmd, deleteCmd)
	return credCmd
}

func newWebhookCmd() *cobra.Command {
	var method, body, hookToken string

	webhookCmd := &cobra.Command{
		Use:   "webhook",
		Short: "Webhook helpers",
	}

	cmd := &cobra.Command{
		Use:   "call [flow-id]",
		Short: "Call a flow's webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if hookToken != "" {
				query.Set("token", hookToken)
			}
			var raw []byte
			err := NewClient(serverURL, "", "").DoRaw(cmd.Context(), strings.ToUpper(method),
				"/hooks/"+url.PathEscape(args[0]), query, []byte(body), "application/json", &raw)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(append(raw, '\n'))
			return err
		},
	}
	cmd.Flags().StringVar(&method, "method", http.MethodPost, "HTTP method")
	cmd.Flags().StringVar(&body, "data", "{}", "Request body")
	cmd.Flags().StringVar(&hookToken, "hook-token", "", "Webhook token")

	webhookCmd.AddCommand(cmd)
	return webhookCmd
}
