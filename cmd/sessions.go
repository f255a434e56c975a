package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/drosthq/drost/internal/session"
	"github.com/drosthq/drost/internal/store"
)

func sessionsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions on a running gateway",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", os.Getenv("DROST_CONTROL_ADDR"), "control address (host:port)")

	client := func() (*controlClient, error) {
		setupLogging(true)
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		return newControlClient(cfg, addr), nil
	}

	cmd.AddCommand(sessionsListCmd(client))
	cmd.AddCommand(sessionsExportCmd(client))
	cmd.AddCommand(sessionsImportCmd(client))
	cmd.AddCommand(sessionsRenameCmd(client))
	cmd.AddCommand(sessionsDeleteCmd(client))
	return cmd
}

type clientFactory func() (*controlClient, error)

func sessionsListCmd(client clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var resp struct {
				Sessions []session.SessionInfo `json:"sessions"`
			}
			if err := c.get("/control/v1/sessions", &resp); err != nil {
				return err
			}
			if len(resp.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			printRow("SESSION", "PROVIDER", "MSGS", "LAST ACTIVITY", "TITLE")
			for _, info := range resp.Sessions {
				id := info.SessionID
				if info.TurnInProgress {
					id += " *"
				}
				printRow(id, info.ActiveProviderID,
					fmt.Sprintf("%d", info.HistoryCount),
					humanAge(info.LastActivityAt),
					runewidth.Truncate(info.Title, 40, "…"))
			}
			return nil
		},
	}
}

// printRow aligns columns by display width, so CJK titles line up too.
func printRow(cols ...string) {
	widths := []int{28, 14, 6, 14, 0}
	for i, col := range cols {
		if i == len(cols)-1 {
			fmt.Println(col)
			return
		}
		fmt.Print(runewidth.FillRight(col, widths[i]), " ")
	}
}

func humanAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func sessionsExportCmd(client clientFactory) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var resp struct {
				Record json.RawMessage `json:"record"`
			}
			path := "/control/v1/sessions/" + url.PathEscape(args[0]) + "/export"
			if err := c.post(path, map[string]interface{}{}, &resp); err != nil {
				return err
			}
			if out == "" {
				fmt.Println(string(resp.Record))
				return nil
			}
			if err := os.WriteFile(out, append(resp.Record, '\n'), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Printf("exported %s to %s\n", args[0], out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	return cmd
}

func sessionsImportCmd(client clientFactory) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a previously exported session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			var rec store.SessionRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			c, err := client()
			if err != nil {
				return err
			}
			body := map[string]interface{}{"record": &rec, "overwrite": overwrite}
			if err := c.post("/control/v1/sessions/import", body, nil); err != nil {
				return err
			}
			fmt.Printf("imported %s\n", rec.SessionID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing session with the same id")
	return cmd
}

func sessionsRenameCmd(client clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <from-id> <to-id>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			path := "/control/v1/sessions/" + url.PathEscape(args[0]) + "/rename"
			if err := c.post(path, map[string]string{"toId": args[1]}, nil); err != nil {
				return err
			}
			fmt.Printf("renamed %s to %s\n", args[0], args[1])
			return nil
		},
	}
}

func sessionsDeleteCmd(client clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.delete("/control/v1/sessions/"+url.PathEscape(args[0]), nil); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}
