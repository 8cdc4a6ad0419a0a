package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aioikid/voice-agent/pkg/client"
	"github.com/gorilla/websocket"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newClient(flags *GlobalFlags) *client.Client {
	return client.New(client.Config{
		BaseURL:  flags.APIUrl,
		Timeout:  flags.APITimeout,
		CACert:   flags.CACert,
		Insecure: flags.Insecure,
	})
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the worker status of a running supervisor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := newClient(globalFlags).Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			return printStatusTable(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func createRestartCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Terminate the worker and start a new one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient(globalFlags)
			res, err := c.Restart(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
}

func createHealthCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the supervisor health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := newClient(globalFlags).Health(cmd.Context())
			if err != nil {
				return err
			}
			running := "not running"
			if h.AgentRunning {
				running = "running"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (agent %s)\n", h.Status, running)
			if !h.AgentRunning {
				return fmt.Errorf("agent worker is not running")
			}
			return nil
		},
	}
}

func createHistoryCommand(globalFlags *GlobalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent worker lifecycle events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, err := newClient(globalFlags).History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(events) == 0 {
				_, _ = fmt.Fprintln(out, "No events recorded")
				return nil
			}
			table := tablewriter.NewWriter(out)
			table.Header("Time", "Event", "PID", "Error")
			for _, e := range events {
				table.Append(e.OccurredAt.Local().Format(time.RFC3339), e.Type, strconv.Itoa(e.PID), e.Error)
			}
			return table.Render()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	return cmd
}

type LogsFlags struct {
	Stream string
	Follow bool
}

func createLogsCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent worker output",
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch flags.Stream {
			case "", "stdout", "stderr":
			default:
				return fmt.Errorf("invalid --stream %q: want stdout or stderr", flags.Stream)
			}
			c := newClient(globalFlags)
			if flags.Follow {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				dialer := &websocket.Dialer{HandshakeTimeout: globalFlags.APITimeout, TLSClientConfig: c.TLSConfig()}
				return followLogs(ctx, dialer, cmd.OutOrStdout(), c.StreamURL(), flags.Stream)
			}
			logs, err := c.Logs(cmd.Context())
			if err != nil {
				return err
			}
			return printLogs(cmd.OutOrStdout(), logs, flags.Stream)
		},
	}
	cmd.Flags().StringVar(&flags.Stream, "stream", "", "only show stdout or stderr")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "stream new output until interrupted")
	return cmd
}

func printLogs(out io.Writer, logs client.Logs, stream string) error {
	if !logs.Running() {
		_, _ = fmt.Fprintln(out, logs.Message)
		return nil
	}
	if stream == "" || stream == "stdout" {
		_, _ = fmt.Fprintf(out, "==> stdout (pid %d) <==\n%s", logs.PID, logs.Stdout)
	}
	if stream == "" || stream == "stderr" {
		_, _ = fmt.Fprintf(out, "==> stderr (pid %d) <==\n%s", logs.PID, logs.Stderr)
	}
	return nil
}

type streamLine struct {
	Stream string `json:"stream"`
	PID    int    `json:"pid"`
	Text   string `json:"text"`
}

// followLogs prints lines from the websocket log stream until ctx is done or
// the server closes the connection.
func followLogs(ctx context.Context, dialer *websocket.Dialer, out io.Writer, url, stream string) error {
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect log stream: %w", err)
	}
	defer func() { _ = conn.Close() }()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	for {
		var l streamLine
		if err := conn.ReadJSON(&l); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read log stream: %w", err)
		}
		if stream != "" && l.Stream != stream {
			continue
		}
		_, _ = fmt.Fprintf(out, "[%s %d] %s\n", l.Stream, l.PID, l.Text)
	}
}

func printStatusTable(out io.Writer, st client.Status) error {
	dash := "-"
	pid, started, cpu, mem, lastErr := dash, dash, dash, dash, dash
	if st.PID != nil {
		pid = strconv.Itoa(*st.PID)
	}
	if t := st.LastStartedTime(); !t.IsZero() {
		started = t.Local().Format(time.RFC3339)
	}
	if st.CPUPercent != nil {
		cpu = fmt.Sprintf("%.1f%%", *st.CPUPercent)
	}
	if st.MemoryMB != nil {
		mem = fmt.Sprintf("%.1f MB", *st.MemoryMB)
	}
	if st.Error != nil {
		lastErr = *st.Error
	}
	table := tablewriter.NewWriter(out)
	table.Header("Running", "PID", "Started", "Restarts", "CPU", "Memory", "Error")
	table.Append(strconv.FormatBool(st.Running), pid, started, strconv.Itoa(st.Restarts), cpu, mem, lastErr)
	return table.Render()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
