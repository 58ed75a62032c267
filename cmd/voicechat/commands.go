package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/llm"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
)

var version = "0.1.0-dev"

var (
	serverURL  string
	timeout    time.Duration
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "voicechat",
	Short:         "Control a local voice chat daemon",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Load the engines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return command(cmd, protocol.SubjectCmdEngineInit, nil)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Submit a typed message",
	Long: `Submit a typed message as the user's turn.

Examples:
  voicechat send "what is the weather like on mars"
  voicechat send hello there --follow`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		var sub *nats.Subscription
		client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()
		if follow {
			sub, err = client.Conn().SubscribeSync(protocol.SubjectDraft)
			if err != nil {
				return err
			}
		}
		text := strings.Join(args, " ")
		if err := request(cmd.Context(), client, cmd.OutOrStdout(), protocol.SubjectCmdTextSubmit, protocol.SubmitText{Text: text}); err != nil {
			return err
		}
		if follow {
			return followReply(cmd.Context(), client, sub, cmd.OutOrStdout())
		}
		return nil
	},
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Start or stop voice capture",
}

var recordStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start listening",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return command(cmd, protocol.SubjectCmdRecordStart, nil)
	},
}

var recordStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop listening and discard the utterance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return command(cmd, protocol.SubjectCmdRecordStop, nil)
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Cancel the reply being generated",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return command(cmd, protocol.SubjectCmdGenerationAbort, nil)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return command(cmd, protocol.SubjectCmdHistoryClear, nil)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		var reply protocol.HistoryReply
		if err := client.RequestJSON(ctx, protocol.SubjectCmdHistoryList, protocol.HistoryRequest{Limit: limit}, &reply); err != nil {
			return err
		}
		if !reply.OK {
			return replyError(reply.CommandReply)
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, reply.Messages)
		}
		for _, m := range reply.Messages {
			printMessage(out, m)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the pipeline status",
	Long: `Print the pipeline status.

With --watch, follow status, transcript, draft and message events until
interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		var reply protocol.StatusReply
		if err := client.RequestJSON(ctx, protocol.SubjectCmdStatus, nil, &reply); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printStatus(out, reply.Status)
		if !watch {
			return nil
		}
		return watchEvents(cmd.Context(), client, out)
	},
}

var validateEngineCmd = &cobra.Command{
	Use:   "validate-engine",
	Short: "Check a WASM engine manifest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("file")
		m, err := llm.LoadManifest(path)
		if err != nil {
			return err
		}
		if err := llm.ValidateManifest(m); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, err := os.Stat(m.Module); err != nil {
			return fmt.Errorf("%s: module: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "manifest valid: %s %s\n", m.Name, m.Version)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("LOQA_BUS_SERVERS", nats.DefaultURL), "bus server URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")

	sendCmd.Flags().BoolP("follow", "f", false, "stream the reply as it is generated")
	historyCmd.Flags().IntP("limit", "n", 0, "only the last n messages")
	statusCmd.Flags().BoolP("watch", "w", false, "follow events")
	validateEngineCmd.Flags().StringP("file", "f", llm.ManifestFile, "path to engine manifest")

	recordCmd.AddCommand(recordStartCmd, recordStopCmd)
	rootCmd.AddCommand(initCmd, sendCmd, recordCmd, abortCmd, clearCmd, historyCmd, statusCmd, validateEngineCmd)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func connect(ctx context.Context) (*bus.Client, error) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(ctx, config.BusConfig{
		Servers:        strings.Split(serverURL, ","),
		ConnectTimeout: int(timeout / time.Millisecond),
	}, log)
}

func command(cmd *cobra.Command, subject string, req any) error {
	ctx := cmd.Context()
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return request(ctx, client, cmd.OutOrStdout(), subject, req)
}

func request(ctx context.Context, client *bus.Client, out io.Writer, subject string, req any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var reply protocol.CommandReply
	if err := client.RequestJSON(ctx, subject, req, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return replyError(reply)
	}
	if jsonOutput {
		return printJSON(out, reply)
	}
	fmt.Fprintf(out, "ok (%s)\n", reply.State)
	return nil
}

func replyError(reply protocol.CommandReply) error {
	if reply.State != "" {
		return fmt.Errorf("%s: %s (state %s)", reply.Code, reply.Error, reply.State)
	}
	return fmt.Errorf("%s: %s", reply.Code, reply.Error)
}

// followReply prints draft tokens until the assistant message lands.
func followReply(ctx context.Context, client *bus.Client, drafts *nats.Subscription, out io.Writer) error {
	messages, err := client.Conn().SubscribeSync(protocol.SubjectMessage)
	if err != nil {
		return err
	}
	defer messages.Unsubscribe()
	defer drafts.Unsubscribe()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if msg, err := drafts.NextMsg(50 * time.Millisecond); err == nil {
			var d protocol.Draft
			if json.Unmarshal(msg.Data, &d) == nil {
				fmt.Fprint(out, d.Token)
			}
		} else if !errors.Is(err, nats.ErrTimeout) {
			return err
		}
		if msg, err := messages.NextMsg(time.Millisecond); err == nil {
			var m protocol.Message
			if json.Unmarshal(msg.Data, &m) == nil && m.Role == "assistant" && m.Status != "pending" {
				fmt.Fprintln(out)
				if m.Status == "error" {
					return fmt.Errorf("reply ended: %s", m.Content)
				}
				return nil
			}
		} else if !errors.Is(err, nats.ErrTimeout) {
			return err
		}
	}
}

func watchEvents(ctx context.Context, client *bus.Client, out io.Writer) error {
	events := make(chan *nats.Msg, 64)
	for _, subject := range []string{protocol.SubjectStatus, protocol.SubjectTranscript, protocol.SubjectDraft, protocol.SubjectMessage, protocol.SubjectEngineState} {
		sub, err := client.Conn().ChanSubscribe(subject, events)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-events:
			if jsonOutput {
				fmt.Fprintf(out, "%s %s\n", msg.Subject, msg.Data)
				continue
			}
			printEvent(out, msg)
		}
	}
}

func printEvent(out io.Writer, msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectStatus:
		var st protocol.Status
		if json.Unmarshal(msg.Data, &st) == nil {
			printStatus(out, st)
		}
	case protocol.SubjectTranscript:
		var tr protocol.Transcript
		if json.Unmarshal(msg.Data, &tr) == nil {
			fmt.Fprintf(out, "heard: %s\n", tr.Text)
		}
	case protocol.SubjectDraft:
		var d protocol.Draft
		if json.Unmarshal(msg.Data, &d) == nil {
			fmt.Fprintf(out, "draft: %s\n", d.Text)
		}
	case protocol.SubjectMessage:
		var m protocol.Message
		if json.Unmarshal(msg.Data, &m) == nil {
			printMessage(out, m)
		}
	case protocol.SubjectEngineState:
		var es protocol.EngineState
		if json.Unmarshal(msg.Data, &es) == nil {
			fmt.Fprintf(out, "engine %s: %s %s\n", es.Engine, es.State, es.Error)
		}
	}
}

func printStatus(out io.Writer, st protocol.Status) {
	if jsonOutput {
		_ = printJSON(out, st)
		return
	}
	line := fmt.Sprintf("state=%s status=%s messages=%d", st.State, st.Status, st.Messages)
	if st.Detail != "" {
		line += " detail=" + st.Detail
	}
	fmt.Fprintln(out, line)
}

func printMessage(out io.Writer, m protocol.Message) {
	marker := ""
	if m.Status != "committed" {
		marker = " [" + m.Status + "]"
	}
	fmt.Fprintf(out, "%s %-9s%s %s\n", m.Timestamp.Local().Format("15:04:05"), m.Role+":", marker, m.Content)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
