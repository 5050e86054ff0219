package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/internal/client"
	"github.com/3leaps/ccplane/internal/observability"
	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/output"
)

var commandCmd = &cobra.Command{
	Use:     "cmd",
	Aliases: []string{"command"},
	Short:   "Send and track commands",
	Long: `Send commands to a zone's idle agents and track their status.

Examples:
  ccplane cmd send linux --script 'make test' --env GOFLAGS=-mod=mod --wait
  ccplane cmd status 3f0c...
  ccplane cmd list --zone linux --status running
  ccplane cmd cancel 3f0c...
  ccplane cmd log download 3f0c... > build.log`,
}

var commandSendCmd = &cobra.Command{
	Use:   "send <zone>",
	Short: "Submit a command",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommandSend,
}

var commandStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a command",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommandStatus,
}

var commandListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent commands",
	RunE:  runCommandList,
}

var commandCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or running command",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommandCancel,
}

var commandReportCmd = &cobra.Command{
	Use:   "report <id> <status>",
	Short: "Report a command's status as its agent",
	Args:  cobra.ExactArgs(2),
	RunE:  runCommandReport,
}

var commandLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Upload and download command logs",
}

var commandLogUploadCmd = &cobra.Command{
	Use:   "upload <id> <file>",
	Short: "Upload a command's log ('-' reads stdin)",
	Args:  cobra.ExactArgs(2),
	RunE:  runCommandLogUpload,
}

var commandLogDownloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Write a command's log to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommandLogDownload,
}

var (
	sendScript   string
	sendType     string
	sendEnv      []string
	sendWorkDir  string
	sendTimeout  time.Duration
	sendWait     bool
	pollInterval time.Duration

	listZone   string
	listStatus string

	reportExitCode int
	reportLogRef   string
)

func init() {
	rootCmd.AddCommand(commandCmd)
	commandCmd.AddCommand(commandSendCmd, commandStatusCmd, commandListCmd, commandCancelCmd, commandReportCmd, commandLogCmd)
	commandLogCmd.AddCommand(commandLogUploadCmd, commandLogDownloadCmd)

	commandSendCmd.Flags().StringVarP(&sendScript, "script", "s", "", "Script to run (required)")
	commandSendCmd.Flags().StringVar(&sendType, "type", "shell", "Payload type")
	commandSendCmd.Flags().StringArrayVarP(&sendEnv, "env", "e", nil, "Environment KEY=VALUE (repeatable)")
	commandSendCmd.Flags().StringVar(&sendWorkDir, "workdir", "", "Working directory on the agent")
	commandSendCmd.Flags().DurationVar(&sendTimeout, "timeout", 0, "Execution budget enforced by the agent")
	commandSendCmd.Flags().BoolVarP(&sendWait, "wait", "w", false, "Wait for a terminal status")
	commandSendCmd.Flags().DurationVar(&pollInterval, "poll", time.Second, "Poll interval with --wait")
	_ = commandSendCmd.MarkFlagRequired("script")

	commandListCmd.Flags().StringVar(&listZone, "zone", "", "Only commands in this zone")
	commandListCmd.Flags().StringVar(&listStatus, "status", "", "Only commands with this status")

	commandReportCmd.Flags().IntVar(&reportExitCode, "exit-code", -1, "Exit code (terminal reports)")
	commandReportCmd.Flags().StringVar(&reportLogRef, "log-ref", "", "Log reference from 'cmd log upload'")
}

// parseEnv parses KEY=VALUE pairs.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env %q (expected KEY=VALUE)", kv)
		}
		env[k] = v
	}
	return env, nil
}

func runCommandSend(cmd *cobra.Command, args []string) error {
	if err := requireWritable("cmd send"); err != nil {
		return err
	}
	env, err := parseEnv(sendEnv)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --env value", err)
	}
	if strings.TrimSpace(sendScript) == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --script value", fmt.Errorf("script is empty"))
	}
	payload := command.Payload{
		Type:    sendType,
		Script:  sendScript,
		Env:     env,
		WorkDir: sendWorkDir,
		Timeout: sendTimeout,
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	id, err := c.SendCommand(ctx, args[0], payload)
	if err != nil {
		return apiFailure("Failed to submit command", err)
	}
	observability.CLILogger.Info("Command submitted", zap.String("id", id), zap.String("zone", args[0]))

	var snap command.Command
	if sendWait {
		snap, err = waitCommand(ctx, c, id, pollInterval)
	} else {
		snap, err = c.GetCommand(ctx, id)
	}
	if err != nil {
		return apiFailure("Failed to read command", err)
	}
	if err := output.NewJSONLWriter(os.Stdout).WriteCommand(ctx, output.NewCommandRecord(snap)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	if sendWait && snap.Status != command.StatusSuccess {
		return exitError(foundry.ExitExternalServiceUnavailable, "Command did not succeed",
			fmt.Errorf("status=%s", snap.Status))
	}
	return nil
}

// waitCommand polls until the command is terminal.
func waitCommand(ctx context.Context, c *client.Client, id string, every time.Duration) (command.Command, error) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		snap, err := c.GetCommand(ctx, id)
		if err != nil {
			return command.Command{}, err
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runCommandStatus(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	snap, err := c.GetCommand(ctx, args[0])
	if err != nil {
		return apiFailure("Failed to read command", err)
	}
	return output.NewJSONLWriter(os.Stdout).WriteCommand(ctx, output.NewCommandRecord(snap))
}

func runCommandList(cmd *cobra.Command, _ []string) error {
	if listStatus != "" {
		if _, err := command.ParseStatus(listStatus); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
	}
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cmds, err := c.ListCommands(ctx, listZone, listStatus)
	if err != nil {
		return apiFailure("Failed to list commands", err)
	}
	w := output.NewJSONLWriter(os.Stdout)
	for _, snap := range cmds {
		if err := w.WriteCommand(ctx, output.NewCommandRecord(snap)); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}

func runCommandCancel(cmd *cobra.Command, args []string) error {
	if err := requireWritable("cmd cancel"); err != nil {
		return err
	}
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.CancelCommand(cmd.Context(), args[0]); err != nil {
		return apiFailure("Failed to cancel command", err)
	}
	observability.CLILogger.Info("Cancel requested", zap.String("id", args[0]))
	return nil
}

func runCommandReport(cmd *cobra.Command, args []string) error {
	if err := requireWritable("cmd report"); err != nil {
		return err
	}
	status, err := command.ParseStatus(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid status", err)
	}
	rep := command.Report{
		CommandID: args[0],
		Status:    status,
		LogRef:    reportLogRef,
		Timestamp: time.Now().UTC(),
	}
	if cmd.Flags().Changed("exit-code") {
		code := reportExitCode
		rep.ExitCode = &code
	}
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.ReportCommand(cmd.Context(), rep); err != nil {
		return apiFailure("Command report rejected", err)
	}
	return nil
}

func runCommandLogUpload(cmd *cobra.Command, args []string) error {
	if err := requireWritable("cmd log upload"); err != nil {
		return err
	}
	in := os.Stdin
	if args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to open log file", err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ref, err := c.UploadLog(cmd.Context(), args[0], in)
	if err != nil {
		return apiFailure("Failed to upload log", err)
	}
	_, _ = fmt.Fprintln(os.Stdout, ref)
	return nil
}

func runCommandLogDownload(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.DownloadLog(cmd.Context(), args[0], os.Stdout); err != nil {
		return apiFailure("Failed to download log", err)
	}
	return nil
}
