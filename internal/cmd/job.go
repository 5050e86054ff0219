package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/internal/client"
	"github.com/3leaps/ccplane/internal/observability"
	"github.com/3leaps/ccplane/pkg/flowdef"
	"github.com/3leaps/ccplane/pkg/job"
	"github.com/3leaps/ccplane/pkg/output"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Run and track multi-step jobs",
	Long: `Run flows (trees of FLOW, JOB and STEP nodes) as jobs. Steps run in
definition order.

Flow files are YAML or JSON and are validated locally before submission.

Examples:
  ccplane job validate -f flow.yaml
  ccplane job run -f flow.yaml --zone linux --env BRANCH=main --wait
  ccplane job status 9a41...
  ccplane job list --status running`,
}

var jobValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a flow file without running it",
	RunE:  runJobValidate,
}

var jobRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a flow",
	RunE:  runJobRun,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a job and its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobList,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

var (
	jobFile    string
	jobZone    string
	jobEnv     []string
	jobWait    bool
	jobPoll    time.Duration
	jobStatus  string
	jobFlow    string
	jobNoSteps bool
)

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobValidateCmd, jobRunCmd, jobStatusCmd, jobListCmd, jobCancelCmd)

	for _, c := range []*cobra.Command{jobValidateCmd, jobRunCmd} {
		c.Flags().StringVarP(&jobFile, "file", "f", "", "Flow file ('-' reads stdin, required)")
		_ = c.MarkFlagRequired("file")
	}
	jobRunCmd.Flags().StringVar(&jobZone, "zone", "", "Zone for steps that name none")
	jobRunCmd.Flags().StringArrayVarP(&jobEnv, "env", "e", nil, "Base environment KEY=VALUE (repeatable)")
	jobRunCmd.Flags().BoolVarP(&jobWait, "wait", "w", false, "Wait for the job to finish")
	jobRunCmd.Flags().DurationVar(&jobPoll, "poll", 2*time.Second, "Poll interval with --wait")

	jobStatusCmd.Flags().BoolVar(&jobNoSteps, "no-steps", false, "Omit step records")

	jobListCmd.Flags().StringVar(&jobStatus, "status", "", "Only jobs with this status")
	jobListCmd.Flags().StringVar(&jobFlow, "flow", "", "Only jobs of this flow")
}

func readFlowFile(path string) ([]byte, *job.Node, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileReadError, "Failed to read flow file", err)
	}
	flow, err := flowdef.LoadFromBytes(data, path)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid flow", err)
	}
	return data, flow, nil
}

func runJobValidate(cmd *cobra.Command, _ []string) error {
	_, flow, err := readFlowFile(jobFile)
	if err != nil {
		return err
	}
	observability.CLILogger.Info("Flow is valid",
		zap.String("flow", flow.Name),
		zap.Int("steps", countSteps(flow)))
	return nil
}

func countSteps(n *job.Node) int {
	if n == nil {
		return 0
	}
	if n.Kind == job.KindStep {
		return 1
	}
	total := 0
	for _, c := range n.Children {
		total += countSteps(c)
	}
	return total
}

func runJobRun(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("job run"); err != nil {
		return err
	}
	data, _, err := readFlowFile(jobFile)
	if err != nil {
		return err
	}
	env, err := parseEnv(jobEnv)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --env value", err)
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	j, err := c.RunJob(ctx, data, client.RunOptions{Zone: jobZone, Env: env})
	if err != nil {
		return apiFailure("Failed to start job", err)
	}
	observability.CLILogger.Info("Job started", zap.String("id", j.ID), zap.String("flow", j.Flow))

	if !jobWait {
		return writeJob(ctx, output.NewJSONLWriter(os.Stdout), j, false)
	}
	j, err = waitJob(ctx, c, j.ID, jobPoll)
	if err != nil {
		return apiFailure("Failed to follow job", err)
	}
	if err := writeJob(ctx, output.NewJSONLWriter(os.Stdout), j, true); err != nil {
		return err
	}
	if j.Status != job.StatusSuccess {
		return exitError(foundry.ExitExternalServiceUnavailable, "Job did not succeed",
			fmt.Errorf("status=%s failed_step=%s", j.Status, j.FailedStep))
	}
	return nil
}

func waitJob(ctx context.Context, c *client.Client, id string, every time.Duration) (job.Job, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		j, err := c.GetJob(ctx, id)
		if err != nil {
			return job.Job{}, err
		}
		if j.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

// writeJob emits the job record followed, optionally, by one record per step.
func writeJob(ctx context.Context, w output.Writer, j job.Job, steps bool) error {
	if err := w.WriteJob(ctx, output.NewJobRecord(j)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	if !steps {
		return nil
	}
	for _, st := range j.Steps {
		if err := w.WriteStep(ctx, j.ID, output.NewStepRecord(st)); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	j, err := c.GetJob(ctx, args[0])
	if err != nil {
		return apiFailure("Failed to read job", err)
	}
	return writeJob(ctx, output.NewJSONLWriter(os.Stdout), j, !jobNoSteps)
}

func runJobList(cmd *cobra.Command, _ []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	jobs, err := c.ListJobs(ctx, strings.ToUpper(strings.TrimSpace(jobStatus)), jobFlow)
	if err != nil {
		return apiFailure("Failed to list jobs", err)
	}
	w := output.NewJSONLWriter(os.Stdout)
	for _, j := range jobs {
		if err := writeJob(ctx, w, j, false); err != nil {
			return err
		}
	}
	return nil
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	if err := requireWritable("job cancel"); err != nil {
		return err
	}
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.CancelJob(cmd.Context(), args[0]); err != nil {
		return apiFailure("Failed to cancel job", err)
	}
	observability.CLILogger.Info("Cancel requested", zap.String("id", args[0]))
	return nil
}
