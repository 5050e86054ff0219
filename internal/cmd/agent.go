package cmd

import (
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/ccplane/internal/client"
	"github.com/3leaps/ccplane/internal/observability"
	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/output"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect and report agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Long: `List agents known to the registry.

--match takes a glob over agent names (doublestar syntax).

Examples:
  ccplane agent list
  ccplane agent list --zone linux --status idle
  ccplane agent list --match 'builder-*'`,
	RunE: runAgentList,
}

var agentReportCmd = &cobra.Command{
	Use:   "report <zone> <name> <status>",
	Short: "Report an agent's status",
	Long: `Report an agent's status (IDLE, BUSY, OFFLINE, TIMEOUT) as the agent
itself would. Useful for scripted agents and manual recovery.`,
	Args: cobra.ExactArgs(3),
	RunE: runAgentReport,
}

var (
	agentZone   string
	agentMatch  string
	agentStatus string
)

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentListCmd, agentReportCmd)

	agentListCmd.Flags().StringVar(&agentZone, "zone", "", "Only agents in this zone")
	agentListCmd.Flags().StringVar(&agentMatch, "match", "", "Glob over agent names")
	agentListCmd.Flags().StringVar(&agentStatus, "status", "", "Only agents with this status")
}

func runAgentList(cmd *cobra.Command, _ []string) error {
	filter := agent.Filter{Match: agentMatch}
	if agentStatus != "" {
		st, err := agent.ParseStatus(agentStatus)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
		filter.Status = st
	}
	if err := filter.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --match value", err)
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	agents, err := c.ListAgents(ctx, client.AgentQuery{Zone: agentZone, Match: agentMatch, Status: string(filter.Status)})
	if err != nil {
		return apiFailure("Failed to list agents", err)
	}
	w := output.NewJSONLWriter(os.Stdout)
	for _, a := range agents {
		if err := w.WriteAgent(ctx, output.NewAgentRecord(a)); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	if len(agents) == 0 {
		observability.CLILogger.Info("No agents found")
	}
	return nil
}

func runAgentReport(cmd *cobra.Command, args []string) error {
	if err := requireWritable("agent report"); err != nil {
		return err
	}
	status, err := agent.ParseStatus(args[2])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid status", err)
	}
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.ReportAgent(cmd.Context(), args[0], args[1], string(status)); err != nil {
		return apiFailure("Agent report rejected", err)
	}
	observability.CLILogger.Info("Agent report accepted")
	return nil
}
