package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/internal/client"
	"github.com/3leaps/ccplane/internal/observability"
	"github.com/3leaps/ccplane/pkg/flowdef"
	"github.com/3leaps/ccplane/pkg/output"
	"github.com/3leaps/ccplane/pkg/zone"
)

var zoneCmd = &cobra.Command{
	Use:   "zone",
	Short: "Manage zones",
	Long: `Manage zones: named agent pools with a provider and size targets.

Examples:
  ccplane zone create linux --provider ec2 --min 2 --max 10 --slack 1
  ccplane zone apply -f zones.yaml
  ccplane zone list
  ccplane zone get linux`,
}

var zoneCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a zone",
	Args:  cobra.ExactArgs(1),
	RunE:  runZoneCreate,
}

var zoneApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create every zone in a zones file",
	Long: `Create every zone listed in a YAML or JSON zones file.

Zones that already exist are reported as errors and skipped.`,
	RunE: runZoneApply,
}

var zoneListCmd = &cobra.Command{
	Use:   "list",
	Short: "List zones with pool state",
	RunE:  runZoneList,
}

var zoneGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show one zone",
	Args:  cobra.ExactArgs(1),
	RunE:  runZoneGet,
}

var (
	zoneProvider string
	zoneMin      int
	zoneMax      int
	zoneSlack    int
	zoneFile     string
)

func init() {
	rootCmd.AddCommand(zoneCmd)
	zoneCmd.AddCommand(zoneCreateCmd, zoneApplyCmd, zoneListCmd, zoneGetCmd)

	zoneCreateCmd.Flags().StringVar(&zoneProvider, "provider", "local", "Provider name (local, test, ec2)")
	zoneCreateCmd.Flags().IntVar(&zoneMin, "min", 0, "Minimum pool size")
	zoneCreateCmd.Flags().IntVar(&zoneMax, "max", 0, "Maximum pool size (0 = unbounded)")
	zoneCreateCmd.Flags().IntVar(&zoneSlack, "slack", 0, "Idle agents kept above demand")

	zoneApplyCmd.Flags().StringVarP(&zoneFile, "file", "f", "", "Zones file (required)")
	_ = zoneApplyCmd.MarkFlagRequired("file")
}

func runZoneCreate(cmd *cobra.Command, args []string) error {
	if err := requireWritable("zone create"); err != nil {
		return err
	}
	z := zone.Zone{
		Name:      strings.TrimSpace(args[0]),
		Provider:  strings.TrimSpace(zoneProvider),
		MinSize:   zoneMin,
		MaxSize:   zoneMax,
		IdleSlack: zoneSlack,
	}
	if err := z.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid zone", err)
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if _, err := c.CreateZone(ctx, z); err != nil {
		return apiFailure("Failed to create zone", err)
	}
	st, err := c.GetZone(ctx, z.Name)
	if err != nil {
		return apiFailure("Failed to read zone", err)
	}
	return output.NewJSONLWriter(os.Stdout).WriteZone(ctx, output.NewZoneRecord(st))
}

func runZoneApply(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("zone apply"); err != nil {
		return err
	}
	zones, err := flowdef.LoadZones(zoneFile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid zones file", err)
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	w := output.NewJSONLWriter(os.Stdout)
	defer func() { _ = w.Close() }()

	failed := 0
	for _, z := range zones {
		if _, err := c.CreateZone(ctx, z); err != nil {
			failed++
			observability.CLILogger.Warn("Zone not created", zap.String("zone", z.Name), zap.Error(err))
			_ = w.WriteError(ctx, errorRecord(err, z.Name))
			continue
		}
		st, err := c.GetZone(ctx, z.Name)
		if err != nil {
			_ = w.WriteError(ctx, errorRecord(err, z.Name))
			continue
		}
		if err := w.WriteZone(ctx, output.NewZoneRecord(st)); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	observability.CLILogger.Info(fmt.Sprintf("Applied %d of %d zones", len(zones)-failed, len(zones)))
	if failed > 0 {
		return exitError(foundry.ExitInvalidArgument, "Some zones were not created", fmt.Errorf("failed=%d", failed))
	}
	return nil
}

func runZoneList(cmd *cobra.Command, _ []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	zones, err := c.ListZones(ctx)
	if err != nil {
		return apiFailure("Failed to list zones", err)
	}
	w := output.NewJSONLWriter(os.Stdout)
	for _, st := range zones {
		if err := w.WriteZone(ctx, output.NewZoneRecord(st)); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	if len(zones) == 0 {
		observability.CLILogger.Info("No zones defined")
	}
	return nil
}

func runZoneGet(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := c.GetZone(ctx, args[0])
	if err != nil {
		return apiFailure("Failed to read zone", err)
	}
	return output.NewJSONLWriter(os.Stdout).WriteZone(ctx, output.NewZoneRecord(st))
}

// errorRecord converts a client error into an output error record.
func errorRecord(err error, ref string) *output.ErrorRecord {
	rec := &output.ErrorRecord{Code: output.ErrCodeInternal, Message: err.Error(), Ref: ref}
	if client.IsNotFound(err) {
		rec.Code = output.ErrCodeNotFound
		return rec
	}
	var ae *client.APIError
	if errors.As(err, &ae) {
		if ae.Code != "" {
			rec.Code = ae.Code
		}
		rec.Message = ae.Message
		if len(ae.Details) > 0 {
			rec.Details = ae.Details
		}
		return rec
	}
	rec.Code = output.ErrCodeUnavailable
	return rec
}
