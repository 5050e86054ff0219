package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/internal/config"
	apperrors "github.com/3leaps/ccplane/internal/errors"
	"github.com/3leaps/ccplane/internal/observability"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the local environment and configuration.

Examples:
  ccplane doctor                 # Environment and config checks
  ccplane doctor --provider aws  # Also check AWS credentials (ec2, s3 logs)`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (aws)")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger
	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")

	allChecks := true
	checkNum := 1
	totalChecks := 5
	if doctorProvider == "aws" {
		totalChecks = 6
	}
	step := func() string {
		s := fmt.Sprintf("[%d/%d]", checkNum, totalChecks)
		checkNum++
		return s
	}

	goVersion := runtime.Version()
	log.Info(fmt.Sprintf("%s Checking Go runtime... ✅ %s", step(), goVersion), zap.String("go_version", goVersion))

	version := crucible.GetVersion()
	if version.Gofulmen != "" {
		log.Info(fmt.Sprintf("%s Checking Gofulmen... ✅ v%s", step(), version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen),
			zap.String("crucible_version", version.Crucible))
	} else {
		log.Warn(fmt.Sprintf("%s Checking Gofulmen... ⚠️  version unknown", step()))
		allChecks = false
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		log.Error(fmt.Sprintf("%s Checking config directory... ❌ Cannot find config directory", step()), zap.Error(err))
		return exitError(foundry.ExitFileNotFound, "Cannot find config directory",
			apperrors.WrapInternal(ctx, err, "cannot find config directory"))
	}
	log.Info(fmt.Sprintf("%s Checking config directory... ✅ %s", step(), configDir), zap.String("config_dir", configDir))

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("%s Checking configuration... ❌ %v", step(), err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("%s Checking configuration... ✅ coord=%s logs=%s", step(), cfg.Coord.Backend, cfg.Logs.Backend),
			zap.String("data_dir", cfg.DataDir))
	}

	if c, err := newAPIClient(); err != nil {
		log.Warn(fmt.Sprintf("%s Checking server... ⚠️  %v", step(), err))
		allChecks = false
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := c.ListZones(pingCtx)
		cancel()
		if err != nil {
			log.Warn(fmt.Sprintf("%s Checking server... ⚠️  unreachable", step()), zap.Error(err))
			allChecks = false
		} else {
			log.Info(fmt.Sprintf("%s Checking server... ✅ reachable", step()))
		}
	}

	if doctorProvider == "aws" {
		if !runAWSChecks(ctx, step()) {
			allChecks = false
		}
	}

	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("=== End Diagnostics ===")
	return nil
}

func runAWSChecks(ctx context.Context, label string) bool {
	log := observability.CLILogger
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error(label+" Checking AWS credentials... ❌ Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(label+" Checking AWS credentials... ❌ Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(label+" Checking AWS credentials... ✅ Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", source),
		zap.String("region", cfg.Region))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Use an instance role when running on AWS")
	log.Info("For S3-compatible log storage (MinIO, Wasabi), also set logs.endpoint.")
}
