// Package cmd implements the ccplane command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/internal/client"
	"github.com/3leaps/ccplane/internal/config"
	"github.com/3leaps/ccplane/internal/observability"
	"github.com/3leaps/ccplane/internal/server/handlers"
)

// VersionInfo is the build metadata set by main.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var (
	versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}
	appIdentity *config.Identity

	cfgFile   string
	serverURL string
	authToken string
	verbose   bool
	readOnly  bool
)

var rootCmd = &cobra.Command{
	Use:   "ccplane",
	Short: "CI control center",
	Long: `ccplane is the control center of a distributed CI system.

It tracks build agents through a coordination service, keeps each zone's
agent pool at its configured size, dispatches commands to idle agents and
runs multi-step jobs on top of those commands.

Run the server with 'ccplane serve'. The other commands are clients of a
running server and write JSONL records to stdout.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		appIdentity = config.DefaultIdentity()
		name := appIdentity.BinaryName
		observability.InitCLILogger(name, viper.GetBool("verbose"))
		if cfgFile != "" {
			config.SetConfigFile(cfgFile)
		}
		return nil
	},
}

func init() {
	observability.InitCLILogger(config.DefaultIdentity().BinaryName, false)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: discovered ccplane.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Control center URL (env: CCPLANE_SERVER)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Admin bearer token (env: CCPLANE_TOKEN)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false, "Refuse commands that change server state")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("readonly", rootCmd.PersistentFlags().Lookup("readonly"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindEnv("server", "CCPLANE_SERVER")
	_ = viper.BindEnv("token", "CCPLANE_TOKEN")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo records build metadata for 'version' and GET /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity resolved by the root command, or nil
// before any command ran.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// ExitError carries a process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code for err: 0 for nil, the ExitError code, or 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// ExitWithCode logs msg and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error(msg, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}

func requireWritable(action string) error {
	if viper.GetBool("readonly") {
		return exitError(foundry.ExitInvalidArgument, "Refusing "+action,
			fmt.Errorf("readonly mode is enabled"))
	}
	return nil
}

func newAPIClient() (*client.Client, error) {
	c, err := client.New(client.Config{
		BaseURL: strings.TrimSpace(viper.GetString("server")),
		Token:   strings.TrimSpace(viper.GetString("token")),
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --server value", err)
	}
	return c, nil
}

// apiFailure maps client errors onto exit codes.
func apiFailure(message string, err error) error {
	var ae *client.APIError
	if errors.As(err, &ae) {
		if ae.StatusCode >= 400 && ae.StatusCode < 500 {
			return exitError(foundry.ExitInvalidArgument, message, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitSignalInt, message, err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, message, err)
}
