package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotuner/internal/observability"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the worker environment and suggest fixes for common issues.

Examples:
  gotuner doctor                  # GPU, trainer and archive tool checks
  gotuner doctor --provider s3    # Also check AWS credentials and region`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

// archiveTools are the external programs dataset extraction and result
// bundling shell out to.
var archiveTools = []string{"unzip", "tar", "zip"}

func runDoctor(cmd *cobra.Command, args []string) error {
	if doctorProvider != "" && doctorProvider != "s3" {
		return exitError(foundry.ExitInvalidArgument, "Unsupported --provider", fmt.Errorf("%q (expected s3)", doctorProvider))
	}
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	log := observability.CLILogger
	bannerName := BinaryName + " doctor"
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	ctx := cmd.Context()
	allChecks := true
	checkNum := 1
	totalChecks := 5
	if doctorProvider == "s3" {
		totalChecks = 8
	}

	// Check 1: GPU
	gpuCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = checkGPU(gpuCtx)
	cancel()
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking GPU (nvidia-smi)... ❌ not available", checkNum, totalChecks), zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking GPU (nvidia-smi)... ✅ available", checkNum, totalChecks))
	}
	checkNum++

	// Check 2: Trainer directory and entrypoint
	if err := checkTrainer(cfg.Trainer); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking trainer... ❌ %v", checkNum, totalChecks, err),
			zap.String("trainer_dir", cfg.Trainer.Dir))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking trainer... ✅ %s", checkNum, totalChecks, cfg.Trainer.Dir),
			zap.Strings("command", cfg.Trainer.Command))
	}
	checkNum++

	// Check 3: Virtualenv interpreter
	if interp := venvInterpreter(cfg.Trainer); interp == "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking virtualenv... ✅ none configured, using PATH", checkNum, totalChecks))
	} else if st, err := os.Stat(interp); err != nil || st.IsDir() {
		log.Warn(fmt.Sprintf("[%d/%d] Checking virtualenv... ⚠️  %s not found, falling back to PATH", checkNum, totalChecks, interp))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking virtualenv... ✅ %s", checkNum, totalChecks, interp))
	}
	checkNum++

	// Check 4: Archive tools
	var missing []string
	for _, tool := range archiveTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		log.Error(fmt.Sprintf("[%d/%d] Checking archive tools... ❌ missing %v", checkNum, totalChecks, missing))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking archive tools... ✅ %v", checkNum, totalChecks, archiveTools))
	}
	checkNum++

	// Check 5: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s %s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH, runtime.Version()),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
		zap.String("workspace", cfg.Workspace.Root))
	checkNum++

	if doctorProvider == "s3" {
		allChecks = runS3Checks(ctx, checkNum, totalChecks, allChecks)
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s environment is healthy.", BinaryName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
	return nil
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Provider Checks:")

	// Check 6: AWS credentials
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	// Check 7: Credential source
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))
	checkNum++

	// Check 8: Region
	region := cfg.Region
	if region != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking region... ✅ %s (configured)", checkNum, totalChecks, region))
		return allChecks
	}
	if region = instanceRegion(ctx); region != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking region... ✅ %s (instance metadata)", checkNum, totalChecks, region))
		return allChecks
	}
	log.Warn(fmt.Sprintf("[%d/%d] Checking region... ⚠️  not set, S3 access defaults to us-east-1", checkNum, totalChecks))
	return allChecks
}

// instanceRegion asks EC2 instance metadata for the region. Off EC2 it
// returns "" after a short timeout.
func instanceRegion(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := imds.New(imds.Options{}).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return ""
	}
	return out.Region
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	log.Info("  - GOTUNER_S3_ENDPOINT (and GOTUNER_S3_FORCE_PATH_STYLE=true)")
	log.Info("")
}
