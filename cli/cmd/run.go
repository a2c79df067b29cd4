package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shipyard/api/backend"
	"shipyard/api/config"
	"shipyard/api/docker"
	"shipyard/api/model"
	"shipyard/api/orchestrator"
	"shipyard/api/saga"
	"shipyard/api/secrets"
	"shipyard/api/storage"
	"shipyard/cli/style"
)

var (
	runFile    string
	runBuildID string
	runQuiet   bool
)

var runCmd = &cobra.Command{
	Use:   "run -f deployspec.yaml",
	Short: "Run build, rollout and cleanup in-process (for CI pipelines)",
	Long: `Run the full pipeline for one descriptor without an API server.

Configuration comes from the same SHIPYARD_* environment as the server.
The command exits non-zero unless the rollout succeeds.`,
	Args: cobra.NoArgs,
	RunE: runInProcess,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", model.DescriptorFile, "descriptor path")
	runCmd.Flags().StringVar(&runBuildID, "build-id", "", "build ID for the image tag (default $SHIPYARD_BUILD_ID or a timestamp)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "hide docker build output")
	rootCmd.AddCommand(runCmd)
}

func runInProcess(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if runBuildID != "" {
		cfg.BuildID = runBuildID
	}
	if cfg.BuildID == "" {
		cfg.BuildID = time.Now().UTC().Format("20060102150405")
	}

	desc, err := model.LoadDescriptor(runFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler, _, err := backend.Scheduler(ctx, cfg)
	if err != nil {
		return err
	}
	dc, err := docker.New(cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("docker: %w", err)
	}
	defer dc.Close()

	builder, err := backend.Builder(ctx, cfg, dc)
	if err != nil {
		return err
	}
	builder.BuildID = cfg.BuildID
	if !runQuiet {
		builder.OnOutput = func(line string) { fmt.Fprintln(os.Stderr, style.DimText.Render(line)) }
	}

	sagas := saga.NewMemoryStore()
	orch := &orchestrator.Orchestrator{
		Scheduler:      scheduler,
		SagaStore:      sagas,
		Secrets:        secrets.NewManager(""),
		Defaults:       cfg.Defaults(),
		CleanupTimeout: cfg.CleanupTimeout,
	}
	if !cfg.KeepImages {
		orch.Images = dc
	}
	if cfg.S3Endpoint != "" {
		s3Client, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			Bucket:    cfg.S3Bucket,
		})
		if err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		orch.Archive = s3Client
	}

	fmt.Println(style.Banner.Render("⚡ SHIPYARD RUN") + "  " + style.Bold.Render(desc.Service))

	rep := orch.Execute(ctx, builder.Build, desc)

	events, _ := sagas.ListBySaga(context.Background(), rep.SagaID)
	fmt.Print((&saga.PlainFormatter{}).Format(events))
	printReport(rep)

	if rep.Result != model.RunSucceeded {
		return fmt.Errorf("run %s finished %s", rep.RunID, rep.Result)
	}
	return nil
}

func printReport(rep *model.Report) {
	fmt.Println()
	kv := func(k, v string) {
		if v != "" {
			fmt.Printf("  %s %s\n", style.Key.Render(k), style.Val.Render(v))
		}
	}
	kv("Run", rep.RunID)
	kv("Service", rep.Service)
	kv("Cluster", rep.Cluster)
	if rep.Artifact != nil {
		kv("Image", rep.Artifact.Image())
	}
	if rep.Outcome != nil {
		kv("Revision", rep.Outcome.Revision.RevisionARN)
		kv("Polls", fmt.Sprintf("%d in %s", rep.Outcome.Polls, rep.Outcome.Elapsed.Round(time.Second)))
	}
	kv("Triggered by", rep.TriggeredBy)
	fmt.Printf("  %s %s  %s\n", style.Key.Render("Result"), style.Result(string(rep.Result)), style.Category(string(rep.Category)))
	for _, w := range rep.CleanupErrors {
		fmt.Printf("  %s %s\n", style.DotWarning, style.Warning.Render(w))
	}

	if rep.Result == model.RunSucceeded {
		fmt.Println(style.SuccessBox.Render("✓ " + rep.Service + " deployed"))
	} else {
		msg := fmt.Sprintf("✗ %s (%s)", rep.Result, rep.Category)
		if rep.Error != "" {
			msg += ": " + rep.Error
		}
		fmt.Println(style.ErrorBox.Render(msg))
	}
}
