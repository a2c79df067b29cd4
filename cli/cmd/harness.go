package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shipyard/api/config"
	"shipyard/api/consul"
	"shipyard/api/docker"
	"shipyard/api/harness"
	"shipyard/cli/style"
)

var (
	harnessImage         string
	harnessPorts         []int
	harnessEnv           []string
	harnessShm           int64
	harnessProbe         string
	harnessHealthPath    string
	harnessConsulService string
	harnessReadyTimeout  time.Duration
)

var harnessCmd = &cobra.Command{
	Use:   "harness --image <image> -- <command> [args...]",
	Short: "Run a command against an ephemeral dependency container",
	Long: `Start a dependency container, wait until it is ready, run the command,
then stop the container whatever happens.

The command gets SHIPYARD_HARNESS_URL, SHIPYARD_HARNESS_HOST and
SHIPYARD_HARNESS_PORT pointing at the first published port, and its exit
status becomes the exit status of shipyard.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runHarness,
}

func init() {
	f := harnessCmd.Flags()
	f.StringVar(&harnessImage, "image", "", "dependency image")
	f.IntSliceVarP(&harnessPorts, "port", "p", nil, "container port to publish (first one is the endpoint)")
	f.StringArrayVarP(&harnessEnv, "env", "e", nil, "container environment KEY=VALUE")
	f.Int64Var(&harnessShm, "shm-size", 0, "shared memory size in bytes")
	f.StringVar(&harnessProbe, "probe", "http", "readiness probe: http, tcp or consul")
	f.StringVar(&harnessHealthPath, "health-path", "/", "path for the http probe")
	f.StringVar(&harnessConsulService, "consul-service", "", "service name for the consul probe")
	f.DurationVar(&harnessReadyTimeout, "ready-timeout", time.Minute, "how long to wait for readiness")
	harnessCmd.MarkFlagRequired("image")
	rootCmd.AddCommand(harnessCmd)
}

func runHarness(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	probe, err := harnessProber(cfg)
	if err != nil {
		return err
	}

	dc, err := docker.New(cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("docker: %w", err)
	}
	defer dc.Close()

	opts := docker.ContainerOptions{
		Image:   harnessImage,
		Ports:   harnessPorts,
		ShmSize: harnessShm,
		Env:     harnessEnv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(os.Stderr, style.DimText.Render("starting "+harnessImage+"..."))
	h := &harness.Harness{}
	return h.Run(ctx, dc.Starter(opts), probe, harnessReadyTimeout, func(ctx context.Context, endpoint *url.URL) error {
		if endpoint != nil {
			fmt.Fprintln(os.Stderr, style.DimText.Render("ready at "+endpoint.String()))
		}
		return runWorkload(ctx, endpoint, args)
	})
}

func harnessProber(cfg *config.Config) (harness.Prober, error) {
	switch harnessProbe {
	case "http", "tcp":
		if len(harnessPorts) == 0 {
			return nil, fmt.Errorf("--probe %s needs a published port (-p)", harnessProbe)
		}
		if harnessProbe == "tcp" {
			return harness.TCPProbe{}, nil
		}
		return &harness.HTTPProbe{Path: harnessHealthPath}, nil
	case "consul":
		if harnessConsulService == "" {
			return nil, fmt.Errorf("--consul-service is required with --probe consul")
		}
		cc, err := consul.NewClient(cfg.ConsulAddr)
		if err != nil {
			return nil, err
		}
		return &harness.ConsulProbe{Source: cc, Service: harnessConsulService}, nil
	}
	return nil, fmt.Errorf("unknown probe %q", harnessProbe)
}

func runWorkload(ctx context.Context, endpoint *url.URL, args []string) error {
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Env = append(os.Environ(), workloadEnv(endpoint)...)
	return c.Run()
}

func workloadEnv(endpoint *url.URL) []string {
	if endpoint == nil {
		return nil
	}
	return []string{
		"SHIPYARD_HARNESS_URL=" + endpoint.String(),
		"SHIPYARD_HARNESS_HOST=" + endpoint.Hostname(),
		"SHIPYARD_HARNESS_PORT=" + endpoint.Port(),
	}
}
