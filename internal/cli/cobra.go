package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"burstfuse/internal/grpcserver"
	"burstfuse/internal/pipeline"
	"burstfuse/internal/storage"
	"burstfuse/internal/tasks"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "burstfuse",
		Short: "Burst photography fusion and super-resolution",
		Long: `burstfuse aligns and merges handheld bursts into a single low-noise,
higher-resolution image, using gyroscope data to seed alignment.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)
	rootCmd.SetErr(root.errOut)

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newSubmitCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newPresetsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		output     string
		preset     string
		mode       string
		budget     float64
		overlay    string
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "run <burst_directory>",
		Short: "Process one burst directory",
		Long: `Load a burst directory (frames plus optional manifest.json and gyro.csv) and
run it through the engine. --mode mask renders the detail mask of the reference
frame; --mode assess reports burst diversity and a capture timing suggestion.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if preset == "" {
				preset = root.cfg.Processing.Preset
			}
			if output == "" {
				switch pipeline.JobType(mode) {
				case pipeline.JobFuse, "":
					output = defaultOutput(root.cfg.Paths.DefaultOutput, input)
				case pipeline.JobMask:
					output = strings.TrimSuffix(defaultOutput(root.cfg.Paths.DefaultOutput, input), "-fused.png") + "-mask.png"
				}
			}
			opts := map[string]any{"source": "cli"}
			if budget > 0 {
				opts["budget_seconds"] = budget
			}
			if overlay != "" {
				opts["mask_overlay"] = overlay
			}
			job, err := pipeline.NewJob(mode, input, output, preset, opts)
			if err != nil {
				return err
			}

			var sink *progressSink
			if !noProgress && job.Type == pipeline.JobFuse {
				sink = newProgressSink(root.errOut, job.Preset.String())
			}
			var s pipeline.Sink
			if sink != nil {
				s = sink
			}
			ev, err := root.submitAndWait(cmd.Context(), job, s)
			if sink != nil {
				sink.Finish()
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(root.out, "%s %s\n", job.Type, ev.Status)
			printMeta(root.out, ev.Meta)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output image path (default: <default_output>/<burst>-fused.png)")
	cmd.Flags().StringVarP(&preset, "preset", "p", "", "processing preset (fast|balanced|max|ultra), config default if empty")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(pipeline.JobFuse), "job type (fuse|mask|assess)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "wall-clock budget in seconds, overriding the preset")
	cmd.Flags().StringVar(&overlay, "mask-overlay", "", "also write the detail mask overlay to this path")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <directory>",
		Short: "Find burst directories below a root",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.DefaultInput
			if len(args) > 0 {
				dir = args[0]
			}
			res, err := tasks.Scan(dir)
			if err != nil {
				return err
			}
			root.printScan(res)
			return nil
		},
	}
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		output   string
		preset   string
		existing bool
	)

	cmd := &cobra.Command{
		Use:   "watch [inbox]",
		Short: "Fuse bursts as they land in an inbox directory",
		Long: `Watch an inbox for new burst directories. A directory is processed once its
contents stop changing and it holds a manifest or at least two frames.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inbox := root.cfg.Paths.Inbox
			if len(args) > 0 {
				inbox = args[0]
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			if preset == "" {
				preset = root.cfg.Processing.Preset
			}
			return root.watchInbox(cmd.Context(), inbox, output, preset, existing)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().StringVarP(&preset, "preset", "p", "", "processing preset")
	cmd.Flags().BoolVar(&existing, "existing", false, "also process bursts already in the inbox")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var httpAddr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC job servers",
		Long: `Start an HTTP server (run submission, history, SSE and websocket progress,
Prometheus metrics) and a gRPC Runs service sharing one job queue.

Examples:
  burstfuse serve --http :8080 --grpc :9090
  burstfuse serve --grpc ""   # HTTP only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("http") {
				root.cfg.Server.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("grpc") {
				root.cfg.Server.GRPCAddr = grpcAddr
			}
			st, err := root.ensureStack(cmd.Context())
			if err != nil {
				return err
			}
			root.log.Info("Starting servers", "http", root.cfg.Server.HTTPAddr, "grpc", root.cfg.Server.GRPCAddr)
			return root.serveFn(cmd.Context(), root.cfg, st, root.log)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address, empty to disable (default from config)")
	return cmd
}

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		addr   string
		output string
		preset string
		mode   string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "submit <burst_directory>",
		Short: "Queue a burst on a running server over gRPC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.GRPCAddr
			}
			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", addr, err)
			}
			defer conn.Close()
			return root.submitRemote(cmd.Context(), grpcserver.NewClient(conn), mode, args[0], output, preset, wait)
		},
	}

	cmd.Flags().StringVar(&addr, "server", "", "gRPC server address (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output image path on the server")
	cmd.Flags().StringVarP(&preset, "preset", "p", "", "processing preset")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(pipeline.JobFuse), "job type (fuse|mask|assess)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "stream events until the job finishes")
	return cmd
}

// remoteRuns is the part of the gRPC client submit uses.
type remoteRuns interface {
	Submit(ctx context.Context, jobType, input, output, preset string) (string, error)
	Watch(ctx context.Context, jobID string, fn func(map[string]any) error) error
}

func (r *Root) submitRemote(ctx context.Context, c remoteRuns, mode, input, output, preset string, wait bool) error {
	id, err := c.Submit(ctx, mode, input, output, preset)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "queued %s\n", id)
	if !wait {
		return nil
	}
	var final map[string]any
	err = c.Watch(ctx, id, func(ev map[string]any) error {
		if ev["kind"] == string(pipeline.EventResult) {
			final = ev
			return nil
		}
		if p, ok := ev["progress"].(map[string]any); ok {
			fmt.Fprintf(r.errOut, "%5.1f%% %v\n", toFloat(p["fraction"])*100, p["stage"])
		}
		return nil
	})
	if err != nil {
		return err
	}
	if final == nil {
		return errors.New("stream ended without a result")
	}
	fmt.Fprintf(r.out, "%s %v\n", id, final["status"])
	if meta, ok := final["meta"].(map[string]any); ok {
		printMeta(r.out, meta)
	}
	if final["status"] != "completed" {
		return fmt.Errorf("job %s %v: %v", id, final["status"], final["error"])
	}
	return nil
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the history database",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := root.store
			if store == nil {
				s, err := storage.Open(root.cfg.Storage.Driver, root.cfg.Paths.DatabasePath)
				if err != nil {
					return err
				}
				defer s.Close()
				store = s
			}
			recs, err := store.RecentRuns(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tPRESET\tSTATUS\tCREATED\tINPUT")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.ID, rec.JobType, rec.Preset, rec.Status,
					rec.CreatedAt.Local().Format(time.DateTime), rec.InputPath)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func newPresetsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "Show the processing presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PRESET\tMETHOD\tSCALE\tBUDGET\tDESCRIPTION")
			for _, p := range pipeline.Presets() {
				c := p.Config()
				fmt.Fprintf(tw, "%s\t%v\t%dx\t%s\t%s\n",
					p, c.Method, c.FusionScale, c.Budget, c.Description)
			}
			return tw.Flush()
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion(cmd.Context())
		},
	}
}
