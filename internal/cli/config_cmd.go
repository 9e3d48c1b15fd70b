package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"burstfuse/internal/config"
	"burstfuse/internal/governor"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration if no file exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configInit()
		},
	})
	return cmd
}

func (r *Root) configShow() error {
	path, err := config.Path()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		path += " (not found, using defaults)"
	}
	fmt.Fprintf(r.out, "Config file: %s\n", path)
	b, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, string(b))
	return nil
}

func (r *Root) configInit() error {
	path, err := config.Path()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Wrote %s\n", path)
	return nil
}

func (r *Root) cmdVersion(ctx context.Context) error {
	fmt.Fprintf(r.out, "burstfuse v%s\n", version)
	fmt.Fprintf(r.out, "Built with Go %s (%s/%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	caps, err := governor.LinuxDetector{}.Detect(ctx)
	if err != nil {
		return nil
	}
	tier := governor.Classify(caps)
	td := tier.Defaults(caps.Cores)
	fmt.Fprintf(r.out, "Device: %d cores, %d MB, tier %s (frames %d, tile %d, threads %d)\n",
		caps.Cores, caps.TotalMemoryMB, tier, td.Frames, td.TileSize, td.Threads)
	return nil
}
