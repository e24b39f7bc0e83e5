package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/TranVPhu/FaceRecognize/internal/utils"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect or rebuild the vector index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the index from every embedding in the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIndexRebuild(cmd.Context())
	},
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the size and state of the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIndexStats(cmd.Context())
	},
}

func init() {
	indexCmd.AddCommand(indexRebuildCmd, indexStatsCmd)
	rootCmd.AddCommand(indexCmd)
}

func runIndexRebuild(ctx context.Context) error {
	coord, _, err := openCoordinator(ctx, Cfg, DB, Log)
	if err != nil {
		utils.ShowError("Failed to load identities", err, nil)
		return err
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🧱 Rebuilding index"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
	)
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				bar.Add(1)
			}
		}
	}()
	start := time.Now()
	n, err := coord.Rebuild(ctx)
	close(stop)
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	if err != nil {
		utils.ShowError("Index rebuild failed", err, nil)
		return err
	}
	fmt.Printf("🏁 Rebuild Complete: %d vectors in %s\n", n, time.Since(start).Round(time.Millisecond))
	return nil
}

func runIndexStats(ctx context.Context) error {
	_, idx, err := openCoordinator(ctx, Cfg, DB, Log)
	if err != nil {
		utils.ShowError("Failed to load identities", err, nil)
		return err
	}
	st := idx.Stats()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "Vectors\t%d\n", st.Count)
	fmt.Fprintf(w, "Dimension\t%d\n", st.Dim)
	fmt.Fprintf(w, "Kind\t%s\n", st.Kind)
	fmt.Fprintf(w, "Version\t%d\n", st.Version)
	fmt.Fprintf(w, "Directory\t%s\n", Cfg.Index.Dir)
	fmt.Fprintf(w, "Persistent\t%t\n", st.Persistent)
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error\t%s\n", st.LastError)
	}
	w.Flush()
	return nil
}
