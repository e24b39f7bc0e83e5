package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/TranVPhu/FaceRecognize/internal/recognizer"
	"github.com/TranVPhu/FaceRecognize/internal/resolver"
	"github.com/TranVPhu/FaceRecognize/internal/types"
	"github.com/TranVPhu/FaceRecognize/internal/utils"
	"github.com/TranVPhu/FaceRecognize/internal/worker"
)

var identifyTolerance float64

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Recognize every face in a single photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if identifyTolerance > 1 {
			return fmt.Errorf("tolerance must be between 0.0 and 1.0, got %f", identifyTolerance)
		}
		if identifyTolerance >= 0 {
			Cfg.Recognition.Tolerance = identifyTolerance
		}
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	identifyCmd.Flags().Float64VarP(&identifyTolerance, "tolerance", "t", -1, "Match tolerance in [0,1] (default from config)")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, imagePath string) error {
	img, err := loadImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	coord, idx, err := openCoordinator(ctx, Cfg, DB, Log)
	if err != nil {
		utils.ShowError("Failed to load identities", err, nil)
		return err
	}
	res, err := resolver.New(Cfg.Recognition.Tolerance)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	var engine *worker.PythonWorker
	pool, err := recognizer.New(recognizer.Options{
		Workers:      1,
		ResizeFactor: Cfg.Recognition.ResizeFactor,
		Logger:       Log,
	}, func(id int) (recognizer.Embedder, error) {
		w, err := worker.NewPythonWorker(id, workerOptions(Cfg, Log))
		engine = w
		return w, err
	}, idx, res)
	if err != nil {
		var cmd *utils.SafeCommand
		if engine != nil {
			cmd = engine.Cmd
		}
		utils.ShowError("Failed to start AI worker", err, cmd)
		return err
	}
	defer pool.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	results, err := pool.Recognize(ctx, &types.Frame{Image: img}, coord.Snapshot())
	if err != nil {
		utils.ShowError("Recognition failed", err, nil)
		return err
	}
	if pool.Stats().Failed > 0 {
		err := fmt.Errorf("engine failed on %s", imagePath)
		utils.ShowError("AI processing failed", err, engine.Cmd)
		return err
	}

	if len(results) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	printResults(os.Stdout, results)
	return nil
}

func printResults(out io.Writer, results []types.RecognitionResult) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tGROUP\tSIMILARITY\tBOX (T,R,B,L)")
	fmt.Fprintln(w, "----\t--\t-----\t----------\t-------------")
	for _, r := range results {
		id := "-"
		if r.ID != nil {
			id = fmt.Sprint(*r.ID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%d,%d,%d,%d\n",
			r.Name, id, r.Group, r.Similarity, r.Box.Top, r.Box.Right, r.Box.Bottom, r.Box.Left)
	}
	w.Flush()
}
