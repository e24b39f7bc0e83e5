package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/spf13/cobra"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/TranVPhu/FaceRecognize/internal/enroll"
	"github.com/TranVPhu/FaceRecognize/internal/types"
	"github.com/TranVPhu/FaceRecognize/internal/utils"
	"github.com/TranVPhu/FaceRecognize/internal/worker"
)

var (
	enrollName  string
	enrollGroup string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <image_path>",
	Short: "Register a person from a photo containing exactly one face",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0], enrollName, enrollGroup)
	},
}

func init() {
	enrollCmd.Flags().StringVar(&enrollName, "name", "", "Display name of the person")
	enrollCmd.Flags().StringVar(&enrollGroup, "group", "", "Group or class the person belongs to")
	enrollCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(enrollCmd)
}

// loadImage decodes a JPEG, PNG, BMP or WebP file.
func loadImage(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return types.ToRGBA(img), nil
}

func runEnroll(ctx context.Context, imagePath, name, group string) error {
	if strings.TrimSpace(name) == "" {
		err := errors.New("--name must not be empty")
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}
	img, err := loadImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	coord, _, err := openCoordinator(ctx, Cfg, DB, Log)
	if err != nil {
		utils.ShowError("Failed to load identities", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(0, workerOptions(Cfg, Log))
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	face, err := enroll.EmbedSingle(ctx, w, img)
	switch {
	case errors.Is(err, enroll.ErrNoFace):
		fmt.Println("❌ No faces detected in the provided image.")
		return err
	case errors.Is(err, enroll.ErrMultipleFaces):
		fmt.Printf("❌ %v. Crop the photo to a single person.\n", err)
		return err
	case err != nil:
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}

	rec, err := coord.Add(ctx, name, group, face.Embedding)
	if err != nil {
		utils.ShowError("Failed to enroll identity", err, nil)
		return err
	}
	fmt.Printf("✅ Enrolled %s (ID: %d)\n", rec.Name, rec.ID)
	return nil
}
