package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/TranVPhu/FaceRecognize/internal/utils"
)

var removeCmd = &cobra.Command{
	Use:   "remove <identity_id>...",
	Short: "Delete identities from the registry and the index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ids, err := parseIDs(args)
		if err != nil {
			utils.ShowError("Invalid identity ID", err, nil)
			return err
		}
		return runRemove(cmd.Context(), ids)
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%q is not a valid identity id", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runRemove(ctx context.Context, ids []int64) error {
	coord, _, err := openCoordinator(ctx, Cfg, DB, Log)
	if err != nil {
		utils.ShowError("Failed to load identities", err, nil)
		return err
	}
	if len(ids) == 1 {
		if err := coord.Delete(ctx, ids[0]); err != nil {
			utils.ShowError("Failed to remove identity", err, nil)
			return err
		}
		fmt.Printf("🗑️  Identity %d removed\n", ids[0])
		return nil
	}
	deleted, err := coord.DeleteMany(ctx, ids)
	if err != nil {
		utils.ShowError("Failed to remove identities", err, nil)
		return err
	}
	fmt.Printf("🗑️  Removed %d of %d identities\n", len(deleted), len(ids))
	return nil
}
