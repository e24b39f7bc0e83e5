package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/TranVPhu/FaceRecognize/internal/utils"
)

var labelGroup string

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Rename an identity, optionally moving it to another group",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			utils.Die("Invalid identity ID", err, nil)
		}
		runLabel(cmd.Context(), id, args[1], labelGroup, cmd.Flags().Changed("group"))
	},
}

func init() {
	labelCmd.Flags().StringVar(&labelGroup, "group", "", "New group (kept when omitted)")
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, id int64, name, group string, setGroup bool) {
	coord, _, err := openCoordinator(ctx, Cfg, DB, Log)
	if err != nil {
		utils.Die("Failed to load identities", err, nil)
	}
	if !setGroup {
		rec, err := coord.Get(ctx, id)
		if err != nil {
			utils.Die("Failed to label identity", err, nil)
		}
		group = rec.Group
	}
	// nil embedding keeps the indexed vector
	if err := coord.Update(ctx, id, name, group, nil); err != nil {
		utils.Die("Failed to label identity", err, nil)
	}

	fmt.Printf("✅ Identity %d labeled as '%s'\n", id, name)
}
