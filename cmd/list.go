package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/TranVPhu/FaceRecognize/internal/enroll"
	"github.com/TranVPhu/FaceRecognize/internal/types"
	"github.com/TranVPhu/FaceRecognize/internal/utils"
)

var listName string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known identities in the registry",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context(), DB, listName, os.Stdout)
	},
}

func init() {
	listCmd.Flags().StringVar(&listName, "name", "", "Only show names containing this text (accents ignored)")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, reg enroll.Registry, name string, out io.Writer) {
	var (
		identities []types.IdentityRecord
		err        error
	)
	if name != "" {
		identities, err = reg.FindByName(ctx, name)
	} else {
		identities, err = reg.GetAll(ctx)
	}
	if err != nil {
		utils.Die("Failed to list identities", err, nil)
	}

	if len(identities) == 0 {
		fmt.Fprintln(out, "No identities found in registry.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGROUP\tINDEXED\tCREATED")
	fmt.Fprintln(w, "--\t----\t-----\t-------\t-------")

	for _, id := range identities {
		indexed := "no"
		if len(id.Embedding) > 0 {
			indexed = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", id.ID, id.Name, id.Group, indexed, id.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
