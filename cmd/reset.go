package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TranVPhu/FaceRecognize/internal/index"
	"github.com/TranVPhu/FaceRecognize/internal/utils"
)

var (
	resetDB    bool
	resetIndex bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Registry, Index files)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetIndex {
			resetDB = true
			resetIndex = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if resetYes || confirm(reader, "⚠️  Are you sure you want to DROP all registry tables?") {
				fmt.Println("🗑️  Clearing Registry...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset registry", err, nil)
				}
			}
		}

		if resetIndex {
			if resetYes || confirm(reader, "⚠️  Are you sure you want to delete the index files?") {
				fmt.Println("🗑️  Clearing Index Files...")
				removeIndexFiles(Cfg.Index.Dir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear the identity registry")
	resetCmd.Flags().BoolVar(&resetIndex, "index", false, "Delete the persisted index files")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// removeIndexFiles deletes only the index artifacts; dir may hold other data.
func removeIndexFiles(dir string) {
	if dir == "" {
		return
	}
	for _, name := range []string{index.IndexFile, index.MappingFile} {
		removePath(filepath.Join(dir, name))
	}
}

func removePath(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
