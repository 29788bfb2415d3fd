package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "List learned procedural patterns",
		Run:   runPatterns,
	}

	cmd.Flags().Bool("all", false, "Include retired patterns")

	RootCmd.AddCommand(cmd)
}

func runPatterns(cmd *cobra.Command, args []string) {
	all, _ := cmd.Flags().GetBool("all")

	mgr, cleanup, err := openManager()
	if err != nil {
		exitErr("open", err)
	}
	defer cleanup()

	patterns, err := mgr.Patterns(cmd.Context(), agentFlag, !all)
	if err != nil {
		exitErr("patterns", err)
	}

	b, _ := json.MarshalIndent(patterns, "", "  ")
	fmt.Println(string(b))
}
