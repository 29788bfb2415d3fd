package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [query]",
		Short: "Assemble a context block for a query",
		Long:  "Retrieve recent interactions, relevant facts, and episodic summaries, packed into a character budget.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runContext,
	}

	cmd.Flags().IntP("budget", "b", 0, "Max characters in output (default: config budget)")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	budget, _ := cmd.Flags().GetInt("budget")
	query := strings.Join(args, " ")

	mgr, cleanup, err := openManager()
	if err != nil {
		exitErr("open", err)
	}
	defer cleanup()

	block, err := mgr.RetrieveContext(cmd.Context(), agentFlag, query, budget)
	if err != nil {
		exitErr("context", err)
	}

	fmt.Println(block)
}
