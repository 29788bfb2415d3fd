package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Run a consolidation cycle now",
		Long:  "Force a full consolidation cycle for the agent, regardless of trigger thresholds. Requires ANTHROPIC_API_KEY.",
		Run:   runConsolidate,
	}

	RootCmd.AddCommand(cmd)
}

func runConsolidate(cmd *cobra.Command, args []string) {
	mgr, cleanup, err := openManager()
	if err != nil {
		exitErr("open", err)
	}
	defer cleanup()

	stats, err := mgr.ForceConsolidate(cmd.Context(), agentFlag)
	if err != nil {
		exitErr("consolidate", err)
	}

	b, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(b))
}
