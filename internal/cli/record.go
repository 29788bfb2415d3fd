package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quillmind/mnemo/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "record [input]",
		Short: "Record one interaction",
		Long:  "Record one input/output pair into the agent's working memory. Input can be a positional arg or piped via stdin.",
		Run:   runRecord,
	}

	cmd.Flags().StringP("output", "o", "", "The agent's response text (required)")
	cmd.Flags().StringP("tools", "t", "", "Comma-separated tool names invoked during the interaction")
	cmd.MarkFlagRequired("output")

	RootCmd.AddCommand(cmd)
}

func runRecord(cmd *cobra.Command, args []string) {
	output, _ := cmd.Flags().GetString("output")
	toolsStr, _ := cmd.Flags().GetString("tools")

	var input string
	if len(args) > 0 {
		input = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			input = string(b)
		}
	}
	if strings.TrimSpace(input) == "" {
		exitErr("record", fmt.Errorf("input is required (positional arg or stdin)"))
	}

	var meta *memory.InteractionMetadata
	if toolsStr != "" {
		var tools []string
		for _, t := range strings.Split(toolsStr, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				tools = append(tools, t)
			}
		}
		if len(tools) > 0 {
			meta = &memory.InteractionMetadata{ToolCalls: tools}
		}
	}

	mgr, cleanup, err := openManager()
	if err != nil {
		exitErr("open", err)
	}
	defer cleanup()

	rec, err := mgr.RecordInteraction(cmd.Context(), agentFlag, strings.TrimSpace(input), output, meta)
	if err != nil {
		exitErr("record", err)
	}

	b, _ := json.Marshal(map[string]any{"id": rec.ID, "seq": rec.Seq})
	fmt.Println(string(b))
}
