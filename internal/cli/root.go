// Package cli implements the mnemo CLI commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quillmind/mnemo/memory"
	sqlitearchive "github.com/quillmind/mnemo/memory/archive/sqlite"
	"github.com/quillmind/mnemo/memory/embedder/mock"
	"github.com/quillmind/mnemo/memory/generator/anthropic"
	chromemindex "github.com/quillmind/mnemo/memory/index/chromem"
)

var (
	dataDir   string
	agentFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Hierarchical memory for AI agents",
	Long:  "Tiered agent memory with LLM consolidation. Working buffer, episodic summaries, semantic facts, procedural patterns. SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dataDir, "data", "d", "", "Data directory (default: $MNEMO_DATA or ~/.mnemo)")
	RootCmd.PersistentFlags().StringVarP(&agentFlag, "agent", "a", "default", "Agent ID")
}

func getDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if env := os.Getenv("MNEMO_DATA"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mnemo")
}

// openManager wires the full stack: SQLite archive, persistent chromem
// index, deterministic local embedder, and the Anthropic generator when an
// API key is available. Commands that never consolidate work without a key.
func openManager() (*memory.Manager, func(), error) {
	dir := getDataDir()

	archive, err := sqlitearchive.New(filepath.Join(dir, "mnemo.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}

	index, err := chromemindex.NewPersistent(filepath.Join(dir, "index"))
	if err != nil {
		archive.Close()
		return nil, nil, fmt.Errorf("open index: %w", err)
	}

	var gen memory.Generator
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		gen, err = anthropic.New(anthropic.Config{APIKey: key})
		if err != nil {
			archive.Close()
			return nil, nil, fmt.Errorf("create generator: %w", err)
		}
	} else {
		gen = unavailableGenerator{}
	}

	mgr := memory.NewManager(mock.New(), index, gen, nil, memory.WithArchive(archive))
	cleanup := func() { archive.Close() }
	return mgr, cleanup, nil
}

// unavailableGenerator fails every call with a setup hint. It backs the
// manager when no API key is configured, so read-only commands still run.
type unavailableGenerator struct{}

func (unavailableGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return "", fmt.Errorf("consolidation requires ANTHROPIC_API_KEY to be set")
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
