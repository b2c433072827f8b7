package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/doclens-ai/doclens/internal/event"
	"github.com/doclens-ai/doclens/internal/thread"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage console threads",
	Long: `List and manage conversation threads on the console.

Examples:
  doclens threads                        # list threads
  doclens threads create "Q3 filings"
  doclens threads rename th_42 "Final report"
  doclens threads search filing
  doclens threads delete th_42`,
	RunE: runThreadsList,
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads",
	RunE:  runThreadsList,
}

var threadsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsCreate,
}

var threadsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a thread",
	Args:  cobra.ExactArgs(2),
	RunE:  runThreadsRename,
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsDelete,
}

var threadsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find threads by title",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsSearch,
}

func init() {
	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsCreateCmd)
	threadsCmd.AddCommand(threadsRenameCmd)
	threadsCmd.AddCommand(threadsDeleteCmd)
	threadsCmd.AddCommand(threadsSearchCmd)
}

// newThreadRegistry builds a registry with its own bus for one-shot
// commands.
func newThreadRegistry() (*thread.Registry, func(), error) {
	cfg, err := loadConfig("")
	if err != nil {
		return nil, nil, err
	}
	setupLogging(cfg)

	bus := event.NewBus()
	registry := thread.NewRegistry(newAPIClient(cfg), bus)
	return registry, func() { bus.Close() }, nil
}

func runThreadsList(cmd *cobra.Command, args []string) error {
	registry, cleanup, err := newThreadRegistry()
	if err != nil {
		return err
	}
	defer cleanup()

	threads, err := registry.Refresh(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED\t")
	for _, th := range threads {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t\n",
			th.ID,
			th.Title,
			th.MessageCount,
			th.UpdatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func runThreadsCreate(cmd *cobra.Command, args []string) error {
	registry, cleanup, err := newThreadRegistry()
	if err != nil {
		return err
	}
	defer cleanup()

	created, err := registry.Create(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Println(created.ID)
	return nil
}

func runThreadsRename(cmd *cobra.Command, args []string) error {
	registry, cleanup, err := newThreadRegistry()
	if err != nil {
		return err
	}
	defer cleanup()

	return registry.Rename(context.Background(), args[0], args[1])
}

func runThreadsDelete(cmd *cobra.Command, args []string) error {
	registry, cleanup, err := newThreadRegistry()
	if err != nil {
		return err
	}
	defer cleanup()

	// Delete runs through the cache for its rollback bookkeeping, so the
	// list has to be loaded first.
	ctx := context.Background()
	if _, err := registry.Refresh(ctx); err != nil {
		return err
	}
	return registry.Delete(ctx, args[0])
}

func runThreadsSearch(cmd *cobra.Command, args []string) error {
	registry, cleanup, err := newThreadRegistry()
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := registry.Refresh(context.Background()); err != nil {
		return err
	}
	results := registry.Search(args[0])
	if len(results) == 0 {
		fmt.Fprintln(os.Stderr, "no matching threads")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tID\tTITLE\t")
	for _, res := range results {
		fmt.Fprintf(w, "%.2f\t%s\t%s\t\n", res.Score, res.Thread.ID, res.Thread.Title)
	}
	return w.Flush()
}
