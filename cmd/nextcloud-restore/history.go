package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyOpts struct {
	limit    int
	deleteID int64
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded backups whose archive still exists",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyOpts.limit, "limit", "n", 20, "number of entries to show")
	historyCmd.Flags().Int64Var(&historyOpts.deleteID, "delete", 0, "delete the entry with this id")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if historyOpts.deleteID > 0 {
		if err := application.history.Delete(ctx, historyOpts.deleteID); err != nil {
			return err
		}
		fmt.Printf("Deleted history entry %d\n", historyOpts.deleteID)
		return nil
	}

	entries, err := application.history.ListExisting(ctx, historyOpts.limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No backups recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tSIZE\tDB\tENCRYPTED\tSTATUS\tARCHIVE")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t%s\t%s\n",
			e.ID,
			humanize.Time(e.Timestamp),
			humanize.IBytes(uint64(e.SizeBytes)),
			e.DatabaseType,
			e.Encrypted,
			e.VerificationStatus,
			e.ArchivePath,
		)
	}
	return w.Flush()
}
