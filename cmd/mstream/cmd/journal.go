package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brianly1003/mstream/internal/adapters/journal"
	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	journalAccount string
	journalType    string
	journalLimit   int
	journalPrune   time.Duration
)

// journalCmd lists or prunes recorded events.
var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recently recorded stream events",
	Long: `Show events recorded by 'mstream tail --journal' or 'mstream start --journal'.

Examples:
  mstream journal
  mstream journal --account main --type notification
  mstream journal --limit 200
  mstream journal --prune 720h     # delete events older than 30 days`,
	RunE: runJournal,
}

func init() {
	journalCmd.Flags().StringVar(&journalAccount, "account", "", "only show events of this account")
	journalCmd.Flags().StringVar(&journalType, "type", "", "only show events of this type")
	journalCmd.Flags().IntVar(&journalLimit, "limit", journal.DefaultLimit, "maximum number of events")
	journalCmd.Flags().DurationVar(&journalPrune, "prune", 0, "delete events older than this instead of listing")
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg)

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer j.Close()

	ctx := context.Background()

	if journalPrune > 0 {
		n, err := j.Prune(ctx, time.Now().Add(-journalPrune))
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d events older than %s\n", n, journalPrune)
		return nil
	}

	entries, err := j.Recent(ctx, journal.Filter{
		Account:   journalAccount,
		EventType: events.EventType(journalType),
		Limit:     journalLimit,
	})
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No journaled events.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECEIVED\tACCOUNT\tSTREAM\tTYPE\tOBJECT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(e.ReceivedAt), e.Account, e.Stream, e.EventType, e.ObjectID)
	}
	return w.Flush()
}
