package cmd

import (
	"fmt"
	"html"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/brianly1003/mstream/internal/app"
	"github.com/brianly1003/mstream/internal/config"
	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/spf13/cobra"
)

var (
	tailTag     string
	tailList    string
	tailTypes   []string
	tailJournal bool
	tailJSON    bool
)

// tailCmd prints the events of one stream.
var tailCmd = &cobra.Command{
	Use:   "tail <account> <stream>",
	Short: "Print the events of a stream as they arrive",
	Long: `Connect to a streaming endpoint and print its events until interrupted.

Streams: user, user:notification, public, public:local, hashtag,
hashtag:local, list.

Examples:
  mstream tail main user
  mstream tail main hashtag --tag golang
  mstream tail main list --list 42
  mstream tail main user --types notification
  mstream tail main public:local --journal --json`,
	Args: cobra.ExactArgs(2),
	RunE: runTail,
}

func init() {
	tailCmd.Flags().StringVar(&tailTag, "tag", "", "hashtag for hashtag streams")
	tailCmd.Flags().StringVar(&tailList, "list", "", "list id for list streams")
	tailCmd.Flags().StringSliceVar(&tailTypes, "types", nil, "only print these event types (status_updated, status_deleted, notification)")
	tailCmd.Flags().BoolVar(&tailJournal, "journal", false, "record events to the journal")
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "print events as JSON lines")
}

func runTail(cmd *cobra.Command, args []string) error {
	accountName, streamName := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if tailJournal {
		cfg.Journal.Enabled = true
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	setupLogging(cfg)

	param := tailTag
	if streamName == domain.StreamList {
		param = tailList
	}
	endpoint, err := domain.ParseEndpoint(streamName, param)
	if err != nil {
		return err
	}

	types, err := parseEventTypes(tailTypes)
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version, nil)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	sub, err := application.Subscribe(accountName, endpoint, types...)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			sub.Cancel()
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("stream %s ended", endpoint)
			}
			if err := printEvent(os.Stdout, ev, tailJSON); err != nil {
				return err
			}
		}
	}
}

// parseEventTypes converts --types values, rejecting names that are not
// domain event types.
func parseEventTypes(names []string) ([]events.EventType, error) {
	types := make([]events.EventType, 0, len(names))
	for _, name := range names {
		t := events.EventType(strings.TrimSpace(name))
		known := false
		for _, k := range events.AllTypes {
			if t == k {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown event type %q", name)
		}
		types = append(types, t)
	}
	return types, nil
}

func printEvent(w io.Writer, ev events.Event, asJSON bool) error {
	if asJSON {
		data, err := ev.ToJSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	_, err := fmt.Fprintln(w, formatEvent(ev))
	return err
}

// formatEvent renders one event as a single human-readable line.
func formatEvent(ev events.Event) string {
	ts := ev.Timestamp().Local().Format("15:04:05")

	if p, ok := events.AsOpened(ev); ok {
		if p.Reconnect {
			return fmt.Sprintf("%s -- reconnected to %s (attempt %d)", ts, ev.GetStream(), p.Attempt)
		}
		return fmt.Sprintf("%s -- connected to %s", ts, ev.GetStream())
	}
	if s, ok := events.AsStatus(ev); ok {
		if s.Reblog != nil {
			return fmt.Sprintf("%s @%s boosted @%s: %s", ts, s.Account.Acct, s.Reblog.Account.Acct, plainText(s.Reblog.Content))
		}
		return fmt.Sprintf("%s @%s: %s", ts, s.Account.Acct, plainText(s.Content))
	}
	if id, ok := events.AsDeletedID(ev); ok {
		return fmt.Sprintf("%s deleted %s", ts, id)
	}
	if n, ok := events.AsNotification(ev); ok {
		line := fmt.Sprintf("%s [%s] @%s", ts, n.Type, n.Account.Acct)
		if n.Status != nil {
			line += ": " + plainText(n.Status.Content)
		}
		return line
	}
	return fmt.Sprintf("%s %s", ts, ev.Type())
}

var (
	breakTags = regexp.MustCompile(`(?i)<br\s*/?>|</p>\s*<p>`)
	anyTag    = regexp.MustCompile(`<[^>]*>`)
)

// plainText flattens status HTML to one line of text.
func plainText(content string) string {
	s := breakTags.ReplaceAllString(content, " ")
	s = anyTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}
