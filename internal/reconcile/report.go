package reconcile

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	ruleWide   = 60
	ruleNarrow = 40
)

// reportInput is everything renderReport needs. Orphan lists must be sorted.
type reportInput struct {
	RunID           string
	Generated       time.Time
	StoreCount      int
	IndexCount      int
	OrphanedInStore []string
	OrphanedInIndex []string
	SampleLimit     int
}

// renderReport formats a plain-text drift report. Samples are the first
// SampleLimit keys of each sorted list.
func renderReport(in reportInput) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	wide := strings.Repeat("=", ruleWide)
	narrow := strings.Repeat("-", ruleNarrow)

	line("%s", wide)
	line("OBJECT STORE / INDEX RECONCILIATION REPORT")
	line("Run:       %s", in.RunID)
	line("Generated: %s", in.Generated.UTC().Format(time.RFC3339))
	line("%s", wide)
	line("")
	line("SUMMARY")
	line("%s", narrow)
	line("Total objects in store:      %s", humanize.Comma(int64(in.StoreCount)))
	line("Total keys tracked by index: %s", humanize.Comma(int64(in.IndexCount)))
	line("")
	line("Orphaned in store (not indexed):    %s", humanize.Comma(int64(len(in.OrphanedInStore))))
	line("Orphaned in index (object missing): %s", humanize.Comma(int64(len(in.OrphanedInIndex))))
	line("")

	samples := func(title string, keys []string) {
		if len(keys) == 0 {
			return
		}
		line("%s (sample, max %d):", title, in.SampleLimit)
		line("%s", narrow)
		for i, k := range keys {
			if i == in.SampleLimit {
				line("  ... and %s more", humanize.Comma(int64(len(keys)-in.SampleLimit)))
				break
			}
			line("  - %s", k)
		}
		line("")
	}
	samples("OBJECTS IN STORE WITHOUT INDEX RECORD", in.OrphanedInStore)
	samples("INDEX RECORDS WITHOUT STORE OBJECT", in.OrphanedInIndex)

	line("RECOMMENDED ACTIONS:")
	line("%s", narrow)
	if len(in.OrphanedInStore) == 0 && len(in.OrphanedInIndex) == 0 {
		line("  None. Store and index are in sync.")
	}
	if len(in.OrphanedInStore) > 0 {
		line("")
		line("For objects in the store without index records:")
		line("  Option 1: Run a backfill to process these objects")
		line("            instidx backfill --prefix raw/")
		line("  Option 2: Investigate why the manifest was not ingested")
		line("")
	}
	if len(in.OrphanedInIndex) > 0 {
		line("")
		line("For index records without store objects:")
		line("  Option 1: Remove the records if the objects were intentionally deleted")
		line("  Option 2: Investigate, stored objects are expected to be immutable")
		line("")
	}
	b.WriteString(wide)
	return b.String()
}

func errorReport(runID string, at time.Time, err error) string {
	return fmt.Sprintf(`Reconciliation run %s encountered an error:

%v

Check the instidx logs for more details.

Time: %s
`, runID, err, at.UTC().Format(time.RFC3339))
}
