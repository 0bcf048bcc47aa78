// Package batch groups the journal records drained in one cycle by the
// systemd unit that produced them.
package batch

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/setevik/logpublisher/internal/watcher"
)

// Separator joins the messages of a group into one payload.
const Separator = "\n"

// Group holds the messages of one origin in drain order.
type Group struct {
	Origin   string
	Messages []string
}

// Body returns the messages joined by Separator.
func (g *Group) Body() string {
	return strings.Join(g.Messages, Separator)
}

// Batch is the result of aggregating one cycle. It is discarded after flush.
type Batch struct {
	ID      string
	Groups  map[string]*Group
	Entries int // decoded entries placed in a group
	Skipped int // records dropped for decode errors
}

// Aggregate groups records by origin. Records carrying a decode error are
// logged and skipped; they never create a group.
func Aggregate(records []watcher.Record) *Batch {
	b := &Batch{
		ID:     uuid.NewString(),
		Groups: make(map[string]*Group),
	}

	for _, rec := range records {
		if rec.Err != nil {
			b.Skipped++
			slog.Warn("skipping undecodable journal entry", "cycle", b.ID, "error", rec.Err)
			continue
		}

		origin := rec.Entry.Origin
		g, ok := b.Groups[origin]
		if !ok {
			g = &Group{Origin: origin}
			b.Groups[origin] = g
		}
		g.Messages = append(g.Messages, rec.Entry.Message)
		b.Entries++
	}

	return b
}

// Empty reports whether the batch has nothing to publish.
func (b *Batch) Empty() bool {
	return len(b.Groups) == 0
}

// Sorted returns the groups ordered by origin, for stable logs and tests.
func (b *Batch) Sorted() []*Group {
	groups := make([]*Group, 0, len(b.Groups))
	for _, g := range b.Groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Origin < groups[j].Origin
	})
	return groups
}
