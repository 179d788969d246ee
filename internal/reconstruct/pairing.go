package reconstruct

import (
	"context"
	"log/slog"
	"sort"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
)

// cancelCheckEvery bounds how much work happens between context checks.
const cancelCheckEvery = 256

// DropReason explains why a candidate pair produced no block.
type DropReason string

const (
	DropBelowThreshold DropReason = "below_threshold"
	DropAmbiguousTie   DropReason = "ambiguous_tie"
)

// DroppedPair is a candidate pair rejected as sensor noise.
type DroppedPair struct {
	Insert domain.PresenceEvent
	Remove domain.PresenceEvent
	Reason DropReason
}

// Result is the outcome of reconstructing one tag. Orphans are events with
// no qualifying partner yet; they are not failures.
type Result struct {
	TagID   string
	Blocks  []domain.TimeBlock
	Orphans []domain.PresenceEvent
	Dropped []DroppedPair
	Skipped int
}

// instant groups the events sharing one timestamp, partitioned by type.
type instant struct {
	size    int
	inserts []int
	removes []int
}

// Pair runs the pairing rules over the complete history of one tag. The input
// slice is not modified. Malformed records are skipped with a warning.
func Pair(ctx context.Context, tagID string, events []domain.PresenceEvent, policy Policy, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res := Result{TagID: tagID}

	ordered := make([]domain.PresenceEvent, 0, len(events))
	for i, ev := range events {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
		if reason := malformed(tagID, ev); reason != "" {
			logger.Warn("skipping malformed stored event", "tag_id", tagID, "event_id", ev.ID, "reason", reason)
			res.Skipped++
			continue
		}
		ordered = append(ordered, ev)
	}

	sort.SliceStable(ordered, func(a, b int) bool {
		ta, tb := ordered[a].OccurredAt, ordered[b].OccurredAt
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return ordered[a].Seq < ordered[b].Seq
	})

	instants := groupByInstant(ordered)
	paired := make([]bool, len(ordered))
	noise := make([]bool, len(ordered))

	// Any event lying between two instant groups interrupts a pair, so only
	// inserts of one group and removes of the next group are candidates.
	for g := 0; g+1 < len(instants); g++ {
		if g%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
		cur, next := instants[g], instants[g+1]
		for _, i := range cur.inserts {
			for _, r := range next.removes {
				ins, rem := ordered[i], ordered[r]
				if policy.TieBreak != TieBreakStrict && (cur.size > 1 || next.size > 1) {
					res.Dropped = append(res.Dropped, DroppedPair{Insert: ins, Remove: rem, Reason: DropAmbiguousTie})
					noise[i], noise[r] = true, true
					continue
				}
				if rem.OccurredAt.Sub(ins.OccurredAt) < policy.MinDuration {
					res.Dropped = append(res.Dropped, DroppedPair{Insert: ins, Remove: rem, Reason: DropBelowThreshold})
					noise[i], noise[r] = true, true
					continue
				}
				res.Blocks = append(res.Blocks, newBlock(ins, rem, policy))
				paired[i], paired[r] = true, true
			}
		}
	}

	for i, ev := range ordered {
		if !paired[i] && !noise[i] {
			res.Orphans = append(res.Orphans, ev)
		}
	}
	return res, nil
}

func groupByInstant(ordered []domain.PresenceEvent) []instant {
	var out []instant
	for i, ev := range ordered {
		if i == 0 || !ev.OccurredAt.Equal(ordered[i-1].OccurredAt) {
			out = append(out, instant{})
		}
		g := &out[len(out)-1]
		g.size++
		switch ev.Type {
		case domain.EventInserted:
			g.inserts = append(g.inserts, i)
		case domain.EventRemoved:
			g.removes = append(g.removes, i)
		}
	}
	return out
}

func newBlock(ins, rem domain.PresenceEvent, policy Policy) domain.TimeBlock {
	loc := policy.ZoneFor(ins.TagID, ins.DeviceID)
	return domain.TimeBlock{
		TagID:        ins.TagID,
		DeviceID:     ins.DeviceID,
		StartEventID: ins.ID,
		EndEventID:   rem.ID,
		StartAt:      ins.OccurredAt,
		EndAt:        rem.OccurredAt,
		Duration:     rem.OccurredAt.Sub(ins.OccurredAt),
		ActivityDate: ins.OccurredAt.In(loc).Format(domain.ActivityDateLayout),
	}
}

func malformed(tagID string, ev domain.PresenceEvent) string {
	switch {
	case ev.ID == "":
		return "missing_id"
	case ev.TagID != tagID:
		return "tag_mismatch"
	case !ev.Type.Valid():
		return "unknown_event_type"
	case ev.OccurredAt.IsZero():
		return "missing_timestamp"
	case ev.TagPresent != ev.Type.ExpectedPresence():
		return "presence_mismatch"
	}
	return ""
}
