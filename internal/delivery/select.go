package delivery

import (
	"context"
	"fmt"
	"time"

	"mhm/internal/prefs"
	"mhm/internal/timewindow"
	"mhm/pkg/logx"
)

// selectPredefined draws one message from the user's library for the
// category:
//
//  1. keep messages whose weekday filter matches today;
//  2. split them into window-specific matches for the current time and
//     ALL-tagged fallbacks, dropping messages tagged only with windows
//     that do not match now;
//  3. drop recently sent messages (dedup window); if that empties the
//     pool, fall back to the full time-filtered set rather than sending
//     nothing;
//  4. draw with a bias toward window-specific messages.
func (o *Orchestrator) selectPredefined(ctx context.Context, userID, category string, now time.Time) (prefs.LibraryMessage, error) {
	lib, err := o.prefs.MessageLibrary(userID, category)
	if err != nil {
		return prefs.LibraryMessage{}, err
	}
	if len(lib) == 0 {
		return prefs.LibraryMessage{}, fmt.Errorf("empty message library")
	}

	matched := o.matchingWindowNames(userID, category, now)

	var specific, fallback []prefs.LibraryMessage
	for _, m := range lib {
		if !m.Days.Contains(now.Weekday()) {
			continue
		}
		tag := classifyTags(m.Windows, matched)
		switch tag {
		case tagSpecific:
			specific = append(specific, m)
		case tagFallback:
			fallback = append(fallback, m)
		}
	}
	if len(specific) == 0 && len(fallback) == 0 {
		return prefs.LibraryMessage{}, fmt.Errorf("no messages match current day and window")
	}

	recent := o.recentIDs(ctx, userID, category, now)
	freshSpecific := withoutRecent(specific, recent)
	freshFallback := withoutRecent(fallback, recent)
	if len(freshSpecific) == 0 && len(freshFallback) == 0 {
		// Everything was sent recently; repeating beats silence.
		o.log.Debug("dedup exhausted message pool, using full set",
			logx.String("user_id", userID),
			logx.String("category", category))
	} else {
		specific, fallback = freshSpecific, freshFallback
	}

	return o.draw(specific, fallback), nil
}

type windowTag int

const (
	tagExcluded windowTag = iota
	tagSpecific
	tagFallback
)

// classifyTags decides which pool a message belongs to. Untagged messages
// count as ALL.
func classifyTags(tags []string, matched map[string]bool) windowTag {
	if len(tags) == 0 {
		return tagFallback
	}
	out := tagExcluded
	for _, t := range tags {
		if t == timewindow.FallbackName {
			if out == tagExcluded {
				out = tagFallback
			}
			continue
		}
		if matched[t] {
			return tagSpecific
		}
	}
	return out
}

// matchingWindowNames returns the names of the category's active windows
// that contain the instant now. Window lookup failures degrade to "no
// specific match" instead of blocking the send.
func (o *Orchestrator) matchingWindowNames(userID, category string, now time.Time) map[string]bool {
	ws, err := o.prefs.Windows(userID, category)
	if err != nil {
		return nil
	}
	minutes := now.Hour()*60 + now.Minute()
	matched := map[string]bool{}
	for _, w := range ws {
		if !w.Active || w.IsFallback() || !w.MatchesDay(now) {
			continue
		}
		if minutes >= w.Start.Minutes() && minutes < w.End.Minutes() {
			matched[w.Name] = true
		}
	}
	return matched
}

func (o *Orchestrator) recentIDs(ctx context.Context, userID, category string, now time.Time) map[string]bool {
	if o.hist == nil {
		return nil
	}
	rows, err := o.hist.Recent(ctx, userID, category, o.cfg.DedupScan)
	if err != nil {
		o.log.Warn("dedup lookup failed", logx.Err(err))
		return nil
	}
	cutoff := now.Add(-o.cfg.DedupWindow)
	ids := map[string]bool{}
	for _, r := range rows {
		if r.SentAt.After(cutoff) {
			ids[r.MessageID] = true
		}
	}
	return ids
}

func withoutRecent(msgs []prefs.LibraryMessage, recent map[string]bool) []prefs.LibraryMessage {
	if len(recent) == 0 {
		return msgs
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if !recent[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// draw picks from the specific pool with probability WindowBias when both
// pools are populated, otherwise from whichever pool has entries.
func (o *Orchestrator) draw(specific, fallback []prefs.LibraryMessage) prefs.LibraryMessage {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	pool := fallback
	switch {
	case len(specific) > 0 && len(fallback) > 0:
		if o.rng.Float64() < o.cfg.WindowBias {
			pool = specific
		}
	case len(specific) > 0:
		pool = specific
	}
	return pool[o.rng.Intn(len(pool))]
}
