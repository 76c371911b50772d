package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/predicatelabs/predicate-go/backend"
)

func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// dedupeKey is a best-effort stable identity for an element across
// scroll-sampled snapshots. IDs and bbox coordinates are not reliable across
// snapshots; href/name/text plus approximate document position are.
func dedupeKey(el *Element) string {
	if href := strings.TrimSpace(el.Href); href != "" {
		return "href\x00" + href
	}
	if name := normalizeWS(el.Name); name != "" {
		return "role_name\x00" + el.Role + "\x00" + name
	}
	text := normalizeWS(el.Text)
	if text != "" {
		if len(text) > 120 {
			text = text[:120]
		}
		if el.DocY != nil {
			return fmt.Sprintf("role_text_docy\x00%s\x00%s\x00%d", el.Role, text, int(*el.DocY)/10)
		}
		return "role_text\x00" + el.Role + "\x00" + text
	}
	if el.DocY != nil {
		return fmt.Sprintf("role_docy\x00%s\x00%d", el.Role, int(*el.DocY)/10)
	}
	return fmt.Sprintf("id\x00%d", el.ID)
}

// qualityScore orders duplicate candidates; higher wins. Lexicographic over
// (importance, has_href, has_text, has_name, has_doc_y).
func qualityScore(el *Element) [5]int {
	score := [5]int{el.Importance, 0, 0, 0, 0}
	if strings.TrimSpace(el.Href) != "" {
		score[1] = 1
	}
	if normalizeWS(el.Text) != "" {
		score[2] = 1
	}
	if normalizeWS(el.Name) != "" {
		score[3] = 1
	}
	if el.DocY != nil {
		score[4] = 1
	}
	return score
}

func scoreLess(a, b [5]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Merge combines snapshots into a single union snapshot for analysis and
// extraction. The merged bboxes are not valid for direct clicking and the
// screenshot is dropped.
func Merge(snaps []*Snapshot, unionLimit int) (*Snapshot, error) {
	if len(snaps) == 0 {
		return nil, errors.New("merge requires at least one snapshot")
	}

	bestByKey := map[string]Element{}
	firstSeen := map[string]int{}
	idx := 0
	for _, snap := range snaps {
		for i := range snap.Elements {
			el := snap.Elements[i]
			k := dedupeKey(&el)
			if _, ok := firstSeen[k]; !ok {
				firstSeen[k] = idx
			}
			if prev, ok := bestByKey[k]; !ok || scoreLess(qualityScore(&prev), qualityScore(&el)) {
				bestByKey[k] = el
			}
			idx++
		}
	}

	merged := make([]Element, 0, len(bestByKey))
	for _, el := range bestByKey {
		merged = append(merged, el)
	}

	// Document order when doc_y is available, descending importance on ties;
	// elements without doc_y go last in first-seen order.
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := &merged[i], &merged[j]
		switch {
		case a.DocY != nil && b.DocY != nil:
			if *a.DocY != *b.DocY {
				return *a.DocY < *b.DocY
			}
			return a.Importance > b.Importance
		case a.DocY != nil:
			return true
		case b.DocY != nil:
			return false
		default:
			return firstSeen[dedupeKey(a)] < firstSeen[dedupeKey(b)]
		}
	})

	if unionLimit > 0 && len(merged) > unionLimit {
		merged = merged[:unionLimit]
	}

	base := snaps[0]
	out := *base
	out.Elements = merged
	out.Screenshot = ""
	out.ScreenshotFormat = ""
	return &out, nil
}

// SampledOptions tunes Sampled.
type SampledOptions struct {
	// Samples is the number of snapshots to take; values <= 1 degrade to a
	// single Take.
	Samples int

	// ScrollDeltaY overrides the per-sample scroll distance. Zero or negative
	// means 90% of the viewport height, but at least 200px.
	ScrollDeltaY float64

	// SettleMS is the pause after each scroll before snapshotting.
	SettleMS int

	// UnionLimit caps the merged element count; zero means no cap.
	UnionLimit int

	// RestoreScroll scrolls back to the starting position afterwards.
	RestoreScroll bool
}

// Sampled takes K snapshots while scrolling down between samples and merges
// them. Intended for long or virtualized pages where one viewport snapshot is
// insufficient.
func Sampled(ctx context.Context, b backend.Backend, opts *Options, sampled SampledOptions) (*Snapshot, error) {
	k := sampled.Samples
	if k <= 1 {
		return Take(ctx, b, opts)
	}

	baseScrollY := 0.0
	viewportH := 800.0
	if v, err := b.Eval(ctx, "({y: window.scrollY, h: window.innerHeight})"); err == nil {
		if m, ok := v.(map[string]any); ok {
			if y, ok := m["y"].(float64); ok {
				baseScrollY = y
			}
			if h, ok := m["h"].(float64); ok && h > 0 {
				viewportH = h
			}
		}
	}

	delta := sampled.ScrollDeltaY
	if delta <= 0 {
		delta = math.Max(200, viewportH*0.9)
	}
	settle := time.Duration(sampled.SettleMS) * time.Millisecond

	var snaps []*Snapshot
	first, err := Take(ctx, b, opts)
	if err != nil {
		return nil, err
	}
	snaps = append(snaps, first)

	for i := 1; i < k; i++ {
		if err := b.Wheel(ctx, delta, nil, nil); err != nil {
			// Wheel can fail on exotic pages; fall back to a direct scroll.
			if _, evalErr := b.Eval(ctx, fmt.Sprintf("window.scrollBy(0, %g)", delta)); evalErr != nil {
				break
			}
		}
		if settle > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(settle):
			}
		}
		snap, err := Take(ctx, b, opts)
		if err != nil {
			break
		}
		snaps = append(snaps, snap)
	}

	if sampled.RestoreScroll {
		_, _ = b.Eval(ctx, fmt.Sprintf("window.scrollTo(0, %g)", baseScrollY))
	}

	return Merge(snaps, sampled.UnionLimit)
}
