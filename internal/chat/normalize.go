package chat

import (
	"sort"
	"strings"
	"time"
)

// Epoch is the canonical "no timestamp" value. Undated items compare
// before everything else, so they sort last in descending lists.
var Epoch = time.Unix(0, 0).UTC()

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// CanonicalizeTimestamp parses a space- or T-separated timestamp, with
// or without a timezone suffix, into a UTC instant. Missing or
// unparseable input yields Epoch so ordering never fails on bad data.
func CanonicalizeTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Epoch
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return Epoch
}

// CompareByTimeThenID is the shared total order over (timestamp, id):
// -1 if a sorts before b ascending, +1 if after, 0 only when both the
// instant and the id are equal. Equal timestamps tie-break on
// lexicographic id so both stores agree on the final order.
func CompareByTimeThenID(at time.Time, aID string, bt time.Time, bID string) int {
	if at.Before(bt) {
		return -1
	}
	if at.After(bt) {
		return 1
	}
	return strings.Compare(aID, bID)
}

// SortMessagesAscending orders a message stream by (createdAt, id).
func SortMessagesAscending(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return CompareByTimeThenID(msgs[i].CreatedAt, msgs[i].ID, msgs[j].CreatedAt, msgs[j].ID) < 0
	})
}

// SortSummariesDescending orders a conversation list by
// (lastMessageAt, id) descending, newest first.
func SortSummariesDescending(list []ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		return CompareByTimeThenID(list[i].LastMessageAt, list[i].ID, list[j].LastMessageAt, list[j].ID) > 0
	})
}

// DedupeByID keeps the first occurrence of each id, preserving
// relative order. Used when merging fetch pages with push-inserted
// rows that may overlap.
func DedupeByID[T any](items []T, id func(T) string) []T {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, it := range items {
		key := id(it)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

// DeriveIsRead reports whether a message reads as "seen" from the
// agent's perspective. A message I authored is read once the
// counterpart read it; a counterpart's message is read once I did.
// Per-role flags win; the legacy single flag is only consulted when
// the row never carried the per-role pair.
func DeriveIsRead(m Message, mine bool) bool {
	if !m.HasRoleReadFlags {
		return m.LegacyRead
	}
	if mine {
		return m.IsReadByContact
	}
	return m.IsReadByAgent
}

const previewMaxLen = 100

// PhotoPreview is the synthetic preview for attachment-only messages.
const PhotoPreview = "[photo]"

// PreviewText derives the list preview for a message: its body,
// truncated, or the photo placeholder when it carries attachments
// only.
func PreviewText(m Message) string {
	if m.Body != "" {
		if len(m.Body) > previewMaxLen {
			return m.Body[:previewMaxLen]
		}
		return m.Body
	}
	if len(m.Attachments) > 0 {
		return PhotoPreview
	}
	return ""
}
