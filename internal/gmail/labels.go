// Package gmail holds the Gmail-specific rules: label normalization and diffing,
// message deduplication by X-GM-MSGID, and thread expansion through All Mail.
package gmail

import (
	"sort"
	"strings"
)

// StickyLabels are never removed from a thread by a label diff. Gmail keeps a
// conversation in Sent and Important even when individual messages change.
var StickyLabels = map[string]bool{
	"sent":      true,
	"important": true,
}

// NormalizeLabel lower-cases a Gmail label and strips the leading backslash of
// system labels, so `\Inbox` and "inbox" compare equal.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(label), `\`))
}

// MessageLabels is the label set recorded for a uid: the normalized X-GM-LABELS
// plus the label of the folder the uid was seen in. The result is sorted and unique.
func MessageLabels(raw []string, folderLabel string) []string {
	set := make(map[string]struct{}, len(raw)+1)
	for _, l := range raw {
		if n := NormalizeLabel(l); n != "" {
			set[n] = struct{}{}
		}
	}
	if folderLabel != "" {
		set[NormalizeLabel(folderLabel)] = struct{}{}
	}
	return sortedKeys(set)
}

// LabelDiff returns the labels to add to and remove from a thread when a message's
// labels change from existing to updated. Sticky labels are never removed.
func LabelDiff(existing, updated []string) (added, removed []string) {
	old := toSet(existing)
	cur := toSet(updated)

	for l := range cur {
		if _, ok := old[l]; !ok {
			added = append(added, l)
		}
	}
	for l := range old {
		if _, ok := cur[l]; !ok && !StickyLabels[l] {
			removed = append(removed, l)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// FolderLabel is the label a folder contributes to the threads it contains:
// the canonical name when the folder has one, else its normalized real name.
func FolderLabel(canonicalName, name string) string {
	if canonicalName != "" {
		return canonicalName
	}
	return NormalizeLabel(name)
}

func toSet(labels []string) map[string]struct{} {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[NormalizeLabel(l)] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
