package gmail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`\Inbox`, "inbox"},
		{`\Important`, "important"},
		{"Work", "work"},
		{" Receipts ", "receipts"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeLabel(tt.in))
		})
	}
}

func TestMessageLabels(t *testing.T) {
	t.Run("includes the folder label", func(t *testing.T) {
		got := MessageLabels([]string{`\Important`, "Work"}, "inbox")
		assert.Equal(t, []string{"important", "inbox", "work"}, got)
	})

	t.Run("deduplicates", func(t *testing.T) {
		got := MessageLabels([]string{`\Inbox`, "inbox", "INBOX"}, "inbox")
		assert.Equal(t, []string{"inbox"}, got)
	})

	t.Run("drops empty labels", func(t *testing.T) {
		got := MessageLabels([]string{"", " "}, "")
		assert.Empty(t, got)
	})
}

func TestLabelDiff(t *testing.T) {
	tests := []struct {
		name        string
		existing    []string
		updated     []string
		wantAdded   []string
		wantRemoved []string
	}{
		{
			name:      "new labels are added",
			existing:  []string{"inbox"},
			updated:   []string{"inbox", "work"},
			wantAdded: []string{"work"},
		},
		{
			name:        "dropped labels are removed",
			existing:    []string{"inbox", "work"},
			updated:     []string{"work"},
			wantRemoved: []string{"inbox"},
		},
		{
			name:     "sent and important are sticky",
			existing: []string{"sent", "important", "inbox"},
			updated:  []string{"inbox"},
		},
		{
			name:        "comparison is normalized",
			existing:    []string{`\Inbox`, "Work"},
			updated:     []string{"inbox", "work", `\Starred`},
			wantAdded:   []string{"starred"},
			wantRemoved: nil,
		},
		{
			name:        "both directions at once",
			existing:    []string{"a", "b"},
			updated:     []string{"b", "c"},
			wantAdded:   []string{"c"},
			wantRemoved: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, removed := LabelDiff(tt.existing, tt.updated)
			assert.Equal(t, tt.wantAdded, added)
			assert.Equal(t, tt.wantRemoved, removed)
		})
	}
}

func TestLabelDiff_ApplyingTwiceIsNoop(t *testing.T) {
	added, removed := LabelDiff([]string{"inbox"}, []string{"inbox", "work"})
	assert.Equal(t, []string{"work"}, added)
	assert.Empty(t, removed)

	added, removed = LabelDiff([]string{"inbox", "work"}, []string{"inbox", "work"})
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestFolderLabel(t *testing.T) {
	assert.Equal(t, "inbox", FolderLabel("inbox", "INBOX"))
	assert.Equal(t, "all", FolderLabel("all", "[Gmail]/All Mail"))
	assert.Equal(t, "receipts", FolderLabel("", "Receipts"))
}
