package imap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/vdavid/mailsync/internal/models"
)

// attributeCanonical maps SPECIAL-USE and Gmail attributes to canonical folder names.
var attributeCanonical = map[string]string{
	`\all`:       models.CanonicalAll,
	`\archive`:   models.CanonicalArchive,
	`\drafts`:    models.CanonicalDrafts,
	`\flagged`:   models.CanonicalStarred,
	`\important`: models.CanonicalImportant,
	`\junk`:      models.CanonicalSpam,
	`\sent`:      models.CanonicalSent,
	`\trash`:     models.CanonicalTrash,
	`\inbox`:     models.CanonicalInbox,
}

// NamedFolder is one selectable server folder.
type NamedFolder struct {
	Name          string
	CanonicalName string
}

// FolderNames is the resolved folder layout of an account. Names are whatever the
// server uses (often localized); canonical names come from attributes only.
type FolderNames struct {
	canonical map[string]string
	// Extra holds selectable folders without a canonical role, sorted.
	Extra []string
}

// Get returns the real name of a canonical folder, or "".
func (f *FolderNames) Get(canonical string) string {
	return f.canonical[canonical]
}

// Canonical returns a copy of the canonical -> real name map.
func (f *FolderNames) Canonical() map[string]string {
	out := make(map[string]string, len(f.canonical))
	for k, v := range f.canonical {
		out[k] = v
	}
	return out
}

// Folders returns every selectable folder, canonical ones first, sorted by name within each group.
func (f *FolderNames) Folders() []NamedFolder {
	out := make([]NamedFolder, 0, len(f.canonical)+len(f.Extra))
	for canonical, name := range f.canonical {
		out = append(out, NamedFolder{Name: name, CanonicalName: canonical})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for _, name := range f.Extra {
		out = append(out, NamedFolder{Name: name})
	}
	return out
}

// ResolveFolderNames builds FolderNames from LIST responses. \Noselect folders
// are skipped; when two folders claim the same role the first one listed wins.
func ResolveFolderNames(infos []*imap.MailboxInfo) *FolderNames {
	names := &FolderNames{canonical: make(map[string]string)}

	for _, info := range infos {
		if info == nil || hasAttr(info.Attributes, imap.NoSelectAttr) {
			continue
		}

		canonical := ""
		if strings.EqualFold(info.Name, "INBOX") {
			canonical = models.CanonicalInbox
		} else {
			for _, attr := range info.Attributes {
				if c, ok := attributeCanonical[strings.ToLower(attr)]; ok {
					canonical = c
					break
				}
			}
		}

		if canonical != "" {
			if _, taken := names.canonical[canonical]; !taken {
				names.canonical[canonical] = info.Name
				continue
			}
		}
		names.Extra = append(names.Extra, info.Name)
	}

	sort.Strings(names.Extra)
	return names
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}

// FolderNames lists all folders on the server and resolves their roles.
func (c *CrispinClient) FolderNames() (*FolderNames, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.List("", "*", mailboxes)
	}()

	var infos []*imap.MailboxInfo
	for m := range mailboxes {
		infos = append(infos, m)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return ResolveFolderNames(infos), nil
}

func (c *CrispinClient) CreateFolder(name string) error {
	if err := c.client.Create(name); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", name, err)
	}
	return nil
}

func (c *CrispinClient) RenameFolder(oldName, newName string) error {
	if c.selected == oldName {
		if err := c.ClearSelection(); err != nil {
			return err
		}
	}
	if err := c.client.Rename(oldName, newName); err != nil {
		return fmt.Errorf("failed to rename folder %s: %w", oldName, err)
	}
	return nil
}

func (c *CrispinClient) DeleteFolder(name string) error {
	if c.selected == name {
		if err := c.ClearSelection(); err != nil {
			return err
		}
	}
	if err := c.client.Delete(name); err != nil {
		return fmt.Errorf("failed to delete folder %s: %w", name, err)
	}
	return nil
}
