package filesync

import (
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const conflictSuffix = ".conflict.md"

// ConflictCopy preserves the local version that lost a conflict. Patch turns
// the winning remote text back into the local text.
type ConflictCopy struct {
	NoteID    string    `json:"noteId"`
	Provider  string    `json:"provider"`
	FileName  string    `json:"fileName"`
	Content   string    `json:"content"`
	Checksum  string    `json:"checksum"`
	Patch     string    `json:"patch"`
	CreatedAt time.Time `json:"createdAt"`
}

func newConflictCopy(noteID, provider, fileName, remote, local string, at time.Time) *ConflictCopy {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(remote, local, true)
	if len(diffs) > 2 {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}
	patches := dmp.PatchMake(remote, diffs)

	return &ConflictCopy{
		NoteID:    noteID,
		Provider:  provider,
		FileName:  ConflictFileName(fileName),
		Content:   local,
		Checksum:  Checksum(local),
		Patch:     dmp.PatchToText(patches),
		CreatedAt: at,
	}
}

// ConflictFileName derives "<base>.conflict.md" from a note file name.
func ConflictFileName(fileName string) string {
	base := strings.TrimSuffix(fileName, ".md")
	if base == "" {
		base = "untitled"
	}
	return base + conflictSuffix
}

// Restore applies the patch to remote and reports whether every hunk applied.
func (c *ConflictCopy) Restore(remote string) (string, bool) {
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(c.Patch)
	if err != nil {
		return remote, false
	}
	out, applied := dmp.PatchApply(patches, remote)
	for _, ok := range applied {
		if !ok {
			return out, false
		}
	}
	return out, true
}
