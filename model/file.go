package model

import (
	"time"

	"github.com/arejula27/otree/core"
)

// Block describes a contiguous run of rows of one cube inside a data file.
// Replicated blocks hold rows duplicated from an ancestor cube during
// optimization; they widen query coverage and never change row ownership.
type Block struct {
	Cube         core.CubeID `json:"cube"`
	RevisionID   int64       `json:"revisionId"`
	ElementCount int64       `json:"elementCount"`
	MinWeight    core.Weight `json:"minWeight"`
	MaxWeight    core.Weight `json:"maxWeight"`
	Replicated   bool        `json:"replicated,omitempty"`
}

// IndexFile is the metadata of one immutable data file: which cubes it
// serves, under which revision, and the physical attributes the commit log
// records. Files are only ever added or tombstoned, never edited.
type IndexFile struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	DataChange bool      `json:"dataChange"`
	ModTime    time.Time `json:"modTime"`
	RevisionID int64     `json:"revisionId"`
	Blocks     []Block   `json:"blocks"`
}

// ElementCount returns the total rows across the file's blocks.
func (f *IndexFile) ElementCount() int64 {
	var n int64
	for _, b := range f.Blocks {
		n += b.ElementCount
	}
	return n
}

// RemoveFile tombstones a data file replaced by optimization. The file's
// bytes outlive the tombstone until vacuum; readers of older table versions
// may still need them.
type RemoveFile struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	DeletedAt time.Time `json:"deletedAt"`
}
