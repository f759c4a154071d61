package ingest

import (
	"os"
	"path/filepath"
)

const (
	workDirSuffix = "-data"
	// PayloadFile is the name of the staged archive inside a work directory.
	PayloadFile = "upload.gz"
)

// WorkDir is the directory owned by a single object under root.
func WorkDir(root, objectID string) string {
	return filepath.Join(root, objectID+workDirSuffix)
}

func PayloadPath(root, objectID string) string {
	return filepath.Join(WorkDir(root, objectID), PayloadFile)
}

// StagedSize returns the size of the staged archive, or 0 when none exists.
func StagedSize(root, objectID string) int64 {
	fi, err := os.Stat(PayloadPath(root, objectID))
	if err != nil {
		return 0
	}
	return fi.Size()
}
