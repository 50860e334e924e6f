package drive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"brify/api/internal/validation"
)

const FolderMimeType = "application/vnd.google-apps.folder"

var (
	ErrUnauthorized = errors.New("drive: unauthorized")
	ErrNotFound     = errors.New("drive: not found")
)

// File is a Drive entry as the API reports it, before validation.
type File struct {
	ID           string `validate:"required"`
	Name         string `validate:"required"`
	MimeType     string `validate:"required"`
	Size         int64  `validate:"gte=0"`
	CreatedTime  string
	ModifiedTime string
	Parents      []string
	Shared       bool
}

type Page struct {
	Files         []File
	NextPageToken string
}

type Permission struct {
	ID           string
	Type         string
	Role         string
	EmailAddress string
}

// Node is a validated file or folder observed during a walk. It is never persisted.
type Node struct {
	ID             string
	Name           string
	MimeType       string
	Size           int64
	CreatedTime    time.Time
	ModifiedTime   time.Time
	ParentFolderID string
	IsFolder       bool
	ExtensionTag   string
	Shared         bool
}

// NodeFromFile validates f and converts it into a Node.
func NodeFromFile(f File, parentFolderID string) (Node, error) {
	f.ID = strings.TrimSpace(f.ID)
	f.MimeType = strings.TrimSpace(f.MimeType)
	if err := validation.Struct(f); err != nil {
		return Node{}, fmt.Errorf("invalid drive entry %q: %w", f.ID, err)
	}

	created, err := parseTime(f.CreatedTime)
	if err != nil {
		return Node{}, fmt.Errorf("invalid createdTime on %s: %w", f.ID, err)
	}
	modified, err := parseTime(f.ModifiedTime)
	if err != nil {
		return Node{}, fmt.Errorf("invalid modifiedTime on %s: %w", f.ID, err)
	}

	parent := parentFolderID
	if parent == "" && len(f.Parents) > 0 {
		parent = f.Parents[0]
	}

	node := Node{
		ID:             f.ID,
		Name:           f.Name,
		MimeType:       f.MimeType,
		Size:           f.Size,
		CreatedTime:    created,
		ModifiedTime:   modified,
		ParentFolderID: parent,
		IsFolder:       f.MimeType == FolderMimeType,
		Shared:         f.Shared,
	}
	if node.IsFolder {
		node.Size = 0
	}
	return node, nil
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}

// IsOwner reports whether the permission belongs to the owner of the file.
func (p Permission) IsOwner() bool {
	return p.Role == "owner"
}
