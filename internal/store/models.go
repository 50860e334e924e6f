package store

import "time"

// Source names the mirror table a record was read from.
type Source string

const (
	SourceDocuments   Source = "documentos_administrador"
	SourceGroups      Source = "grupos_drive"
	SourceUserFolders Source = "carpetas_usuario"
)

func (s Source) Valid() bool {
	switch s {
	case SourceDocuments, SourceGroups, SourceUserFolders:
		return true
	}
	return false
}

// IsFolder reports whether the table holds folder rows.
func (s Source) IsFolder() bool {
	return s == SourceGroups || s == SourceUserFolders
}

// MirrorRecord is the last known view of one Drive entry, normalized across
// the three mirror tables.
type MirrorRecord struct {
	Source         Source
	ID             int64
	FileID         string
	Name           string
	Type           string
	OwnerEmail     string
	UserEmail      string
	Service        string
	ParentFolderID string
	Content        string
	Embedding      []float32
	Size           int64
	CreatedAt      time.Time
	LastSyncedAt   *time.Time
	Metadata       map[string]any
}

// SyncReference is the timestamp a record was last brought in line with Drive.
func (r MirrorRecord) SyncReference() time.Time {
	if r.LastSyncedAt != nil && !r.LastSyncedAt.IsZero() {
		return *r.LastSyncedAt
	}
	return r.CreatedAt
}

// RecordUpdate carries the metadata an UPDATE rewrites. Content and embeddings
// are left alone.
type RecordUpdate struct {
	Name           string
	Type           string
	Size           int64
	ParentFolderID string
	ModifiedTime   time.Time
	SyncedAt       time.Time
}

type ExtensionSubfolder struct {
	FolderID   string
	Extension  string
	OwnerEmail string
	FolderName string
}

type AdminRootFolder struct {
	OwnerEmail   string
	RootFolderID string
	FolderName   string
}

type AdminCredentials struct {
	OwnerEmail   string
	RefreshToken string
}

type SharedAccessRecord struct {
	FolderID     string
	OwnerEmail   string
	GranteeEmail string
	Role         string
	CreatedAt    time.Time
}

type MirrorStats struct {
	Documents            int
	DocumentsWithVectors int
	GroupFolders         int
	UserFolders          int
	SharedGrants         int
	LastSyncedAt         *time.Time
	TokensUsed           int64
	StorageBytes         int64
}
