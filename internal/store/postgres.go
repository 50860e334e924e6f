package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

var ErrNotFound = errors.New("store: not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Snapshot returns every mirror row owned by ownerEmail across the three
// mirror tables. Content and embeddings are not loaded.
func (s *PostgresStore) Snapshot(ctx context.Context, ownerEmail string) ([]MirrorRecord, error) {
	records := make([]MirrorRecord, 0)
	for _, source := range []Source{SourceDocuments, SourceGroups, SourceUserFolders} {
		items, err := s.snapshotTable(ctx, source, ownerEmail)
		if err != nil {
			return nil, err
		}
		records = append(records, items...)
	}
	return records, nil
}

func (s *PostgresStore) snapshotTable(ctx context.Context, source Source, ownerEmail string) ([]MirrorRecord, error) {
	sizeColumn := "0::bigint"
	userColumn := "''::text"
	switch source {
	case SourceDocuments:
		sizeColumn = "size_bytes"
	case SourceUserFolders:
		userColumn = "user_email"
	}

	query := fmt.Sprintf(`
		SELECT id, file_id, name, file_type, owner_email, %s, service, parent_folder_id, %s,
			COALESCE(metadata::text, '{}'), created_at, last_synced_at
		FROM %s
		WHERE owner_email = $1
		ORDER BY id ASC
	`, userColumn, sizeColumn, string(source))

	rows, err := s.db.QueryContext(ctx, query, ownerEmail)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", source, err)
	}
	defer rows.Close()

	items := make([]MirrorRecord, 0)
	for rows.Next() {
		var (
			item     MirrorRecord
			metadata string
			synced   sql.NullTime
		)
		if err := rows.Scan(
			&item.ID,
			&item.FileID,
			&item.Name,
			&item.Type,
			&item.OwnerEmail,
			&item.UserEmail,
			&item.Service,
			&item.ParentFolderID,
			&item.Size,
			&metadata,
			&item.CreatedAt,
			&synced,
		); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", source, err)
		}
		item.Source = source
		if synced.Valid {
			t := synced.Time
			item.LastSyncedAt = &t
		}
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode %s metadata for %s: %w", source, item.FileID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", source, err)
	}
	return items, nil
}

// InsertDocument stores an ingested file. It returns false when a row for the
// same file and owner already exists.
func (s *PostgresStore) InsertDocument(ctx context.Context, record MirrorRecord) (bool, error) {
	metadata, err := encodeMetadata(record.Metadata)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO documentos_administrador (file_id, name, file_type, owner_email, service, parent_folder_id, content, embedding, size_bytes, metadata, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::real[], $9, $10::jsonb, $11)
		ON CONFLICT (file_id, owner_email) DO NOTHING
	`, record.FileID, record.Name, record.Type, record.OwnerEmail, record.Service, record.ParentFolderID,
		record.Content, encodeVector(record.Embedding), record.Size, metadata, syncedAt(record))
	if err != nil {
		return false, fmt.Errorf("insert document %s: %w", record.FileID, err)
	}
	return rowsChanged(result, "insert document")
}

func (s *PostgresStore) InsertGroupFolder(ctx context.Context, record MirrorRecord) (bool, error) {
	metadata, err := encodeMetadata(record.Metadata)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO grupos_drive (file_id, name, file_type, owner_email, service, parent_folder_id, metadata, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		ON CONFLICT (file_id, owner_email) DO NOTHING
	`, record.FileID, record.Name, record.Type, record.OwnerEmail, record.Service, record.ParentFolderID, metadata, syncedAt(record))
	if err != nil {
		return false, fmt.Errorf("insert group folder %s: %w", record.FileID, err)
	}
	return rowsChanged(result, "insert group folder")
}

func (s *PostgresStore) InsertUserFolder(ctx context.Context, record MirrorRecord) (bool, error) {
	metadata, err := encodeMetadata(record.Metadata)
	if err != nil {
		return false, err
	}
	userEmail := record.UserEmail
	if userEmail == "" {
		userEmail = strings.ToLower(strings.TrimSpace(record.Name))
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO carpetas_usuario (file_id, name, file_type, owner_email, user_email, service, parent_folder_id, metadata, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		ON CONFLICT (file_id, owner_email) DO NOTHING
	`, record.FileID, record.Name, record.Type, record.OwnerEmail, userEmail, record.Service, record.ParentFolderID, metadata, syncedAt(record))
	if err != nil {
		return false, fmt.Errorf("insert user folder %s: %w", record.FileID, err)
	}
	return rowsChanged(result, "insert user folder")
}

func (s *PostgresStore) UserFolderExists(ctx context.Context, fileID, ownerEmail string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM carpetas_usuario WHERE file_id = $1 AND owner_email = $2)
	`, fileID, ownerEmail).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user folder %s: %w", fileID, err)
	}
	return exists, nil
}

func (s *PostgresStore) DocumentExists(ctx context.Context, fileID, ownerEmail string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM documentos_administrador WHERE file_id = $1 AND owner_email = $2)
	`, fileID, ownerEmail).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check document %s: %w", fileID, err)
	}
	return exists, nil
}

// UpdateMirrorRecord rewrites name, type and sync timestamps on the table the
// record came from. Documents also get their size refreshed.
func (s *PostgresStore) UpdateMirrorRecord(ctx context.Context, source Source, fileID, ownerEmail string, update RecordUpdate) (bool, error) {
	if !source.Valid() {
		return false, fmt.Errorf("update mirror record: unknown source %q", source)
	}
	syncedAt := update.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}
	patch, err := json.Marshal(map[string]any{
		"drive_modified_time": update.ModifiedTime.UTC().Format(time.RFC3339),
		"synced_at":           syncedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, fmt.Errorf("encode update metadata: %w", err)
	}

	sizeClause := ""
	args := []any{fileID, ownerEmail, update.Name, update.Type, update.ParentFolderID, string(patch), syncedAt}
	if source == SourceDocuments {
		sizeClause = ", size_bytes = $8"
		args = append(args, update.Size)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET name = $3, file_type = $4, parent_folder_id = COALESCE(NULLIF($5, ''), parent_folder_id),
			metadata = metadata || $6::jsonb, last_synced_at = $7%s
		WHERE file_id = $1 AND owner_email = $2
	`, string(source), sizeClause)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update %s %s: %w", source, fileID, err)
	}
	return rowsChanged(result, "update mirror record")
}

func (s *PostgresStore) DeleteMirrorRecord(ctx context.Context, source Source, fileID, ownerEmail string) (bool, error) {
	if !source.Valid() {
		return false, fmt.Errorf("delete mirror record: unknown source %q", source)
	}
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE file_id = $1 AND owner_email = $2`, string(source)),
		fileID, ownerEmail)
	if err != nil {
		return false, fmt.Errorf("delete %s %s: %w", source, fileID, err)
	}
	return rowsChanged(result, "delete mirror record")
}

func (s *PostgresStore) GetAdminRootFolder(ctx context.Context, ownerEmail string) (AdminRootFolder, error) {
	var folder AdminRootFolder
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_email, root_folder_id, folder_name
		FROM carpeta_administrador
		WHERE owner_email = $1
	`, ownerEmail).Scan(&folder.OwnerEmail, &folder.RootFolderID, &folder.FolderName)
	if errors.Is(err, sql.ErrNoRows) {
		return AdminRootFolder{}, ErrNotFound
	}
	if err != nil {
		return AdminRootFolder{}, fmt.Errorf("read admin root folder: %w", err)
	}
	return folder, nil
}

func (s *PostgresStore) GetAdminCredentials(ctx context.Context, ownerEmail string) (AdminCredentials, error) {
	var creds AdminCredentials
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_email, refresh_token
		FROM carpeta_administrador
		WHERE owner_email = $1
	`, ownerEmail).Scan(&creds.OwnerEmail, &creds.RefreshToken)
	if errors.Is(err, sql.ErrNoRows) {
		return AdminCredentials{}, ErrNotFound
	}
	if err != nil {
		return AdminCredentials{}, fmt.Errorf("read admin credentials: %w", err)
	}
	return creds, nil
}

func (s *PostgresStore) ListExtensionSubfolders(ctx context.Context, ownerEmail string) ([]ExtensionSubfolder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT folder_id, extension, owner_email, folder_name
		FROM subcarpetas_extensiones
		WHERE owner_email = $1
		ORDER BY extension ASC, folder_id ASC
	`, ownerEmail)
	if err != nil {
		return nil, fmt.Errorf("list extension subfolders: %w", err)
	}
	defer rows.Close()

	items := make([]ExtensionSubfolder, 0)
	for rows.Next() {
		var item ExtensionSubfolder
		if err := rows.Scan(&item.FolderID, &item.Extension, &item.OwnerEmail, &item.FolderName); err != nil {
			return nil, fmt.Errorf("scan extension subfolder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extension subfolders: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListSharedAccess(ctx context.Context, folderID, ownerEmail string) ([]SharedAccessRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT folder_id, owner_email, grantee_email, role, created_at
		FROM permisos_carpetas_compartidas
		WHERE folder_id = $1 AND owner_email = $2
		ORDER BY grantee_email ASC
	`, folderID, ownerEmail)
	if err != nil {
		return nil, fmt.Errorf("list shared access: %w", err)
	}
	defer rows.Close()

	items := make([]SharedAccessRecord, 0)
	for rows.Next() {
		var item SharedAccessRecord
		if err := rows.Scan(&item.FolderID, &item.OwnerEmail, &item.GranteeEmail, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan shared access: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shared access: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertSharedAccess(ctx context.Context, record SharedAccessRecord) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO permisos_carpetas_compartidas (folder_id, owner_email, grantee_email, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (folder_id, owner_email, grantee_email) DO NOTHING
	`, record.FolderID, record.OwnerEmail, record.GranteeEmail, record.Role)
	if err != nil {
		return false, fmt.Errorf("insert shared access for %s: %w", record.GranteeEmail, err)
	}
	return rowsChanged(result, "insert shared access")
}

func (s *PostgresStore) DeleteSharedAccess(ctx context.Context, folderID, ownerEmail, granteeEmail string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM permisos_carpetas_compartidas
		WHERE folder_id = $1 AND owner_email = $2 AND grantee_email = $3
	`, folderID, ownerEmail, granteeEmail)
	if err != nil {
		return false, fmt.Errorf("delete shared access for %s: %w", granteeEmail, err)
	}
	return rowsChanged(result, "delete shared access")
}

// TrackTokenUsage records an event row and bumps the running total in one
// statement, so concurrent ingestion never loses an increment.
func (s *PostgresStore) TrackTokenUsage(ctx context.Context, userID string, tokens int64, operation string) error {
	_, err := s.db.ExecContext(ctx, `
		WITH event AS (
			INSERT INTO token_usage_events (user_id, tokens, operation)
			VALUES ($1, $2, $3)
		)
		INSERT INTO user_token_usage (user_id, tokens_used, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET tokens_used = user_token_usage.tokens_used + EXCLUDED.tokens_used, updated_at = NOW()
	`, userID, tokens, operation)
	if err != nil {
		return fmt.Errorf("track token usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementStorageUsage(ctx context.Context, userID string, bytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_storage_usage (user_id, bytes_used, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET bytes_used = user_storage_usage.bytes_used + EXCLUDED.bytes_used, updated_at = NOW()
	`, userID, bytes)
	if err != nil {
		return fmt.Errorf("increment storage usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) MirrorStats(ctx context.Context, ownerEmail string) (MirrorStats, error) {
	var (
		stats  MirrorStats
		synced sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM documentos_administrador WHERE owner_email = $1),
			(SELECT count(*) FROM documentos_administrador WHERE owner_email = $1 AND embedding IS NOT NULL),
			(SELECT count(*) FROM grupos_drive WHERE owner_email = $1),
			(SELECT count(*) FROM carpetas_usuario WHERE owner_email = $1),
			(SELECT count(*) FROM permisos_carpetas_compartidas WHERE owner_email = $1),
			(SELECT max(ts) FROM (
				SELECT max(last_synced_at) AS ts FROM documentos_administrador WHERE owner_email = $1
				UNION ALL SELECT max(last_synced_at) FROM grupos_drive WHERE owner_email = $1
				UNION ALL SELECT max(last_synced_at) FROM carpetas_usuario WHERE owner_email = $1
			) synced),
			COALESCE((SELECT tokens_used FROM user_token_usage WHERE user_id = $1), 0),
			COALESCE((SELECT bytes_used FROM user_storage_usage WHERE user_id = $1), 0)
	`, ownerEmail).Scan(
		&stats.Documents,
		&stats.DocumentsWithVectors,
		&stats.GroupFolders,
		&stats.UserFolders,
		&stats.SharedGrants,
		&synced,
		&stats.TokensUsed,
		&stats.StorageBytes,
	)
	if err != nil {
		return MirrorStats{}, fmt.Errorf("read mirror stats: %w", err)
	}
	if synced.Valid {
		t := synced.Time
		stats.LastSyncedAt = &t
	}
	return stats, nil
}

func rowsChanged(result sql.Result, action string) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", action, err)
	}
	return affected > 0, nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

// encodeVector renders a Postgres array literal, or nil for SQL NULL.
func encodeVector(vector []float32) any {
	if len(vector) == 0 {
		return nil
	}
	var b strings.Builder
	b.Grow(len(vector) * 10)
	b.WriteByte('{')
	for i, v := range vector {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte('}')
	return b.String()
}

func syncedAt(record MirrorRecord) time.Time {
	if record.LastSyncedAt != nil && !record.LastSyncedAt.IsZero() {
		return record.LastSyncedAt.UTC()
	}
	return time.Now().UTC()
}
