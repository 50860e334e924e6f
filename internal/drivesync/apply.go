package drivesync

import (
	"context"
	"errors"
	"fmt"

	"brify/api/internal/drive"
	"brify/api/internal/ingest"
	"brify/api/internal/logging"
	"brify/api/internal/metrics"
	"brify/api/internal/store"
)

type applyRun struct {
	svc     *Service
	guard   Protection
	session Session
	acl     *AccessMirror
}

// apply runs one action. It returns an error only when ctx is done; every
// other failure lands in result.Errors.
func (r *applyRun) apply(ctx context.Context, action Discrepancy, result *Result) error {
	var err error
	switch action.Kind {
	case KindAdd:
		err = r.add(ctx, action, result)
	case KindUpdate:
		err = r.update(ctx, action, result)
	case KindRemove:
		err = r.remove(ctx, action, result)
	default:
		r.fail(ctx, result, action, "dispatch", fmt.Errorf("unknown action kind %q", action.Kind))
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		r.fail(ctx, result, action, "apply", err)
	}
	return nil
}

func (r *applyRun) fail(ctx context.Context, result *Result, action Discrepancy, step string, err error) {
	result.Errors = append(result.Errors, ItemError{Action: action, Step: step, Err: err})
	metrics.SyncActions.WithLabelValues(string(action.Kind), "failed").Inc()
	logging.Ctx(ctx).Warn().
		Err(err).
		Str("kind", string(action.Kind)).
		Str("file_id", action.FileID()).
		Str("step", step).
		Msg("sync action failed")
}

func (r *applyRun) skip(result *Result, action Discrepancy, table store.Source, reason string) {
	result.Skipped = append(result.Skipped, Applied{
		Kind:   action.Kind,
		FileID: action.FileID(),
		Name:   action.Name(),
		Table:  table,
		Reason: reason,
	})
	metrics.SyncActions.WithLabelValues(string(action.Kind), "skipped").Inc()
}

func applied(action Discrepancy, table store.Source) Applied {
	return Applied{Kind: action.Kind, FileID: action.FileID(), Name: action.Name(), Table: table}
}

func (r *applyRun) add(ctx context.Context, action Discrepancy, result *Result) error {
	node := action.Node
	if node.ID == "" {
		return errors.New("add action has no drive node")
	}
	if node.IsFolder {
		return r.addFolder(ctx, action, result)
	}

	// Ingesting charges the owner's token quota, so known files stop here.
	exists, err := r.svc.store.DocumentExists(ctx, node.ID, r.svc.cfg.Owner)
	if err != nil {
		return fmt.Errorf("check document: %w", err)
	}
	if exists {
		r.skip(result, action, store.SourceDocuments, "already mirrored")
		return nil
	}

	outcome, err := r.session.Ingest.Ingest(ctx, node, r.svc.cfg.Owner)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	for _, warning := range outcome.Warnings {
		result.Errors = append(result.Errors, ItemError{Action: action, Step: "ingest", Err: warning})
	}

	inserted, err := r.svc.store.InsertDocument(ctx, outcome.Record)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if !inserted {
		r.skip(result, action, store.SourceDocuments, "already mirrored")
		return nil
	}

	done := applied(action, store.SourceDocuments)
	done.EmbeddingGenerated = outcome.EmbeddingGenerated
	result.Added = append(result.Added, done)
	metrics.SyncActions.WithLabelValues(string(KindAdd), "applied").Inc()

	// The row stays even when accounting fails; a later run does not retry it.
	if outcome.EmbeddingGenerated {
		bytes := ingest.StorageBytes(outcome.Record.Embedding)
		if err := r.svc.store.IncrementStorageUsage(ctx, r.svc.cfg.Owner, bytes); err != nil {
			result.Errors = append(result.Errors, ItemError{Action: action, Step: "storage usage", Err: err})
		}
	}
	r.indexDocument(ctx, action, result, outcome.Record)
	return nil
}

func (r *applyRun) addFolder(ctx context.Context, action Discrepancy, result *Result) error {
	node := action.Node
	table, inserted, err := r.svc.insertFolder(ctx, node)
	if err != nil {
		return err
	}
	if !inserted {
		r.skip(result, action, table, "already mirrored")
	} else {
		result.Added = append(result.Added, applied(action, table))
		metrics.SyncActions.WithLabelValues(string(KindAdd), "applied").Inc()
	}
	r.syncAccess(ctx, action, result, node)
	return nil
}

func (r *applyRun) update(ctx context.Context, action Discrepancy, result *Result) error {
	node, record := action.Node, action.Record
	if !record.Source.Valid() {
		return fmt.Errorf("update action has unknown table %q", record.Source)
	}

	syncedAt := r.svc.now()
	updated, err := r.svc.store.UpdateMirrorRecord(ctx, record.Source, node.ID, r.svc.cfg.Owner, store.RecordUpdate{
		Name:           node.Name,
		Type:           node.MimeType,
		Size:           node.Size,
		ParentFolderID: node.ParentFolderID,
		ModifiedTime:   node.ModifiedTime,
		SyncedAt:       syncedAt,
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", record.Source, err)
	}
	if !updated {
		r.skip(result, action, record.Source, "no longer mirrored")
		return nil
	}
	result.Updated = append(result.Updated, applied(action, record.Source))
	metrics.SyncActions.WithLabelValues(string(KindUpdate), "applied").Inc()

	if record.Source == store.SourceDocuments {
		record.Name = node.Name
		record.Type = node.MimeType
		record.ParentFolderID = node.ParentFolderID
		record.Size = node.Size
		record.LastSyncedAt = &syncedAt
		record.Content = ""
		r.indexDocument(ctx, action, result, record)
		return nil
	}
	r.syncAccess(ctx, action, result, node)
	return nil
}

func (r *applyRun) remove(ctx context.Context, action Discrepancy, result *Result) error {
	record := action.Record
	if r.guard.Protects(record) {
		return nil
	}
	if !record.Source.Valid() {
		return fmt.Errorf("remove action has unknown table %q", record.Source)
	}

	deleted, err := r.svc.store.DeleteMirrorRecord(ctx, record.Source, record.FileID, r.svc.cfg.Owner)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", record.Source, err)
	}
	if !deleted {
		r.skip(result, action, record.Source, "already removed")
		return nil
	}
	result.Removed = append(result.Removed, applied(action, record.Source))
	metrics.SyncActions.WithLabelValues(string(KindRemove), "applied").Inc()

	if record.Source.IsFolder() {
		if r.acl != nil {
			if _, err := r.acl.Revoke(ctx, record.FileID, r.svc.cfg.Owner); err != nil {
				result.Errors = append(result.Errors, ItemError{Action: action, Step: "revoke access", Err: err})
			}
		}
		return nil
	}

	if r.svc.index != nil {
		if err := r.svc.index.DeleteDocument(ctx, r.svc.cfg.Owner, record.FileID); err != nil {
			result.Errors = append(result.Errors, ItemError{Action: action, Step: "search index", Err: err})
		}
	}
	if r.svc.archive != nil {
		if err := r.svc.archive.Remove(ctx, r.svc.cfg.Owner, record.FileID); err != nil {
			result.Errors = append(result.Errors, ItemError{Action: action, Step: "archive", Err: err})
		}
	}
	return nil
}

func (r *applyRun) indexDocument(ctx context.Context, action Discrepancy, result *Result, record store.MirrorRecord) {
	if r.svc.index == nil {
		return
	}
	if err := r.svc.index.IndexDocument(ctx, record); err != nil {
		result.Errors = append(result.Errors, ItemError{Action: action, Step: "search index", Err: err})
	}
}

// syncAccess mirrors Drive grants for shared folders. Failures are recorded
// against the item; the folder row itself is already written.
func (r *applyRun) syncAccess(ctx context.Context, action Discrepancy, result *Result, node drive.Node) {
	if !node.IsFolder || !node.Shared || r.acl == nil {
		return
	}
	if _, err := r.acl.ReconcileAccess(ctx, node.ID, r.svc.cfg.Owner); err != nil {
		result.Errors = append(result.Errors, ItemError{Action: action, Step: "shared access", Err: err})
	}
}
