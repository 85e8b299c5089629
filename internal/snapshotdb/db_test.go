package snapshotdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/chaosdeck/schema"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "snapshots.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testSnapshot(id schema.SnapshotID, session schema.SessionID, created time.Time) schema.Snapshot {
	form := schema.DefaultFormData()
	form.APIKey = "sk-secret"
	form.APIKeyVisible = true
	return schema.Snapshot{
		ID:        id,
		SessionID: session,
		Title:     "cycle " + string(id),
		CreatedAt: created,
		UpdatedAt: created,
		Messages: []schema.Message{
			{Type: schema.MessageText, Role: schema.RoleUser, Content: "ping"},
			{Type: schema.MessageStatus, Role: schema.RoleAssistant, Content: "Stream closed"},
		},
		UploadedFilesMeta: []schema.UploadedFileMeta{{Name: "main.go", Size: 42}},
		FormData:          form,
	}
}

func TestEnsureSessionTouchesLastOpened(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	first := time.UnixMilli(1_000)
	later := time.UnixMilli(5_000)

	sess, err := db.EnsureSession(ctx, "s1", first)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if !sess.CreatedAt.Equal(first) || !sess.LastOpenedAt.Equal(first) {
		t.Fatalf("unexpected new session %+v", sess)
	}
	sess, err = db.EnsureSession(ctx, "s1", later)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if !sess.CreatedAt.Equal(first) || !sess.LastOpenedAt.Equal(later) {
		t.Fatalf("expected only last opened to move, got %+v", sess)
	}
	if _, err := db.EnsureSession(ctx, " ", later); err == nil {
		t.Fatalf("expected error for blank session id")
	}
}

func TestInsertRedactsAndDropsStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.InsertSnapshot(ctx, testSnapshot("a", "s1", time.UnixMilli(1_000))); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	got, err := db.GetSnapshot(ctx, "a")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.FormData.APIKey != "" || got.FormData.APIKeyVisible {
		t.Fatalf("api key persisted: %+v", got.FormData)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "ping" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if len(got.UploadedFilesMeta) != 1 || got.UploadedFilesMeta[0].Size != 42 {
		t.Fatalf("unexpected uploads %+v", got.UploadedFilesMeta)
	}
	if got.FormData.Seed != 42 || got.FormData.Model != schema.DefaultModel {
		t.Fatalf("form not round-tripped: %+v", got.FormData)
	}
}

func TestListNewestFirstPerSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for i, id := range []schema.SnapshotID{"old", "mid", "new"} {
		if err := db.InsertSnapshot(ctx, testSnapshot(id, "s1", time.UnixMilli(int64(1_000*(i+1))))); err != nil {
			t.Fatalf("InsertSnapshot %s: %v", id, err)
		}
	}
	if err := db.InsertSnapshot(ctx, testSnapshot("other", "s2", time.UnixMilli(9_000))); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	// Touching the oldest snapshot must not reorder the list.
	title := "renamed"
	if _, err := db.UpdateSnapshot(ctx, "old", schema.SnapshotPatch{Title: &title}, time.UnixMilli(20_000)); err != nil {
		t.Fatalf("UpdateSnapshot: %v", err)
	}

	list, err := db.ListSnapshots(ctx, "s1")
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	var ids []schema.SnapshotID
	for _, snap := range list {
		ids = append(ids, snap.ID)
	}
	want := []schema.SnapshotID{"new", "mid", "old"}
	if len(ids) != len(want) {
		t.Fatalf("got ids %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got ids %v, want %v", ids, want)
		}
	}
	if list[2].Title != "renamed" {
		t.Fatalf("expected renamed title, got %q", list[2].Title)
	}
}

func TestUpdateAppliesPatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.InsertSnapshot(ctx, testSnapshot("a", "s1", time.UnixMilli(1_000))); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	job := schema.JobID("job-1")
	workDir := "/work/job-1"
	form := schema.DefaultFormData()
	form.APIKey = "sk-again"
	msgs := []schema.Message{
		{Type: schema.MessageText, Role: schema.RoleUser, Content: "ping"},
		{Type: schema.MessageText, Role: schema.RoleAssistant, Content: "pong"},
	}
	updated, err := db.UpdateSnapshot(ctx, "a", schema.SnapshotPatch{
		JobID:      &job,
		JobWorkDir: &workDir,
		FormData:   &form,
		Messages:   &msgs,
	}, time.UnixMilli(2_000))
	if err != nil {
		t.Fatalf("UpdateSnapshot: %v", err)
	}
	if updated.JobRef() != (schema.JobRef{JobID: job, WorkDir: workDir}) {
		t.Fatalf("unexpected job ref %+v", updated.JobRef())
	}
	got, err := db.GetSnapshot(ctx, "a")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.FormData.APIKey != "" || len(got.Messages) != 2 || got.Title != "cycle a" {
		t.Fatalf("unexpected stored snapshot %+v", got)
	}
	if !got.UpdatedAt.Equal(time.UnixMilli(2_000)) || !got.CreatedAt.Equal(time.UnixMilli(1_000)) {
		t.Fatalf("unexpected timestamps created=%s updated=%s", got.CreatedAt, got.UpdatedAt)
	}
}

func TestMissingSnapshot(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.GetSnapshot(ctx, "nope"); !errors.Is(err, schema.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
	title := "x"
	if _, err := db.UpdateSnapshot(ctx, "nope", schema.SnapshotPatch{Title: &title}, time.Now()); !errors.Is(err, schema.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound on update, got %v", err)
	}
	if err := db.DeleteSnapshot(ctx, "nope"); err != nil {
		t.Fatalf("DeleteSnapshot of missing id: %v", err)
	}
}

func TestClearAndDeleteSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.UnixMilli(1_000)
	for _, sess := range []schema.SessionID{"s1", "s2"} {
		if _, err := db.EnsureSession(ctx, sess, now); err != nil {
			t.Fatalf("EnsureSession: %v", err)
		}
	}
	for _, snap := range []schema.Snapshot{
		testSnapshot("a", "s1", now),
		testSnapshot("b", "s1", now),
		testSnapshot("c", "s2", now),
	} {
		if err := db.InsertSnapshot(ctx, snap); err != nil {
			t.Fatalf("InsertSnapshot: %v", err)
		}
	}

	n, err := db.ClearSnapshots(ctx, "s1")
	if err != nil || n != 2 {
		t.Fatalf("ClearSnapshots = %d, %v", n, err)
	}
	if list, _ := db.ListSnapshots(ctx, "s1"); len(list) != 0 {
		t.Fatalf("expected s1 cleared, got %d", len(list))
	}

	if err := db.DeleteSession(ctx, "s2"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if list, _ := db.ListSnapshots(ctx, "s2"); len(list) != 0 {
		t.Fatalf("expected s2 snapshots removed, got %d", len(list))
	}
	sess, err := db.EnsureSession(ctx, "s2", time.UnixMilli(7_000))
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if !sess.CreatedAt.Equal(time.UnixMilli(7_000)) {
		t.Fatalf("expected a fresh session after delete, got %+v", sess)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.InsertSnapshot(context.Background(), testSnapshot("a", "s1", time.UnixMilli(1_000))); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if _, err := db.GetSnapshot(context.Background(), "a"); err != nil {
		t.Fatalf("GetSnapshot after reopen: %v", err)
	}
}
