package schema

import "testing"

func TestFormDataRedacted(t *testing.T) {
	form := DefaultFormData()
	form.APIKey = "sk-secret"
	form.APIKeyVisible = true
	got := form.Redacted()
	if got.APIKey != "" || got.APIKeyVisible {
		t.Fatalf("expected redacted key, got %+v", got)
	}
	if form.APIKey != "sk-secret" {
		t.Fatalf("redaction must not mutate the receiver")
	}
}

func TestResetForNewCycleKeepsKeyAndCluster(t *testing.T) {
	form := DefaultFormData()
	form.APIKey = "sk-secret"
	form.Cluster = "c1"
	form.Instructions = "break things"
	form.Seed = 7
	got := form.ResetForNewCycle()
	if got.APIKey != "sk-secret" || got.Cluster != "c1" {
		t.Fatalf("expected key and cluster kept, got %+v", got)
	}
	if got.Instructions != "" || got.Seed != 42 {
		t.Fatalf("expected defaults restored, got %+v", got)
	}
}

func TestSnapshotPatchApplyRedactsAndDropsStatus(t *testing.T) {
	snap := Snapshot{Title: "old"}
	form := DefaultFormData()
	form.APIKey = "sk-secret"
	msgs := []Message{
		{Type: MessageText, Role: RoleUser, Content: "ping"},
		{Type: MessageStatus, Role: RoleAssistant, Content: "Connected"},
		{Type: MessageText, Role: RoleAssistant, Content: "pong"},
	}
	title := "new"
	SnapshotPatch{Title: &title, Messages: &msgs, FormData: &form}.Apply(&snap)
	if snap.Title != "new" {
		t.Fatalf("expected title applied, got %q", snap.Title)
	}
	if snap.FormData.APIKey != "" {
		t.Fatalf("expected api key redacted")
	}
	if len(snap.Messages) != 2 || snap.Messages[1].Content != "pong" {
		t.Fatalf("unexpected messages: %+v", snap.Messages)
	}
}

func TestSnapshotPatchMerge(t *testing.T) {
	first := "a"
	second := "b"
	visible := true
	merged := SnapshotPatch{Title: &first}.Merge(SnapshotPatch{Title: &second, PanelVisible: &visible})
	if *merged.Title != "b" || merged.PanelVisible == nil || !*merged.PanelVisible {
		t.Fatalf("unexpected merge result: %+v", merged)
	}
	if (SnapshotPatch{}).Empty() != true || merged.Empty() {
		t.Fatalf("unexpected Empty results")
	}
}

func TestClusterPoolEqual(t *testing.T) {
	a := ClusterPool{All: []ClusterName{"c1", "c2"}, Used: []ClusterName{"c1"}, Available: []ClusterName{"c2"}, Mine: "c1"}
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatalf("expected clone to be equal")
	}
	b.Available = append(b.Available, "c3")
	if a.Equal(b) {
		t.Fatalf("expected difference after change")
	}
	if !(ClusterPool{}).Equal(ClusterPool{All: []ClusterName{}}) {
		t.Fatalf("expected nil and empty lists to compare equal")
	}
	if !a.IsUsed("c1") || a.IsAvailable("c1") {
		t.Fatalf("unexpected membership for c1")
	}
}
