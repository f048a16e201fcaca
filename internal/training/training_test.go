package training

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/internal/storage"
	"github.com/metahuman-os/metahuman/pkg/models"
)

func newTestDatasets(t *testing.T) (*Datasets, *models.User) {
	t.Helper()
	rt := storage.NewRouter(t.TempDir())
	user := &models.User{ID: "u-trainer", Username: "trainer"}
	if err := rt.CreateProfileTree(rt.DefaultProfileRoot(user.Username)); err != nil {
		t.Fatal(err)
	}
	return NewDatasets(rt), user
}

// seedDataset creates out/adapters/<date>/ with the named files.
func seedDataset(t *testing.T, d *Datasets, user *models.User, date string, files map[string]string) string {
	t.Helper()
	dir, err := d.dir(user, date)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestDatasetStatusDerivation(t *testing.T) {
	d, user := newTestDatasets(t)

	instructions := "{\"prompt\":\"a\"}\n{\"prompt\":\"b\"}\n{\"prompt\":\"c\"}\n"
	tests := []struct {
		date   string
		files  map[string]string
		status models.DatasetStatus
		pairs  int
	}{
		{"2025-01-01", map[string]string{}, models.DatasetEmpty, 0},
		{"2025-01-02", map[string]string{"instructions.jsonl": instructions}, models.DatasetBuilt, 3},
		{"2025-01-03", map[string]string{
			"instructions.jsonl": instructions,
			"approved.json":      `{"approvedBy":"trainer"}`,
		}, models.DatasetApproved, 3},
		{"2025-01-04", map[string]string{
			"instructions.jsonl": instructions,
			"approved.json":      `{"approvedBy":"trainer"}`,
			"adapter.gguf":       "binary",
		}, models.DatasetTrained, 3},
		{"2025-01-05", map[string]string{
			"instructions.jsonl": instructions,
			"approved.json":      `{"approvedBy":"trainer"}`,
			"adapter.gguf":       "binary",
			"eval.json":          `{"score":0.9,"passed":true}`,
		}, models.DatasetEvaluated, 3},
	}

	for _, tt := range tests {
		seedDataset(t, d, user, tt.date, tt.files)
		ds, err := d.Get(user, tt.date)
		if err != nil {
			t.Errorf("Get(%s) failed: %v", tt.date, err)
			continue
		}
		if ds.Status != tt.status {
			t.Errorf("Get(%s).Status = %s, want %s", tt.date, ds.Status, tt.status)
		}
		if ds.PairCount != tt.pairs {
			t.Errorf("Get(%s).PairCount = %d, want %d", tt.date, ds.PairCount, tt.pairs)
		}
	}

	list, err := d.List(user)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != len(tests) {
		t.Fatalf("List returned %d datasets, want %d", len(list), len(tests))
	}
	// Newest first.
	if list[0].Date != "2025-01-05" || list[4].Date != "2025-01-01" {
		t.Errorf("List order wrong: %s .. %s", list[0].Date, list[4].Date)
	}
}

func TestApproveRequiresBuilt(t *testing.T) {
	d, user := newTestDatasets(t)
	seedDataset(t, d, user, "2025-02-01", map[string]string{})

	_, err := d.Approve(user, "2025-02-01", "trainer", "", false, false)
	if coreerr.KindOf(err) != coreerr.Precondition || coreerr.ReasonOf(err) != "not_built" {
		t.Fatalf("empty approve: kind=%s reason=%q", coreerr.KindOf(err), coreerr.ReasonOf(err))
	}

	seedDataset(t, d, user, "2025-02-02", map[string]string{
		"instructions.jsonl": "{\"prompt\":\"a\"}\n",
	})
	approval, err := d.Approve(user, "2025-02-02", "trainer", "looks fine", false, false)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if approval.PairCount != 1 || approval.ApprovedBy != "trainer" {
		t.Errorf("approval = %+v", approval)
	}

	ds, err := d.Get(user, "2025-02-02")
	if err != nil || ds.Status != models.DatasetApproved {
		t.Errorf("post-approve status = %v, %v", ds, err)
	}
}

func TestRejectRemovesDataset(t *testing.T) {
	d, user := newTestDatasets(t)
	seedDataset(t, d, user, "2025-03-01", map[string]string{
		"instructions.jsonl": "{\"prompt\":\"a\"}\n",
	})

	if err := d.Reject(user, "2025-03-01", "trainer", "bad pairs"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if _, err := d.Get(user, "2025-03-01"); coreerr.KindOf(err) != coreerr.NotFound {
		t.Errorf("rejected dataset still found: %v", err)
	}
	list, _ := d.List(user)
	if len(list) != 0 {
		t.Errorf("rejected dataset still listed: %v", list)
	}

	root, _ := d.adaptersRoot(user)
	data, err := os.ReadFile(filepath.Join(root, "_rejected", "2025-03-01", "rejected.json"))
	if err != nil {
		t.Fatalf("rejection record missing: %v", err)
	}
	var rej models.Rejection
	if err := json.Unmarshal(data, &rej); err != nil || rej.Reason != "bad pairs" {
		t.Errorf("rejection record = %s, %v", data, err)
	}

	// Rejecting the same date again has nothing to move.
	if err := d.Reject(user, "2025-03-01", "trainer", "again"); coreerr.KindOf(err) != coreerr.NotFound {
		t.Errorf("second reject: %v", err)
	}
}

func TestRejectRefusesTraversalDate(t *testing.T) {
	d, user := newTestDatasets(t)
	if err := d.Reject(user, "../persona", "trainer", "nope"); coreerr.KindOf(err) != coreerr.Validation {
		t.Errorf("traversal date: %v", err)
	}
}

// ── Activation ───────────────────────────────────────────────

func newTestActivator(t *testing.T) (*Activator, *Datasets, *models.User) {
	t.Helper()
	d, user := newTestDatasets(t)
	return NewActivator(d.router, d, nil, "llama3.1:8b"), d, user
}

func trainedFiles() map[string]string {
	return map[string]string{
		"instructions.jsonl": "{\"prompt\":\"a\"}\n",
		"approved.json":      `{"approvedBy":"trainer"}`,
		"adapter.gguf":       "binary",
	}
}

func TestActivateGates(t *testing.T) {
	a, d, user := newTestActivator(t)
	ctx := context.Background()

	seedDataset(t, d, user, "2025-04-01", trainedFiles())
	_, err := a.Activate(ctx, user, ActivateOptions{Date: "2025-04-01"})
	if coreerr.ReasonOf(err) != "eval_not_passed" {
		t.Errorf("no eval: reason=%q", coreerr.ReasonOf(err))
	}

	seedDataset(t, d, user, "2025-04-02", map[string]string{
		"instructions.jsonl": "{\"prompt\":\"a\"}\n",
		"adapter.gguf":       "binary",
		"eval.json":          `{"score":0.2,"passed":false}`,
	})
	_, err = a.Activate(ctx, user, ActivateOptions{Date: "2025-04-02"})
	if coreerr.ReasonOf(err) != "eval_not_passed" {
		t.Errorf("failed eval: reason=%q", coreerr.ReasonOf(err))
	}

	files := trainedFiles()
	files["eval.json"] = `{"score":0.9,"passed":true}`
	seedDataset(t, d, user, "2025-04-03", files)
	_, err = a.Activate(ctx, user, ActivateOptions{Date: "2025-04-03", Dual: true})
	if coreerr.ReasonOf(err) != "history_merge_missing" {
		t.Errorf("dual without merge: reason=%q", coreerr.ReasonOf(err))
	}
}

func TestActivateWritesRecordAndModelfile(t *testing.T) {
	a, d, user := newTestActivator(t)
	ctx := context.Background()

	files := trainedFiles()
	files["eval.json"] = `{"score":0.9,"passed":true}`
	dir := seedDataset(t, d, user, "2025-05-01", files)

	record, err := a.Activate(ctx, user, ActivateOptions{Date: "2025-05-01", ActivatedBy: "trainer"})
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if record.ModelName != "metahuman-trainer" {
		t.Errorf("model name = %q", record.ModelName)
	}
	if record.Status != models.AdapterReadyForLoad {
		t.Errorf("status = %s, want ready_for_ollama_load (no model server)", record.Status)
	}
	if record.GGUFAdapterPath == "" {
		t.Error("gguf path not recorded for a .gguf artifact")
	}

	modelfile, err := os.ReadFile(filepath.Join(dir, "Modelfile"))
	if err != nil {
		t.Fatalf("Modelfile missing: %v", err)
	}
	content := string(modelfile)
	if content != "FROM llama3.1:8b\nADAPTER "+record.AdapterPath+"\n" {
		t.Errorf("Modelfile content:\n%s", content)
	}

	got, err := a.ActiveAdapter(user)
	if err != nil {
		t.Fatalf("ActiveAdapter failed: %v", err)
	}
	if got.Dataset != "2025-05-01" || got.ActivatedBy != "trainer" {
		t.Errorf("active record = %+v", got)
	}
}

func TestActiveAdapterNotFound(t *testing.T) {
	a, _, user := newTestActivator(t)
	if _, err := a.ActiveAdapter(user); coreerr.KindOf(err) != coreerr.NotFound {
		t.Errorf("ActiveAdapter on fresh profile: %v", err)
	}
}
