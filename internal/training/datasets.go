// Package training owns the adapter pipeline: dataset records under
// out/adapters/<date>/, approval and rejection, activation of trained
// adapters, and the full-cycle orchestrator that runs the whole chain.
package training

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/internal/storage"
	"github.com/metahuman-os/metahuman/pkg/models"
)

const (
	instructionsFile = "instructions.jsonl"
	approvedFile     = "approved.json"
	rejectedFile     = "rejected.json"
	evalFile         = "eval.json"
	modelfileName    = "Modelfile"

	rejectedDir  = "_rejected"
	historyDir   = "history-merged"
	historyMerge = "adapter-merged.gguf"

	activeRecordFile = "active-adapter.json"
)

// adapterArtifacts are the files that count as a trained adapter, in
// preference order.
var adapterArtifacts = []string{"adapter.gguf", "adapter_model.safetensors"}

// Datasets reads and mutates dataset records for one installation.
type Datasets struct {
	router *storage.Router
}

// NewDatasets creates the dataset accessor.
func NewDatasets(router *storage.Router) *Datasets {
	return &Datasets{router: router}
}

// adaptersRoot resolves out/adapters for a user.
func (d *Datasets) adaptersRoot(user *models.User) (string, error) {
	return d.router.Resolve(storage.PathRef{
		Category: storage.CategoryTraining,
		User:     user,
	})
}

// dir resolves one dataset directory. The date doubles as the path
// component, so it goes through the router's traversal checks.
func (d *Datasets) dir(user *models.User, date string) (string, error) {
	return d.router.Resolve(storage.PathRef{
		Category: storage.CategoryTraining,
		Relative: date,
		User:     user,
	})
}

// List returns every dataset, newest first. The _rejected and
// history-merged subtrees are not datasets.
func (d *Datasets) List(user *models.User) ([]*models.Dataset, error) {
	root, err := d.adaptersRoot(user)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Dataset{}, nil
		}
		return nil, coreerr.Wrap(coreerr.Internal, err, "read adapters dir")
	}

	out := make([]*models.Dataset, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || e.Name() == rejectedDir || e.Name() == historyDir {
			continue
		}
		out = append(out, scanDataset(filepath.Join(root, e.Name()), e.Name()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

// Get returns one dataset record.
func (d *Datasets) Get(user *models.User, date string) (*models.Dataset, error) {
	dir, err := d.dir(user, date)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, coreerr.New(coreerr.NotFound, "dataset %s not found", date)
	}
	return scanDataset(dir, date), nil
}

// scanDataset derives a Dataset record from the files present.
func scanDataset(dir, date string) *models.Dataset {
	ds := &models.Dataset{Date: date, Status: models.DatasetEmpty}

	if exists(filepath.Join(dir, instructionsFile)) {
		ds.Status = models.DatasetBuilt
		ds.PairCount = countLines(filepath.Join(dir, instructionsFile))
	}
	if data, err := os.ReadFile(filepath.Join(dir, approvedFile)); err == nil {
		var a models.Approval
		if json.Unmarshal(data, &a) == nil {
			ds.Approved = &a
			ds.Status = models.DatasetApproved
		}
	}
	for _, name := range adapterArtifacts {
		if exists(filepath.Join(dir, name)) {
			ds.Artifacts = append(ds.Artifacts, name)
		}
	}
	if len(ds.Artifacts) > 0 {
		ds.Status = models.DatasetTrained
	}
	if data, err := os.ReadFile(filepath.Join(dir, evalFile)); err == nil {
		var ev models.EvalResult
		if json.Unmarshal(data, &ev) == nil {
			ds.Eval = &ev
			ds.Status = models.DatasetEvaluated
		}
	}
	return ds
}

// Approve writes approved.json, which gates the training step. The
// dataset must have been built first.
func (d *Datasets) Approve(user *models.User, date, approvedBy, notes string, auto, dryRun bool) (*models.Approval, error) {
	dir, err := d.dir(user, date)
	if err != nil {
		return nil, err
	}
	instructions := filepath.Join(dir, instructionsFile)
	if !exists(instructions) {
		return nil, coreerr.WithReason(coreerr.Precondition, "not_built",
			"dataset %s has no instructions file", date)
	}

	approval := &models.Approval{
		ApprovedAt:   time.Now().UTC(),
		ApprovedBy:   approvedBy,
		Notes:        notes,
		PairCount:    countLines(instructions),
		AutoApproved: auto,
		DryRun:       dryRun,
	}
	if err := writeJSON(filepath.Join(dir, approvedFile), approval); err != nil {
		return nil, err
	}
	return approval, nil
}

// Reject moves the dataset directory under _rejected/<date>/ and writes
// rejected.json inside it. A rejected dataset is gone from the eligible
// set; every later pipeline step sees NOT_FOUND.
func (d *Datasets) Reject(user *models.User, date, rejectedBy, reason string) error {
	dir, err := d.dir(user, date)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		return coreerr.New(coreerr.NotFound, "dataset %s not found", date)
	}

	root, err := d.adaptersRoot(user)
	if err != nil {
		return err
	}
	dest := filepath.Join(root, rejectedDir, date)
	if exists(dest) {
		return coreerr.WithReason(coreerr.Conflict, "already_rejected",
			"dataset %s was already rejected", date)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "create rejected dir")
	}
	if err := os.Rename(dir, dest); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "move dataset to rejected")
	}

	rejection := &models.Rejection{
		RejectedAt: time.Now().UTC(),
		RejectedBy: rejectedBy,
		Reason:     reason,
	}
	return writeJSON(filepath.Join(dest, rejectedFile), rejection)
}

// ── Helpers ──────────────────────────────────────────────────

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "encode %s", filepath.Base(path))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "write %s", filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "install %s", filepath.Base(path))
	}
	return nil
}
