package training

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/internal/modelserver"
	"github.com/metahuman-os/metahuman/internal/storage"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// Activator stages a trained adapter: generates the Modelfile, writes
// the active-adapter record, and optionally asks the model server to
// load the result.
type Activator struct {
	router    *storage.Router
	datasets  *Datasets
	model     *modelserver.Client
	baseModel string
}

// NewActivator wires an activator.
func NewActivator(router *storage.Router, datasets *Datasets, model *modelserver.Client, baseModel string) *Activator {
	return &Activator{router: router, datasets: datasets, model: model, baseModel: baseModel}
}

// ActivateOptions controls one activation.
type ActivateOptions struct {
	Date        string
	ActivatedBy string

	// Dual stacks the historical merged adapter under the recent one.
	Dual bool

	// Load asks the model server to build and load the model. A load
	// failure leaves the record staged, not failed.
	Load bool
}

// Activate gates on a passing eval, writes the Modelfile, and installs
// the active-adapter record.
func (a *Activator) Activate(ctx context.Context, user *models.User, opts ActivateOptions) (*models.ActiveAdapter, error) {
	dir, err := a.datasets.dir(user, opts.Date)
	if err != nil {
		return nil, err
	}
	ds, err := a.datasets.Get(user, opts.Date)
	if err != nil {
		return nil, err
	}

	if ds.Eval == nil || !ds.Eval.Passed {
		return nil, coreerr.WithReason(coreerr.Precondition, "eval_not_passed",
			"dataset %s has no passing evaluation", opts.Date)
	}
	if len(ds.Artifacts) == 0 {
		return nil, coreerr.WithReason(coreerr.Precondition, "no_adapter_artifact",
			"dataset %s has no trained adapter", opts.Date)
	}

	adapterPath := filepath.Join(dir, ds.Artifacts[0])
	var ggufPath string
	if strings.HasSuffix(ds.Artifacts[0], ".gguf") {
		ggufPath = adapterPath
	}

	record := &models.ActiveAdapter{
		ModelName:       fmt.Sprintf("metahuman-%s", user.Username),
		Dataset:         opts.Date,
		ActivatedAt:     time.Now().UTC(),
		ActivatedBy:     opts.ActivatedBy,
		Status:          models.AdapterReadyForLoad,
		BaseModel:       a.baseModel,
		AdapterPath:     adapterPath,
		GGUFAdapterPath: ggufPath,
	}

	adapters := map[string]string{"recent": adapterPath}
	if opts.Dual {
		historical, err := a.historyMergePath(user)
		if err != nil {
			return nil, err
		}
		record.IsDualAdapter = true
		record.Adapters = &models.AdapterPair{Historical: historical, Recent: adapterPath}
		adapters["historical"] = historical
	}

	if err := writeModelfile(filepath.Join(dir, modelfileName), a.baseModel, record); err != nil {
		return nil, err
	}

	if opts.Load && a.model != nil {
		if err := a.load(ctx, record, adapters); err != nil {
			// Staged but not loaded; the record says so.
			log.Warn().
				Err(err).
				Str("model", record.ModelName).
				Str("user", user.Username).
				Msg("Model server load failed, adapter staged only")
		} else {
			record.Status = models.AdapterLoaded
		}
	}

	if err := a.writeRecord(user, record); err != nil {
		return nil, err
	}
	log.Info().
		Str("user", user.Username).
		Str("dataset", opts.Date).
		Str("status", string(record.Status)).
		Bool("dual", record.IsDualAdapter).
		Msg("Adapter activated")
	return record, nil
}

func (a *Activator) load(ctx context.Context, record *models.ActiveAdapter, adapters map[string]string) error {
	if err := a.model.CreateModel(ctx, record.ModelName, record.BaseModel, adapters); err != nil {
		return err
	}
	return a.model.LoadModel(ctx, record.ModelName)
}

// historyMergePath requires the merged historical adapter that the
// adapter-merger agent maintains.
func (a *Activator) historyMergePath(user *models.User) (string, error) {
	root, err := a.datasets.adaptersRoot(user)
	if err != nil {
		return "", err
	}
	path := filepath.Join(root, historyDir, historyMerge)
	if !exists(path) {
		return "", coreerr.WithReason(coreerr.Precondition, "history_merge_missing",
			"dual activation requires a merged historical adapter")
	}
	return path, nil
}

// ActiveAdapter returns the current record, or NOT_FOUND when no
// adapter has ever been activated.
func (a *Activator) ActiveAdapter(user *models.User) (*models.ActiveAdapter, error) {
	path, err := a.recordPath(user)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.New(coreerr.NotFound, "no active adapter")
	}
	var record models.ActiveAdapter
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, err, "decode active adapter record")
	}
	return &record, nil
}

func (a *Activator) recordPath(user *models.User) (string, error) {
	return a.router.Resolve(storage.PathRef{
		Category: storage.CategoryTraining,
		Relative: activeRecordFile,
		User:     user,
	})
}

func (a *Activator) writeRecord(user *models.User, record *models.ActiveAdapter) error {
	path, err := a.recordPath(user)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "create adapters dir")
	}
	return writeJSON(path, record)
}

// writeModelfile emits the Ollama Modelfile for an activation.
func writeModelfile(path, baseModel string, record *models.ActiveAdapter) error {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", baseModel)
	if record.IsDualAdapter && record.Adapters != nil {
		fmt.Fprintf(&b, "ADAPTER %s\n", record.Adapters.Historical)
		fmt.Fprintf(&b, "ADAPTER %s\n", record.Adapters.Recent)
	} else {
		fmt.Fprintf(&b, "ADAPTER %s\n", record.AdapterPath)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return coreerr.Wrap(coreerr.Internal, err, "write Modelfile")
	}
	return nil
}
