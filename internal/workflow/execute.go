package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/phenology/springtime/internal/dataset"
	"github.com/phenology/springtime/internal/experiment"
	"github.com/phenology/springtime/internal/logger"
	"github.com/phenology/springtime/internal/registry"
	"github.com/phenology/springtime/internal/table"
)

// DatasetError wraps a failure with the name of the dataset that caused it.
// Execution is sequential and fail-fast, so the first failing dataset aborts
// the run.
type DatasetError struct {
	Name string
	Err  error
}

func (e *DatasetError) Error() string {
	return fmt.Sprintf("dataset %q: %v", e.Name, e.Err)
}

func (e *DatasetError) Unwrap() error {
	return e.Err
}

// executionOrder sorts the datasets so every deferred point source loads
// before its dependents. Only a single hop is supported: a dataset feeding
// points to another may not itself take points from a third.
func (w *Workflow) executionOrder() ([]NamedDataset, error) {
	var independent, dependent []NamedDataset
	for _, nd := range w.Datasets {
		ps := nd.Dataset.PointsSpec()
		if ps == nil || ps.FromOther == nil {
			independent = append(independent, nd)
			continue
		}

		source := ps.FromOther.Source
		src, ok := w.dataset(source)
		if !ok {
			return nil, &DatasetError{Name: nd.Name, Err: fmt.Errorf("points source %q is not defined in the recipe", source)}
		}
		if sps := src.PointsSpec(); sps != nil && sps.FromOther != nil {
			return nil, &DatasetError{Name: nd.Name, Err: fmt.Errorf("points source %q takes points from another dataset itself; chains are not supported", source)}
		}
		dependent = append(dependent, nd)
	}
	return append(independent, dependent...), nil
}

// Execute runs the workflow: load every dataset, join, prepare, persist, and
// optionally hand the result to the experiment. The registry may be nil.
func (w *Workflow) Execute(ctx context.Context, session *Session, rt *dataset.Runtime, reg *registry.Registry) error {
	if err := w.SaveRecipe(filepath.Join(session.OutputDir, "recipe.yaml")); err != nil {
		return err
	}

	run := registry.Run{
		ID:        session.RunID,
		Recipe:    session.Recipe,
		OutputDir: session.OutputDir,
		Status:    "running",
		StartedAt: session.StartedAt,
	}
	if reg != nil {
		if err := reg.RecordRun(run); err != nil {
			return err
		}
	}

	err := w.execute(ctx, session, rt, reg)

	if reg != nil {
		run.Status = "done"
		if err != nil {
			run.Status = "failed"
		}
		run.FinishedAt = time.Now().UTC()
		if recErr := reg.RecordRun(run); recErr != nil && err == nil {
			err = recErr
		}
	}
	return err
}

func (w *Workflow) execute(ctx context.Context, session *Session, rt *dataset.Runtime, reg *registry.Registry) error {
	order, err := w.executionOrder()
	if err != nil {
		return err
	}

	loaded := make(map[string]*table.Table, len(order))
	for _, nd := range order {
		nd.Dataset.Bind(rt)

		if ps := nd.Dataset.PointsSpec(); ps != nil && ps.FromOther != nil {
			source, ok := loaded[ps.FromOther.Source]
			if !ok {
				return &DatasetError{Name: nd.Name, Err: fmt.Errorf("points source %q has not been loaded", ps.FromOther.Source)}
			}
			if err := ps.FromOther.Resolve(source.UniquePoints(), source.RecordPoints()); err != nil {
				return &DatasetError{Name: nd.Name, Err: err}
			}
		}

		logger.Info("Downloading dataset %s", nd.Name)
		if err := nd.Dataset.Download(ctx); err != nil {
			return &DatasetError{Name: nd.Name, Err: err}
		}
		t, err := nd.Dataset.Load(ctx)
		if err != nil {
			return &DatasetError{Name: nd.Name, Err: err}
		}
		logger.Info("Dataset %s loaded with %d rows", nd.Name, t.Len())

		if rs := nd.Dataset.Resample(); rs != nil {
			t, err = t.Resample(*rs)
		} else {
			t, err = t.ToYearly()
		}
		if err != nil {
			return &DatasetError{Name: nd.Name, Err: err}
		}
		logger.Info("Dataset %s resampled to %d rows", nd.Name, t.Len())
		loaded[nd.Name] = t

		if reg != nil {
			rec := registry.DatasetRecord{
				RunID: session.RunID,
				Name:  nd.Name,
				Kind:  nd.Dataset.Kind(),
				Rows:  t.Len(),
			}
			if err := reg.RecordDataset(rec); err != nil {
				return err
			}
		}
	}

	joined, err := w.join(loaded)
	if err != nil {
		return err
	}

	if w.Preparation.DropNA {
		joined = joined.DropNA()
	}
	joined = joined.WithDerived(w.Preparation.Derived.Longitude, w.Preparation.Derived.Latitude)
	logger.Info("Datasets joined to %d rows and %d columns", joined.Len(), len(joined.Columns()))

	dataPath := filepath.Join(session.OutputDir, "data.csv")
	f, err := os.Create(dataPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dataPath, err)
	}
	if err := joined.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Info("Data saved to %s", dataPath)

	if w.Experiment != nil {
		return w.Experiment.Run(ctx, experiment.Input{DataPath: dataPath, OutputDir: session.OutputDir})
	}
	return nil
}

// join outer-joins the loaded tables in recipe order. Columns appearing in
// more than one table are prefixed with their dataset name first, so the join
// never sees an ownership conflict.
func (w *Workflow) join(loaded map[string]*table.Table) (*table.Table, error) {
	owners := make(map[string]int)
	for _, nd := range w.Datasets {
		for _, col := range loaded[nd.Name].Columns() {
			owners[col]++
		}
	}

	tables := make([]*table.Table, 0, len(w.Datasets))
	for _, nd := range w.Datasets {
		t := loaded[nd.Name]
		for _, col := range t.Columns() {
			if owners[col] > 1 {
				t.RenameColumn(col, nd.Name+"_"+col)
			}
		}
		tables = append(tables, t)
	}
	return table.Join(tables...)
}
