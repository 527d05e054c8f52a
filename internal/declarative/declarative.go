// Package declarative applies a YAML-declared semantic layer (databases,
// datasets, RLS filters) to the metastore. Apply is idempotent: resources are
// matched by name and updated in place.
package declarative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"querydeck/internal/domain"
)

// File is the root of a declarative semantic-layer document.
type File struct {
	Databases []DatabaseSpec  `yaml:"databases,omitempty"`
	Datasets  []DatasetSpec   `yaml:"datasets,omitempty"`
	RLS       []RLSFilterSpec `yaml:"rls_filters,omitempty"`
}

// DatabaseSpec declares one analytical database.
type DatabaseSpec struct {
	Name    string `yaml:"name"`
	URI     string `yaml:"uri"`
	Driver  string `yaml:"driver"`
	Catalog string `yaml:"catalog,omitempty"`
	Schema  string `yaml:"schema,omitempty"`
}

// ColumnSpec declares one dataset column.
type ColumnSpec struct {
	Name             string `yaml:"name"`
	Expression       string `yaml:"expression,omitempty"`
	DataType         string `yaml:"data_type,omitempty"`
	IsTemporal       bool   `yaml:"is_temporal,omitempty"`
	Groupable        bool   `yaml:"groupable,omitempty"`
	Filterable       bool   `yaml:"filterable,omitempty"`
	PythonDateFormat string `yaml:"python_date_format,omitempty"`
}

// MetricSpec declares one dataset metric.
type MetricSpec struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	MetricType string `yaml:"metric_type,omitempty"`
	D3Format   string `yaml:"d3_format,omitempty"`
}

// DatasetSpec declares one dataset bound to a database by name.
type DatasetSpec struct {
	Database           string            `yaml:"database"`
	Catalog            string            `yaml:"catalog,omitempty"`
	Schema             string            `yaml:"schema,omitempty"`
	Name               string            `yaml:"name"`
	Kind               string            `yaml:"kind,omitempty"`
	SQL                string            `yaml:"sql,omitempty"`
	Columns            []ColumnSpec      `yaml:"columns,omitempty"`
	Metrics            []MetricSpec      `yaml:"metrics,omitempty"`
	MainDatetimeColumn string            `yaml:"main_dttm_col,omitempty"`
	TemplateParams     map[string]string `yaml:"template_params,omitempty"`
	Timezone           string            `yaml:"timezone,omitempty"`
	CacheTimeoutSec    int               `yaml:"cache_timeout,omitempty"`
}

// RLSFilterSpec declares one row-level-security filter bound to datasets by
// "<database>.<dataset>" references.
type RLSFilterSpec struct {
	Name       string   `yaml:"name"`
	FilterType string   `yaml:"filter_type,omitempty"`
	GroupKey   string   `yaml:"group_key,omitempty"`
	Clause     string   `yaml:"clause"`
	Roles      []string `yaml:"roles,omitempty"`
	Groups     []string `yaml:"groups,omitempty"`
	Datasets   []string `yaml:"datasets"`
}

// Load reads and parses a declarative file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

// Applier applies declarative files to the metastore.
type Applier struct {
	databases domain.DatabaseRepository
	datasets  domain.DatasetRepository
	rls       domain.RLSRepository
	logger    *slog.Logger
}

// NewApplier creates an Applier.
func NewApplier(databases domain.DatabaseRepository, datasets domain.DatasetRepository,
	rls domain.RLSRepository, logger *slog.Logger) *Applier {
	return &Applier{databases: databases, datasets: datasets, rls: rls, logger: logger}
}

// Apply upserts all declared resources in dependency order: databases, then
// datasets, then RLS filters.
func (a *Applier) Apply(ctx context.Context, f *File) error {
	dbIDs := make(map[string]int64, len(f.Databases))

	for i := range f.Databases {
		spec := &f.Databases[i]
		db, err := a.applyDatabase(ctx, spec)
		if err != nil {
			return fmt.Errorf("database %q: %w", spec.Name, err)
		}
		dbIDs[spec.Name] = db.ID
	}

	dsIDs := make(map[string]int64, len(f.Datasets))
	for i := range f.Datasets {
		spec := &f.Datasets[i]
		databaseID, err := a.resolveDatabase(ctx, dbIDs, spec.Database)
		if err != nil {
			return fmt.Errorf("dataset %q: %w", spec.Name, err)
		}
		ds, err := a.applyDataset(ctx, databaseID, spec)
		if err != nil {
			return fmt.Errorf("dataset %q: %w", spec.Name, err)
		}
		dsIDs[spec.Database+"."+spec.Name] = ds.ID
	}

	for i := range f.RLS {
		spec := &f.RLS[i]
		if err := a.applyRLSFilter(ctx, dsIDs, spec); err != nil {
			return fmt.Errorf("rls filter %q: %w", spec.Name, err)
		}
	}
	return nil
}

func (a *Applier) applyDatabase(ctx context.Context, spec *DatabaseSpec) (*domain.Database, error) {
	existing, err := a.databases.GetByName(ctx, spec.Name)
	if err == nil {
		// Databases hold encrypted credentials; declarative files never
		// overwrite an existing registration.
		a.logger.Info("database exists, skipping", "name", spec.Name)
		return existing, nil
	}
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	db, err := a.databases.Create(ctx, &domain.Database{
		Name:    spec.Name,
		URI:     spec.URI,
		Driver:  spec.Driver,
		Catalog: spec.Catalog,
		Schema:  spec.Schema,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("database created", "name", spec.Name, "id", db.ID)
	return db, nil
}

func (a *Applier) resolveDatabase(ctx context.Context, dbIDs map[string]int64, name string) (int64, error) {
	if id, ok := dbIDs[name]; ok {
		return id, nil
	}
	db, err := a.databases.GetByName(ctx, name)
	if err != nil {
		return 0, err
	}
	dbIDs[name] = db.ID
	return db.ID, nil
}

func (a *Applier) applyDataset(ctx context.Context, databaseID int64, spec *DatasetSpec) (*domain.Dataset, error) {
	ds := &domain.Dataset{
		DatabaseID:         databaseID,
		Catalog:            spec.Catalog,
		Schema:             spec.Schema,
		Name:               spec.Name,
		Kind:               domain.DatasetKind(spec.Kind),
		SQL:                spec.SQL,
		TableType:          domain.TableTypePhysical,
		MainDatetimeColumn: spec.MainDatetimeColumn,
		TemplateParams:     spec.TemplateParams,
		Timezone:           spec.Timezone,
		CacheTimeoutSec:    spec.CacheTimeoutSec,
	}
	if ds.Kind == "" {
		ds.Kind = domain.DatasetPhysical
	}
	if ds.Kind == domain.DatasetVirtual {
		ds.TableType = domain.TableTypeView
	}
	for _, c := range spec.Columns {
		ds.Columns = append(ds.Columns, domain.Column{
			Name:             c.Name,
			Expression:       c.Expression,
			DataType:         c.DataType,
			IsTemporal:       c.IsTemporal,
			Groupable:        c.Groupable,
			Filterable:       c.Filterable,
			PythonDateFormat: c.PythonDateFormat,
		})
	}
	for _, m := range spec.Metrics {
		ds.Metrics = append(ds.Metrics, domain.Metric{
			Name:       m.Name,
			Expression: m.Expression,
			MetricType: m.MetricType,
			D3Format:   m.D3Format,
		})
	}

	existing, err := a.findDataset(ctx, databaseID, spec)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		created, err := a.datasets.Create(ctx, ds)
		if err != nil {
			return nil, err
		}
		a.logger.Info("dataset created", "name", spec.Name, "id", created.ID)
		return created, nil
	}

	ds.ID = existing.ID
	updated, err := a.datasets.Update(ctx, ds)
	if err != nil {
		return nil, err
	}
	a.logger.Info("dataset updated", "name", spec.Name, "id", updated.ID)
	return updated, nil
}

func (a *Applier) findDataset(ctx context.Context, databaseID int64, spec *DatasetSpec) (*domain.Dataset, error) {
	all, err := a.datasets.List(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	for i := range all {
		ds := &all[i]
		if ds.Name == spec.Name && ds.Catalog == spec.Catalog && ds.Schema == spec.Schema {
			return ds, nil
		}
	}
	return nil, nil
}

func (a *Applier) applyRLSFilter(ctx context.Context, dsIDs map[string]int64, spec *RLSFilterSpec) error {
	if len(spec.Datasets) == 0 {
		return domain.ErrValidation("at least one dataset binding is required")
	}

	datasetIDs := make([]int64, 0, len(spec.Datasets))
	for _, ref := range spec.Datasets {
		id, ok := dsIDs[ref]
		if !ok {
			return domain.ErrValidation("unknown dataset reference %q (expected <database>.<dataset> declared in this file)", ref)
		}
		datasetIDs = append(datasetIDs, id)
	}

	// Match by name on the first bound dataset; re-applying replaces the
	// filter so clause edits take effect (and bump the policy version).
	existing, err := a.rls.ListForDataset(ctx, datasetIDs[0])
	if err != nil {
		return err
	}
	for i := range existing {
		if existing[i].Name == spec.Name {
			if err := a.rls.Delete(ctx, existing[i].ID); err != nil {
				return err
			}
			break
		}
	}

	filterType := domain.RLSFilterType(spec.FilterType)
	if filterType == "" {
		filterType = domain.RLSRegular
	}
	f, err := a.rls.Create(ctx, &domain.RLSFilter{
		Name:       spec.Name,
		FilterType: filterType,
		GroupKey:   spec.GroupKey,
		Clause:     spec.Clause,
		RoleNames:  spec.Roles,
		GroupNames: spec.Groups,
		DatasetIDs: datasetIDs,
	})
	if err != nil {
		return err
	}
	a.logger.Info("rls filter applied", "name", spec.Name, "id", f.ID)
	return nil
}
