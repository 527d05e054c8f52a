package semantic

import (
	"context"
	"fmt"

	"querydeck/internal/domain"
)

// Snapshot is a read-only view of one dataset and everything query planning
// needs, loaded once at request start so mid-request schema drift cannot
// change the plan.
type Snapshot struct {
	Dataset    *domain.Dataset
	Database   *domain.Database
	RLS        []domain.RLSFilter
	RLSVersion int64
	// Dimensions holds dimension datasets reachable from a fact dataset's
	// join keys, for star-schema auto-joins.
	Dimensions map[int64]*domain.Dataset
}

// Loader assembles snapshots from the metastore repositories.
type Loader struct {
	datasets  domain.DatasetRepository
	databases domain.DatabaseRepository
	rls       domain.RLSRepository
}

// NewLoader creates a snapshot Loader.
func NewLoader(datasets domain.DatasetRepository, databases domain.DatabaseRepository, rls domain.RLSRepository) *Loader {
	return &Loader{datasets: datasets, databases: databases, rls: rls}
}

// Load reads the dataset, its database, its RLS filters, and any referenced
// dimension datasets in one pass.
func (l *Loader) Load(ctx context.Context, datasetID int64) (*Snapshot, error) {
	ds, err := l.datasets.GetByID(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	db, err := l.databases.GetByID(ctx, ds.DatabaseID)
	if err != nil {
		return nil, fmt.Errorf("load database %d: %w", ds.DatabaseID, err)
	}
	filters, err := l.rls.ListForDataset(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("load rls filters: %w", err)
	}
	version, err := l.rls.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rls version: %w", err)
	}

	snap := &Snapshot{
		Dataset:    ds,
		Database:   db,
		RLS:        filters,
		RLSVersion: version,
		Dimensions: map[int64]*domain.Dataset{},
	}

	if ds.TableType == domain.TableTypeFact {
		for _, jk := range ds.JoinKeys {
			if _, ok := snap.Dimensions[jk.DimensionDatasetID]; ok {
				continue
			}
			dim, err := l.datasets.GetByID(ctx, jk.DimensionDatasetID)
			if err != nil {
				return nil, fmt.Errorf("load dimension dataset %d: %w", jk.DimensionDatasetID, err)
			}
			snap.Dimensions[jk.DimensionDatasetID] = dim
		}
	}

	return snap, nil
}

// ResolveColumn returns the named column from the dataset or, for fact
// datasets, from a joined dimension referenced as "<dimension>.<column>".
func (s *Snapshot) ResolveColumn(name string) (*domain.Column, error) {
	if col := s.Dataset.Column(name); col != nil {
		return col, nil
	}
	for _, dim := range s.Dimensions {
		if col := dim.Column(name); col != nil {
			return col, nil
		}
	}
	return nil, domain.ErrSemanticRef(name, "column %q not found in dataset %q", name, s.Dataset.Name)
}

// ResolveMetric fills ref.CompiledSQL with the canonical aggregate expression.
//
// Named references resolve against the dataset's metrics; SIMPLE adhoc
// references compile {column, aggregate} into AGG(expr); SQL adhoc references
// are canonicalized as-is. Resolution is eager: after FromPayload returns, no
// consumer re-derives or mutates the compiled SQL.
func (s *Snapshot) ResolveMetric(ref *domain.MetricRef) error {
	switch {
	case !ref.IsAdhoc():
		m := s.Dataset.Metric(ref.Name)
		if m == nil {
			return domain.ErrSemanticRef(ref.Name, "metric %q not found in dataset %q", ref.Name, s.Dataset.Name)
		}
		compiled, err := CanonicalizeExpr(m.Expression)
		if err != nil {
			return fmt.Errorf("metric %q: %w", ref.Name, err)
		}
		ref.CompiledSQL = compiled
		return nil

	case ref.ExpressionType == domain.AdhocSimple:
		if !domain.ValidAggregate(ref.Aggregate) {
			return domain.ErrValidation("unknown aggregate %q", ref.Aggregate)
		}
		col, err := s.ResolveColumn(ref.Column)
		if err != nil {
			return err
		}
		inner := col.Name
		if col.IsCalculated() {
			inner = col.Expression
		}
		var expr string
		if ref.Aggregate == domain.AggCountDistinct {
			expr = fmt.Sprintf("COUNT(DISTINCT %s)", inner)
		} else {
			expr = fmt.Sprintf("%s(%s)", ref.Aggregate, inner)
		}
		compiled, err := CanonicalizeExpr(expr)
		if err != nil {
			return err
		}
		ref.CompiledSQL = compiled
		return nil

	case ref.ExpressionType == domain.AdhocSQL:
		compiled, err := CanonicalizeExpr(ref.SQLExpression)
		if err != nil {
			return err
		}
		ref.CompiledSQL = compiled
		return nil

	default:
		return domain.ErrValidation("unknown metric expression type %q", ref.ExpressionType)
	}
}

// ResolveColumnRef fills ref.CompiledSQL for adhoc column references and
// verifies named references exist. Grain directives are validated against the
// known grain set but rendered later by the dialect layer.
func (s *Snapshot) ResolveColumnRef(ref *domain.ColumnRef) error {
	if ref.SQLExpression != "" {
		compiled, err := CanonicalizeExpr(ref.SQLExpression)
		if err != nil {
			return err
		}
		ref.CompiledSQL = compiled
		return nil
	}
	if ref.Name == "" {
		return domain.ErrValidation("column reference requires a name or a SQL expression")
	}
	_, err := s.ResolveColumn(ref.Name)
	return err
}
