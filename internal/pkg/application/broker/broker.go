package broker

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/diwise/resource-broker/internal/pkg/application/metrics"
	"github.com/diwise/resource-broker/internal/pkg/application/persist"
	"github.com/diwise/resource-broker/internal/pkg/application/query"
	"github.com/diwise/resource-broker/internal/pkg/application/registry"
	"github.com/diwise/resource-broker/internal/pkg/application/subscriptions"
	"github.com/diwise/resource-broker/internal/pkg/infrastructure/storage"
	"github.com/diwise/resource-broker/pkg/resources"
	"github.com/diwise/resource-broker/pkg/resources/errors"
)

var tracer = otel.Tracer("resource-broker/broker")

// Config carries the collaborators and limits an App is wired with.
type Config struct {
	MaxPerPage int
	Notifier   subscriptions.Notifier
	Recorder   *metrics.Recorder
	Logger     zerolog.Logger
}

// App is the generic resource controller. It resolves resources through
// the registry, reads through the query translator and storage engine,
// and writes through the relation persistence engine inside a
// transaction per mutating operation.
type App struct {
	reg    *registry.Registry
	store  storage.Store
	engine *persist.Engine

	notifier   subscriptions.Notifier
	recorder   *metrics.Recorder
	maxPerPage int
	logger     zerolog.Logger
}

func New(reg *registry.Registry, store storage.Store, cfg Config) *App {
	if cfg.MaxPerPage <= 0 {
		cfg.MaxPerPage = query.DefaultMaxPerPage
	}

	return &App{
		reg:        reg,
		store:      store,
		engine:     persist.New(reg),
		notifier:   cfg.Notifier,
		recorder:   cfg.Recorder,
		maxPerPage: cfg.MaxPerPage,
		logger:     cfg.Logger,
	}
}

// List returns a filtered, sorted and paginated page of a resource.
// An empty result is a success with an empty list, never a not found.
func (a *App) List(ctx context.Context, slug string, opts resources.ListOptions) (*resources.ListResult, error) {
	ctx, span := tracer.Start(ctx, "list-resources")
	defer span.End()

	e, err := a.reg.Resolve(slug)
	if err != nil {
		return nil, err
	}
	defer a.measure(e.Name, "index")()

	q, err := query.Build(a.reg, e, opts, a.maxPerPage)
	if err != nil {
		return nil, err
	}

	result, err := a.runQuery(ctx, q)
	if err != nil {
		span.RecordError(err)
		return nil, a.classify(err, "index", e.Name, nil)
	}

	includes, err := a.includes(e, opts.Include)
	if err != nil {
		return nil, err
	}

	for _, rec := range result.Rows {
		if err = a.loadRelations(ctx, e, rec, includes); err != nil {
			span.RecordError(err)
			return nil, a.classify(err, "index", e.Name, nil)
		}
		selectFields(e, rec, opts.Fields, includes)
	}

	return &resources.ListResult{
		Items: result.Rows,
		Meta:  resources.NewPageMeta(q.Page, q.PerPage, result.Total, len(result.Rows)),
	}, nil
}

// Retrieve fetches a single instance by primary key.
func (a *App) Retrieve(ctx context.Context, slug string, id any, opts resources.ReadOptions) (resources.Record, error) {
	ctx, span := tracer.Start(ctx, "retrieve-resource")
	defer span.End()

	e, err := a.reg.Resolve(slug)
	if err != nil {
		return nil, err
	}
	defer a.measure(e.Name, "show")()

	rec, err := a.fetch(ctx, e, id, opts.WithTrashed)
	if err != nil {
		return nil, err
	}

	includes, err := a.includes(e, opts.Include)
	if err != nil {
		return nil, err
	}

	if err = a.loadRelations(ctx, e, rec, includes); err != nil {
		span.RecordError(err)
		return nil, a.classify(err, "show", e.Name, id)
	}
	selectFields(e, rec, opts.Fields, includes)

	return rec, nil
}

// Create validates and persists a new instance together with its nested
// relation payloads inside one transaction.
func (a *App) Create(ctx context.Context, slug string, payload resources.Record, opts resources.WriteOptions) (resources.Record, error) {
	ctx, span := tracer.Start(ctx, "create-resource")
	defer span.End()

	e, err := a.reg.Resolve(slug)
	if err != nil {
		return nil, err
	}
	defer a.measure(e.Name, "store")()

	// validation failures never open a transaction
	if err := a.validate(e, resources.ActionCreate, payload); err != nil {
		return nil, err
	}

	saved, err := a.inTransaction(ctx, "store", e, nil, func(tx storage.Tx) (resources.Record, error) {
		if e.Hooks != nil && e.Hooks.BeforeCreate != nil {
			payload, err = e.Hooks.BeforeCreate(ctx, payload)
			if err != nil {
				return nil, err
			}
		}

		rec, err := a.engine.SaveWithRelations(ctx, tx, e, payload, nil, opts.AvoidDuplicates)
		if err != nil {
			return nil, err
		}

		if e.Hooks != nil && e.Hooks.AfterCreate != nil {
			if err := e.Hooks.AfterCreate(ctx, rec); err != nil {
				return nil, err
			}
		}

		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	if a.notifier != nil {
		a.notifier.EntityCreated(ctx, e.Slug, saved)
	}

	return a.format(ctx, e, saved, append(opts.Include, payloadRelations(e, payload)...))
}

// Update validates and persists changes to an existing instance,
// including nested relation payloads, inside one transaction.
func (a *App) Update(ctx context.Context, slug string, id any, payload resources.Record, opts resources.WriteOptions) (resources.Record, error) {
	ctx, span := tracer.Start(ctx, "update-resource")
	defer span.End()

	e, err := a.reg.Resolve(slug)
	if err != nil {
		return nil, err
	}
	defer a.measure(e.Name, "update")()

	existing, err := a.fetch(ctx, e, id, false)
	if err != nil {
		return nil, err
	}

	if err := a.validate(e, resources.ActionUpdate, payload); err != nil {
		return nil, err
	}

	saved, err := a.inTransaction(ctx, "update", e, id, func(tx storage.Tx) (resources.Record, error) {
		if e.Hooks != nil && e.Hooks.BeforeUpdate != nil {
			payload, err = e.Hooks.BeforeUpdate(ctx, existing, payload)
			if err != nil {
				return nil, err
			}
		}

		rec, err := a.engine.SaveWithRelations(ctx, tx, e, payload, existing, opts.AvoidDuplicates)
		if err != nil {
			return nil, err
		}

		if e.Hooks != nil && e.Hooks.AfterUpdate != nil {
			if err := e.Hooks.AfterUpdate(ctx, rec); err != nil {
				return nil, err
			}
		}

		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	if a.notifier != nil {
		a.notifier.EntityUpdated(ctx, e.Slug, saved)
	}

	return a.format(ctx, e, saved, append(opts.Include, payloadRelations(e, payload)...))
}

// Delete removes an instance, soft deleting when the entity supports it
// unless a hard delete is forced. Deletes blocked by existing dependents
// fail with a dependency constraint violation and leave the instance in
// place.
func (a *App) Delete(ctx context.Context, slug string, id any, opts resources.DeleteOptions) error {
	ctx, span := tracer.Start(ctx, "delete-resource")
	defer span.End()

	e, err := a.reg.Resolve(slug)
	if err != nil {
		return err
	}
	defer a.measure(e.Name, "destroy")()

	existing, err := a.fetch(ctx, e, id, opts.Force)
	if err != nil {
		return err
	}

	if e.Hooks != nil && e.Hooks.BeforeDelete != nil {
		if err := e.Hooks.BeforeDelete(ctx, existing); err != nil {
			return err
		}
	}

	if !e.SoftDelete || opts.Force {
		if err := a.checkDependents(ctx, e, id); err != nil {
			return err
		}
	}

	_, err = a.inTransaction(ctx, "destroy", e, id, func(tx storage.Tx) (resources.Record, error) {
		if e.SoftDelete && !opts.Force {
			err := tx.Update(ctx, e.Table, e.Key(), id, resources.Record{"deleted_at": time.Now().UTC()})
			return nil, err
		}
		return nil, tx.Delete(ctx, e.Table, e.Key(), id)
	})
	if err != nil {
		return err
	}

	if e.Hooks != nil && e.Hooks.AfterDelete != nil {
		if err := e.Hooks.AfterDelete(ctx, existing); err != nil {
			a.logger.Error().Err(err).Str("entity", e.Name).Msg("after delete hook failed")
		}
	}

	if a.notifier != nil {
		a.notifier.EntityDeleted(ctx, e.Slug, existing)
	}

	return nil
}

// inTransaction runs fn inside a transaction that is rolled back on any
// failure and committed otherwise; no exit path leaves it open.
func (a *App) inTransaction(ctx context.Context, action string, e *resources.Entity, id any, fn func(tx storage.Tx) (resources.Record, error)) (rec resources.Record, err error) {
	tx, err := a.store.Begin(ctx)
	if err != nil {
		return nil, a.classify(err, action, e.Name, id)
	}

	started := time.Now()
	defer func() {
		a.recordQuery(fmt.Sprintf("TRANSACTION %s %s", action, e.Table), time.Since(started))
	}()

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			tx.Rollback(ctx)
			err = a.classify(err, action, e.Name, id)
		}
	}()

	rec, err = fn(tx)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	return rec, nil
}

// getRecord wraps store.Get so single-row lookups feed the query
// metrics like any other statement.
func (a *App) getRecord(ctx context.Context, table, key string, id any, withTrashed bool) (resources.Record, error) {
	started := time.Now()
	rec, err := a.store.Get(ctx, table, key, id, withTrashed)
	a.recordQuery(fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", table, key), time.Since(started))
	return rec, err
}

func (a *App) fetch(ctx context.Context, e *resources.Entity, id any, withTrashed bool) (resources.Record, error) {
	rec, err := a.getRecord(ctx, e.Table, e.Key(), id, withTrashed || !e.SoftDelete)
	if err == storage.ErrNoRows {
		return nil, errors.NewNotFoundError(fmt.Sprintf("no %s with %s %v", e.Name, e.Key(), id))
	}
	if err != nil {
		return nil, a.classify(err, "fetch", e.Name, id)
	}
	return rec, nil
}

func (a *App) validate(e *resources.Entity, action resources.Action, payload resources.Record) error {
	if e.Rules == nil {
		return nil
	}

	if failures := resources.Validate(payload, e.Rules(action)); failures != nil {
		return errors.NewValidationError(failures)
	}
	return nil
}

// checkDependents blocks a hard delete while other registered entities
// still reference the instance through a to-one relation. The storage
// engine's own referential integrity remains as a backstop.
func (a *App) checkDependents(ctx context.Context, e *resources.Entity, id any) error {
	for _, other := range a.reg.Entities() {
		for _, rel := range other.Relations {
			if rel.Cardinality != resources.One {
				continue
			}
			if rel.Resource != e.Slug && rel.Resource != e.Name {
				continue
			}

			result, err := a.runQuery(ctx, storage.Query{
				Table:      other.Table,
				Key:        other.Key(),
				SoftDelete: other.SoftDelete,
				Conditions: []storage.Condition{
					{Column: rel.ForeignKey, Operator: resources.OpEq, Value: id},
				},
				Page:    1,
				PerPage: 1,
			})
			if err != nil {
				return a.classify(err, "destroy", e.Name, id)
			}

			if result.Total > 0 {
				return errors.NewDependencyConstraintError(
					fmt.Sprintf("%s %v is still referenced by %d %s", e.Name, id, result.Total, other.Slug))
			}
		}
	}
	return nil
}

// classify funnels unexpected failures through the error taxonomy,
// logging full context before the message is sanitized at the boundary.
func (a *App) classify(err error, action, entity string, id any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errors.ErrInvalidResource),
		errors.Is(err, errors.ErrInvalidRequest),
		errors.Is(err, errors.ErrInvalidFilter),
		errors.Is(err, errors.ErrValidation),
		errors.Is(err, errors.ErrNotFound),
		errors.Is(err, errors.ErrDependencyConstraint),
		errors.Is(err, errors.ErrAmbiguousMatch),
		errors.Is(err, errors.ErrNoMatch):
		return err
	case errors.Is(err, storage.ErrConstraint):
		return errors.NewDependencyConstraintError(err.Error())
	case err == storage.ErrNoRows:
		return errors.NewNotFoundError(err.Error())
	}

	a.logger.Error().
		Err(err).
		Str("action", action).
		Str("entity", entity).
		Interface("id", id).
		Msg("operation failed")

	return errors.NewInternalError(err.Error())
}

func (a *App) recordQuery(statement string, duration time.Duration) {
	if a.recorder != nil {
		a.recorder.Query(statement, duration)
	}
}

// runQuery wraps store.Query so every executed statement reaches the
// recorder, wherever the query originates.
func (a *App) runQuery(ctx context.Context, q storage.Query) (*storage.QueryResult, error) {
	started := time.Now()
	result, err := a.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	a.recordQuery(result.Statement, time.Since(started))
	return result, nil
}

func (a *App) measure(model, action string) func() {
	if a.recorder == nil {
		return func() {}
	}

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	started := time.Now()

	return func() {
		var after runtime.MemStats
		runtime.ReadMemStats(&after)
		a.recorder.Operation(model, action, time.Since(started), after.TotalAlloc-before.TotalAlloc)
	}
}

// format reloads the saved instance with its requested relations for
// the response body.
func (a *App) format(ctx context.Context, e *resources.Entity, saved resources.Record, include []string) (resources.Record, error) {
	includes, err := a.includes(e, include)
	if err != nil {
		return nil, err
	}

	rec, err := a.getRecord(ctx, e.Table, e.Key(), saved[e.Key()], !e.SoftDelete)
	if err != nil {
		// fall back to the in-memory view of what was saved
		rec = saved
	}

	if err := a.loadRelations(ctx, e, rec, includes); err != nil {
		return nil, a.classify(err, "format", e.Name, saved[e.Key()])
	}

	return rec, nil
}

// payloadRelations lists the relations a write payload touched, so the
// response reflects what was just saved.
func payloadRelations(e *resources.Entity, payload resources.Record) []string {
	var names []string
	for _, rel := range e.Relations {
		if _, ok := payload[rel.Name]; ok {
			names = append(names, rel.Name)
		}
	}
	return names
}

func (a *App) includes(e *resources.Entity, requested []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string

	for _, name := range append(append([]string{}, e.DefaultIncludes...), requested...) {
		if seen[name] {
			continue
		}
		if _, ok := e.Relation(name); !ok {
			return nil, errors.NewInvalidFilterError(fmt.Sprintf("unknown relation %q on %s", name, e.Name))
		}
		seen[name] = true
		out = append(out, name)
	}

	return out, nil
}

func (a *App) loadRelations(ctx context.Context, e *resources.Entity, rec resources.Record, includes []string) error {
	for _, name := range includes {
		rel, _ := e.Relation(name)

		related, err := a.reg.Related(rel)
		if err != nil {
			return err
		}

		switch rel.Cardinality {
		case resources.One:
			fk := rec[rel.ForeignKey]
			if fk == nil {
				rec[name] = nil
				continue
			}

			child, err := a.getRecord(ctx, related.Table, related.Key(), fk, !related.SoftDelete)
			if err == storage.ErrNoRows {
				rec[name] = nil
				continue
			}
			if err != nil {
				return err
			}
			rec[name] = child

		case resources.Many:
			result, err := a.runQuery(ctx, storage.Query{
				Table:      related.Table,
				Key:        related.Key(),
				SoftDelete: related.SoftDelete,
				Conditions: []storage.Condition{
					{Column: rel.OwnerKey, Operator: resources.OpEq, Value: rec[e.Key()]},
				},
				Order: []storage.Order{{Column: related.Key()}},
			})
			if err != nil {
				return err
			}
			rec[name] = result.Rows

		case resources.ManyToMany:
			result, err := a.runQuery(ctx, storage.Query{
				Table:      related.Table,
				Key:        related.Key(),
				SoftDelete: related.SoftDelete,
				Pivot: &storage.PivotConstraint{
					Table:      rel.PivotTable,
					OwnerKey:   rel.PivotOwnerKey,
					RelatedKey: rel.PivotRelatedKey,
					OwnerID:    rec[e.Key()],
				},
				Order: []storage.Order{{Column: related.Key()}},
			})
			if err != nil {
				return err
			}
			rec[name] = result.Rows
		}
	}

	return nil
}

// selectFields narrows a record to the requested fields, always keeping
// the primary key and any loaded relations.
func selectFields(e *resources.Entity, rec resources.Record, fields, includes []string) {
	if len(fields) == 0 {
		return
	}

	keep := map[string]bool{e.Key(): true}
	for _, f := range fields {
		keep[f] = true
	}
	for _, name := range includes {
		keep[name] = true
	}

	for k := range rec {
		if !keep[k] {
			delete(rec, k)
		}
	}
}
