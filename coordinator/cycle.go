package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/msconstructor/data-sync/backend"
	"github.com/msconstructor/data-sync/store"
)

type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusOffline        Status = "offline"
)

// BackendReport aggregates what one backend did during a cycle.
type BackendReport struct {
	Backend   string
	Pushed    int
	Rejected  int
	Conflicts int
	Pulled    int
	Err       error
}

// Failure is a record left unsynced with a backend.
type Failure struct {
	Table    string
	RecordID string
	Backend  string
	Err      error
	// Exhausted is set once the retry budget ran out and the record was
	// marked error.
	Exhausted bool
}

type CycleResult struct {
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
	Backends   []BackendReport
	Failures   []Failure
	// Remaining is the size of the dirty set after the cycle.
	Remaining int
	// Retryable is false when everything left over is a record whose retry
	// budget ran out.
	Retryable bool
	Err       error
}

type cycleRun struct {
	result     *CycleResult
	reports    map[string]*BackendReport
	incomplete bool
}

func (r *cycleRun) fail(f Failure) {
	r.result.Failures = append(r.result.Failures, f)
}

// retryable reports whether anything besides exhausted records is left.
func (r *cycleRun) retryable() bool {
	if r.incomplete {
		return true
	}
	exhausted := make(map[string]bool)
	for _, f := range r.result.Failures {
		if !f.Exhausted {
			return true
		}
		exhausted[f.Table+"/"+f.RecordID] = true
	}
	return r.result.Remaining > len(exhausted)
}

func (r *cycleRun) backendErr(name string, err error) {
	report := r.reports[name]
	report.Err = errors.Join(report.Err, err)
	r.incomplete = true
}

func (c *Coordinator) cycle(ctx context.Context) *CycleResult {
	result := &CycleResult{StartedAt: c.now()}
	if err := c.connectivity.Check(ctx); err != nil {
		result.Status = StatusOffline
		result.Err = &store.ConnectivityError{Err: err}
		result.FinishedAt = c.now()
		c.metrics.observeCycle(result.Status, 0, 0)
		c.logger.Info("offline, sync deferred", "error", err)
		return result
	}

	run := &cycleRun{result: result, reports: make(map[string]*BackendReport)}
	for _, a := range c.adapters {
		run.reports[a.Name()] = &BackendReport{Backend: a.Name()}
	}

	tables, err := c.syncTables(ctx)
	if err != nil {
		result.Err = err
		run.incomplete = true
	}
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			result.Err = errors.Join(result.Err, err)
			run.incomplete = true
			break
		}
		if err := c.syncTable(ctx, table, run); err != nil {
			c.logger.Error("table sync failed", "table", table, "error", err)
			result.Err = errors.Join(result.Err, fmt.Errorf("table %s: %w", table, err))
			run.incomplete = true
		}
	}

	for _, table := range tables {
		pending, err := c.store.Drain(ctx, table)
		if err != nil {
			result.Err = errors.Join(result.Err, err)
			run.incomplete = true
			continue
		}
		result.Remaining += len(pending)
	}

	for _, a := range c.adapters {
		result.Backends = append(result.Backends, *run.reports[a.Name()])
	}
	result.Status = StatusSuccess
	if run.incomplete || result.Remaining > 0 || len(result.Failures) > 0 {
		result.Status = StatusPartialFailure
		result.Retryable = run.retryable()
	}
	result.FinishedAt = c.now()
	c.metrics.observeCycle(result.Status, result.FinishedAt.Sub(result.StartedAt), result.Remaining)
	c.logger.Info("sync cycle finished",
		"status", result.Status,
		"remaining", result.Remaining,
		"failures", len(result.Failures),
		"took", result.FinishedAt.Sub(result.StartedAt))
	return result
}

// syncTables returns the configured tables followed by any other table
// holding local records.
func (c *Coordinator) syncTables(ctx context.Context) ([]string, error) {
	tables := slices.Clone(c.tables)
	local, err := c.store.Tables(ctx)
	for _, t := range local {
		if !slices.Contains(tables, t) {
			tables = append(tables, t)
		}
	}
	return tables, err
}

func (c *Coordinator) syncTable(ctx context.Context, table string, run *cycleRun) error {
	if err := c.pushTable(ctx, table, run); err != nil {
		return err
	}
	if err := c.pullTable(ctx, table, run); err != nil {
		return err
	}
	if c.purge {
		n, err := c.store.PurgeSynced(ctx, table)
		if err != nil {
			return err
		}
		if n > 0 {
			c.logger.Debug("purged tombstones", "table", table, "count", n)
		}
	}
	return nil
}

type pushResult struct {
	batch    []store.Record
	outcomes []backend.Outcome
	err      error
}

func (c *Coordinator) pushTable(ctx context.Context, table string, run *cycleRun) error {
	changes, err := c.store.Drain(ctx, table)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	type queued struct {
		change store.PendingChange
		rec    store.Record
	}
	var queue []queued
	for _, change := range changes {
		rec, err := c.store.Lookup(ctx, table, change.RecordID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			c.logger.Warn("skipping unreadable record", "table", table, "id", change.RecordID, "error", err)
			run.fail(Failure{Table: table, RecordID: change.RecordID, Err: err})
			continue
		}
		queue = append(queue, queued{change: change, rec: rec})
	}

	results := make([]pushResult, len(c.adapters))
	var g errgroup.Group
	for i, a := range c.adapters {
		var batch []store.Record
		for _, q := range queue {
			if !q.change.AckedByBackend(a.Name()) {
				batch = append(batch, q.rec)
			}
		}
		if len(batch) == 0 {
			continue
		}
		results[i].batch = batch
		g.Go(func() error {
			results[i].outcomes, results[i].err = c.push(ctx, a, table, batch)
			return nil
		})
	}
	_ = g.Wait()

	for i, a := range c.adapters {
		if len(results[i].batch) == 0 {
			continue
		}
		if err := c.applyPush(ctx, table, a.Name(), results[i], run); err != nil {
			return err
		}
	}
	return nil
}

// push sends batch with bounded retries. On failure it returns the outcomes
// reported by the last attempt together with the error.
func (c *Coordinator) push(ctx context.Context, a backend.Adapter, table string, batch []store.Record) ([]backend.Outcome, error) {
	var outcomes []backend.Outcome
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		out, err := safePush(ctx, a, table, batch)
		outcomes = out
		return struct{}{}, err
	},
		backoff.WithBackOff(c.retry.backOff()),
		backoff.WithMaxTries(uint(c.retry.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("push failed, retrying", "backend", a.Name(), "table", table, "error", err, "retry_in", next)
		}),
	)
	return outcomes, err
}

func safePush(ctx context.Context, a backend.Adapter, table string, batch []store.Record) (outcomes []backend.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcomes = nil
			err = backoff.Permanent(&store.AdapterError{Backend: a.Name(), Op: "push", Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	outcomes, err = a.Push(ctx, table, slices.Clone(batch))
	return outcomes, classify(ctx, a.Name(), "push", err)
}

func safePull(ctx context.Context, a backend.Adapter, table, cursor string) (next string, records []store.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, records = cursor, nil
			err = backoff.Permanent(&store.AdapterError{Backend: a.Name(), Op: "pull", Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	next, records, err = a.Pull(ctx, table, cursor)
	return next, records, classify(ctx, a.Name(), "pull", err)
}

// classify wraps adapter failures in AdapterError. Validation failures and
// cancellation are not retried.
func classify(ctx context.Context, name, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return backoff.Permanent(err)
	case store.IsValidation(err):
		return backoff.Permanent(&store.AdapterError{Backend: name, Op: op, Err: err})
	case store.IsAdapter(err):
		return err
	default:
		return &store.AdapterError{Backend: name, Op: op, Err: err}
	}
}

func (c *Coordinator) applyPush(ctx context.Context, table, name string, res pushResult, run *cycleRun) error {
	report := run.reports[name]
	byID := make(map[string]store.Record, len(res.batch))
	for _, rec := range res.batch {
		byID[rec.ID] = rec
	}

	seen := make(map[string]bool, len(res.outcomes))
	for _, o := range res.outcomes {
		rec, ok := byID[o.ID]
		if !ok || seen[o.ID] {
			c.logger.Warn("ignoring unexpected push outcome", "backend", name, "table", table, "id", o.ID)
			continue
		}
		seen[o.ID] = true
		c.metrics.observePush(name, o.Kind.String())

		switch o.Kind {
		case backend.Accepted:
			report.Pushed++
			if err := c.store.MarkSynced(ctx, table, rec.ID, name, rec.Version); err != nil {
				return err
			}
		case backend.Conflict:
			report.Conflicts++
			if o.Remote == nil {
				if err := c.reject(ctx, table, name, rec, "conflict reported without remote copy", run); err != nil {
					return err
				}
				continue
			}
			if err := c.store.MarkConflict(ctx, table, rec.ID, name, o.Remote.Version); err != nil {
				return err
			}
			if err := c.reconcile(ctx, table, name, rec, *o.Remote); err != nil {
				if ctx.Err() != nil {
					return err
				}
				run.fail(Failure{Table: table, RecordID: rec.ID, Backend: name, Err: err})
			}
		default:
			report.Rejected++
			if err := c.reject(ctx, table, name, rec, o.Reason, run); err != nil {
				return err
			}
		}
	}

	if res.err != nil {
		report.Err = errors.Join(report.Err, res.err)
	}
	for _, rec := range res.batch {
		if seen[rec.ID] {
			continue
		}
		switch {
		case res.err == nil:
			if err := c.reject(ctx, table, name, rec, "no outcome reported", run); err != nil {
				return err
			}
		case ctx.Err() != nil:
			// Cancelled mid-batch: the record stays queued untouched.
			run.fail(Failure{Table: table, RecordID: rec.ID, Backend: name, Err: ctx.Err()})
		case store.IsConnectivity(res.err):
			run.fail(Failure{Table: table, RecordID: rec.ID, Backend: name, Err: res.err})
		default:
			if err := c.store.MarkError(ctx, table, rec.ID, name, res.err.Error()); err != nil {
				return err
			}
			run.fail(Failure{Table: table, RecordID: rec.ID, Backend: name, Err: res.err, Exhausted: true})
		}
	}
	return nil
}

// reject counts a refused delivery and marks the record error once the retry
// budget is spent.
func (c *Coordinator) reject(ctx context.Context, table, name string, rec store.Record, reason string, run *cycleRun) error {
	attempts, err := c.store.MarkFailed(ctx, table, rec.ID, name, reason)
	if err != nil {
		return err
	}
	f := Failure{
		Table:    table,
		RecordID: rec.ID,
		Backend:  name,
		Err:      &store.AdapterError{Backend: name, Op: "push", Err: errors.New(reason)},
	}
	if attempts >= c.retry.MaxAttempts {
		if err := c.store.MarkError(ctx, table, rec.ID, name, reason); err != nil {
			return err
		}
		f.Exhausted = true
		c.logger.Warn("record rejected, giving up", "backend", name, "table", table, "id", rec.ID, "attempts", attempts, "reason", reason)
	} else {
		c.logger.Info("record rejected", "backend", name, "table", table, "id", rec.ID, "attempts", attempts, "reason", reason)
	}
	run.fail(f)
	return nil
}

// reconcile settles local against the copy held by backend origin. A merged
// record equal to the remote copy is stored as acknowledged by origin; new
// merged content is queued for every backend.
func (c *Coordinator) reconcile(ctx context.Context, table, origin string, local, remote store.Record) error {
	if local.Version == remote.Version && local.SameContent(remote) {
		return c.store.MarkSynced(ctx, table, local.ID, origin, local.Version)
	}

	merged := c.resolver.Resolve(local, remote)
	var err error
	switch {
	case merged.Version == remote.Version && merged.SameContent(remote):
		_, err = c.store.Apply(ctx, table, merged, origin)
	case merged.Version == local.Version && merged.SameContent(local):
		err = c.store.MarkDirty(ctx, table, local)
	default:
		_, err = c.store.Apply(ctx, table, merged, "")
	}
	if err != nil {
		conflict := &store.ConflictError{Table: table, ID: local.ID, LocalVersion: local.Version, RemoteVersion: remote.Version}
		return fmt.Errorf("%w: %w", conflict, err)
	}
	c.logger.Debug("conflict resolved",
		"backend", origin, "table", table, "id", local.ID,
		"local_version", local.Version, "remote_version", remote.Version, "version", merged.Version)
	return nil
}

type pullResult struct {
	cursor  string
	next    string
	records []store.Record
	err     error
}

func (c *Coordinator) pullTable(ctx context.Context, table string, run *cycleRun) error {
	results := make([]pullResult, len(c.adapters))
	for i, a := range c.adapters {
		cursor, err := c.store.Cursor(ctx, table, a.Name())
		if err != nil {
			return err
		}
		results[i].cursor = cursor
	}

	var g errgroup.Group
	for i, a := range c.adapters {
		g.Go(func() error {
			r := &results[i]
			_, r.err = backoff.Retry(ctx, func() (struct{}, error) {
				next, records, err := safePull(ctx, a, table, r.cursor)
				r.next, r.records = next, records
				return struct{}{}, err
			},
				backoff.WithBackOff(c.retry.backOff()),
				backoff.WithMaxTries(uint(c.retry.MaxAttempts)),
				backoff.WithNotify(func(err error, next time.Duration) {
					c.logger.Warn("pull failed, retrying", "backend", a.Name(), "table", table, "error", err, "retry_in", next)
				}),
			)
			return nil
		})
	}
	_ = g.Wait()

	for i, a := range c.adapters {
		name := a.Name()
		r := results[i]
		if r.err != nil {
			c.logger.Warn("pull failed", "backend", name, "table", table, "error", r.err)
			run.backendErr(name, r.err)
			continue
		}
		applied := true
		for _, remote := range r.records {
			if err := c.applyRemote(ctx, table, name, remote); err != nil {
				if ctx.Err() != nil {
					return err
				}
				c.logger.Warn("failed to apply remote change", "backend", name, "table", table, "id", remote.ID, "error", err)
				run.fail(Failure{Table: table, RecordID: remote.ID, Backend: name, Err: err})
				applied = false
			}
		}
		run.reports[name].Pulled += len(r.records)
		c.metrics.observePull(name, len(r.records))
		if !applied {
			// The cursor stays put so the changes are pulled again.
			run.incomplete = true
			continue
		}
		if r.next != r.cursor {
			if err := c.store.SaveCursor(ctx, table, name, r.next); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Coordinator) applyRemote(ctx context.Context, table, origin string, remote store.Record) error {
	if remote.ID == "" {
		return &store.ValidationError{Msg: "remote record without id"}
	}
	local, err := c.store.Lookup(ctx, table, remote.ID)
	switch {
	case errors.Is(err, store.ErrNotFound), store.IsCorrupt(err):
		_, err = c.store.Apply(ctx, table, remote, origin)
		return err
	case err != nil:
		return err
	}
	return c.reconcile(ctx, table, origin, local, remote)
}
