// Package fleet supervises worker instances. The Supervisor is the only
// component that mutates the instance map and the running set.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"botfleet/internal/models"
	"botfleet/internal/storage"
	"botfleet/internal/worker"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Pool is the part of credential.Pool the supervisor needs.
type Pool interface {
	Allocate(ctx context.Context, owner, instanceID string) (*models.Credential, error)
	Release(ctx context.Context, credentialID, instanceID string) error
	Record(ctx context.Context, credentialID, owner, instanceID string) error
	Get(credentialID string) (*models.Credential, error)
}

// Metrics receives lifecycle events.
type Metrics interface {
	ObserveTransition(from, to string)
	ObserveRunning(delta int)
}

// StartResult tells the caller whether Start spawned a task.
type StartResult struct {
	AlreadyRunning bool
}

// Summary is a read-only view of a live instance.
type Summary struct {
	InstanceID   string       `json:"instance_id"`
	CredentialID string       `json:"credential_id"`
	Owner        string       `json:"owner"`
	Name         string       `json:"name"`
	State        worker.State `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Supervisor creates, starts and stops worker instances.
type Supervisor struct {
	pool         Pool
	factory      worker.Factory
	store        storage.Storage
	metrics      Metrics
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
	onFault      func(*worker.FaultError)
	stopTimeout  time.Duration
	startTimeout time.Duration

	mu        sync.RWMutex
	instances map[string]*worker.Instance
	running   map[string]struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithMetrics(m Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithIDGenerator replaces the UUID instance id generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Supervisor) { s.newID = newID }
}

// WithFaultHandler is called, outside any supervisor lock, whenever an
// instance enters the error state.
func WithFaultHandler(fn func(*worker.FaultError)) Option {
	return func(s *Supervisor) { s.onFault = fn }
}

func NewSupervisor(cfg models.FleetConfig, pool Pool, factory worker.Factory, store storage.Storage, opts ...Option) *Supervisor {
	s := &Supervisor{
		pool:         pool,
		factory:      factory,
		store:        store,
		logger:       slog.Default(),
		now:          time.Now,
		newID:        uuid.NewString,
		stopTimeout:  cfg.StopTimeout,
		startTimeout: cfg.StartTimeout,
		instances:    make(map[string]*worker.Instance),
		running:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates a credential and builds a worker in the created state.
// Pool exhaustion leaves no trace. A factory failure leaves the instance in
// the error state with its credential released.
func (s *Supervisor) Create(ctx context.Context, req models.CreateWorkerRequest) (*worker.Instance, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	id := s.newID()
	cred, err := s.pool.Allocate(ctx, req.Owner, id)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate credential: %w", err)
	}

	inst := worker.NewInstance(id, cred.ID, req.Owner, req.Name, s.now())
	inst.Lock()
	defer inst.Unlock()

	if err := s.transition(ctx, inst, worker.OpCreate, worker.StateCreating); err != nil {
		s.releaseCredential(ctx, inst)
		return nil, err
	}

	s.mu.Lock()
	s.instances[id] = inst
	s.mu.Unlock()

	runner, err := s.factory.NewRunner(inst, cred)
	if err != nil {
		return nil, s.fault(ctx, inst, worker.OpCreate, err)
	}
	inst.SetRunner(runner)

	if err := s.transition(ctx, inst, worker.OpCreate, worker.StateCreated); err != nil {
		return nil, err
	}

	s.logger.Info("Worker created", "instance_id", id, "credential_id", cred.ID, "owner", req.Owner, "name", req.Name)
	return inst, nil
}

// Start runs setup and spawns the worker's task. It returns once the
// runner's loop has begun. Starting a running instance is a no-op.
func (s *Supervisor) Start(ctx context.Context, id string) (StartResult, error) {
	inst, ok := s.lookup(id)
	if !ok {
		return StartResult{}, s.rejectUnknown(ctx, id, worker.OpStart)
	}

	inst.Lock()
	defer inst.Unlock()

	if inst.State() == worker.StateRunning {
		s.logger.Info("Worker already running", "instance_id", id)
		return StartResult{AlreadyRunning: true}, nil
	}

	if err := s.transition(ctx, inst, worker.OpStart, worker.StateStarting); err != nil {
		return StartResult{}, err
	}

	setupCtx, cancel := s.withStartTimeout(ctx)
	err := inst.Runner().Setup(setupCtx)
	cancel()
	if err != nil {
		return StartResult{}, s.fault(ctx, inst, worker.OpStart, fmt.Errorf("setup: %w", err))
	}

	task := inst.Spawn(ctx)
	if err := s.awaitReady(ctx, task); err != nil {
		if waitErr := s.awaitExit(task); waitErr != nil {
			s.logger.Warn("Worker task did not exit after failed start", "instance_id", id, "error", waitErr)
		}
		return StartResult{}, s.fault(ctx, inst, worker.OpStart, err)
	}

	if err := s.transition(ctx, inst, worker.OpStart, worker.StateRunning); err != nil {
		return StartResult{}, err
	}
	s.markRunning(id, true)
	go s.watch(inst, task)

	s.logger.Info("Worker started", "instance_id", id, "credential_id", inst.CredentialID)
	return StartResult{}, nil
}

// Stop cancels a running worker, waits up to the stop timeout, then marks it
// stopped, releases its credential and forgets it. The instance is removed
// even when the task does not exit cleanly; that case returns *StopError.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	inst, ok := s.lookup(id)
	if !ok {
		return s.rejectUnknown(ctx, id, worker.OpStop)
	}

	inst.Lock()
	defer inst.Unlock()

	if err := s.transition(ctx, inst, worker.OpStop, worker.StateStopping); err != nil {
		return err
	}

	exitErr := s.awaitExit(inst.Task())
	if exitErr != nil {
		s.logger.Warn("Worker did not stop cleanly", "instance_id", id, "error", exitErr)
	}

	if err := s.transition(ctx, inst, worker.OpStop, worker.StateStopped); err != nil {
		return err
	}
	s.releaseCredential(ctx, inst)
	s.forget(id)

	s.logger.Info("Worker stopped", "instance_id", id, "credential_id", inst.CredentialID)
	if exitErr != nil {
		return &StopError{InstanceID: id, Err: exitErr}
	}
	return nil
}

// ForceStop performs best-effort cleanup from any live state, including
// error: the task is cancelled, the credential released and the instance
// forgotten. An instance in error already gave its credential back when it
// faulted, so nothing is released for it here.
func (s *Supervisor) ForceStop(ctx context.Context, id string) error {
	inst, ok := s.lookup(id)
	if !ok {
		return s.rejectUnknown(ctx, id, worker.OpForceStop)
	}

	inst.Lock()
	defer inst.Unlock()

	from, err := inst.ForceStop()
	if err != nil {
		return err
	}
	s.observe(from, worker.StateStopped)
	s.persist(ctx, inst)

	if task := inst.Task(); task != nil {
		if err := s.awaitExit(task); err != nil {
			s.logger.Warn("Force-stopped worker did not exit cleanly", "instance_id", id, "error", err)
		}
	}
	if from != worker.StateError {
		s.releaseCredential(ctx, inst)
	}
	s.forget(id)

	s.logger.Info("Worker force-stopped", "instance_id", id, "from", from)
	return nil
}

// ShutdownAll stops every running instance concurrently. One instance's
// failure never blocks the others; failures are collected into a
// *ShutdownError after all stops have finished.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	s.logger.Info("Shutting down fleet", "running", len(ids))

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	for _, id := range ids {
		g.Go(func() error {
			err := s.Stop(ctx, id)
			if errors.Is(err, worker.ErrInvalidTransition) {
				// Faulted or stopped between the snapshot and the stop.
				err = s.ForceStop(ctx, id)
				if errors.Is(err, worker.ErrInvalidTransition) {
					err = nil
				}
			}
			if err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
			return err
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	for id := range s.running {
		delete(s.running, id)
		s.observeRunning(-1)
	}
	s.mu.Unlock()

	if len(failed) > 0 {
		return &ShutdownError{Failed: failed}
	}
	return nil
}

// Running lists running instances ordered by creation time.
func (s *Supervisor) Running() []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.running))
	for id := range s.running {
		if inst, ok := s.instances[id]; ok {
			out = append(out, summarize(inst))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns the status record of one instance, live or persisted.
func (s *Supervisor) Get(ctx context.Context, id string) (*models.WorkerRecord, error) {
	if inst, ok := s.lookup(id); ok {
		return inst.Record(s.now()), nil
	}

	rec, err := s.store.GetWorker(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return rec, nil
}

// List returns persisted records for owner (all owners when empty) with
// live instances overlaid, so a failed status write never hides the
// in-memory state.
func (s *Supervisor) List(ctx context.Context, owner string) ([]*models.WorkerRecord, error) {
	recs, err := s.store.ListWorkers(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	now := s.now()
	for i, rec := range recs {
		if inst, ok := s.lookup(rec.InstanceID); ok {
			recs[i] = inst.Record(now)
		}
	}
	return recs, nil
}

// ReconcileResult counts what Reconcile changed.
type ReconcileResult struct {
	Restored int // created instances rehydrated
	Stopped  int // stale live records marked stopped
}

// Reconcile repairs state left by a previous process. Created records are
// rehydrated as created instances holding their credential; records caught
// mid-lifecycle are marked stopped and their credentials released. The
// credential pool should be restored from storage first.
func (s *Supervisor) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	recs, err := s.store.ListWorkers(ctx, "")
	if err != nil {
		return res, fmt.Errorf("failed to list workers: %w", err)
	}

	for _, rec := range recs {
		if !rec.Live() {
			continue
		}
		if _, ok := s.lookup(rec.InstanceID); ok {
			continue
		}

		if rec.Status == models.WorkerStatusCreated {
			err := s.rehydrate(ctx, rec)
			if err == nil {
				res.Restored++
				continue
			}
			s.logger.Warn("Failed to rehydrate worker", "instance_id", rec.InstanceID, "error", err)
		}

		prev := rec.Status
		rec.Status = models.WorkerStatusStopped
		rec.LastError = fmt.Sprintf("process restarted while %s", prev)
		rec.LastUpdated = s.now()
		if err := s.store.SaveWorker(ctx, rec); err != nil {
			return res, fmt.Errorf("failed to save worker %s: %w", rec.InstanceID, err)
		}
		if err := s.pool.Release(ctx, rec.CredentialID, rec.InstanceID); err != nil {
			s.logger.Warn("Failed to release credential of stale worker", "instance_id", rec.InstanceID, "credential_id", rec.CredentialID, "error", err)
		}
		s.observe(worker.State(prev), worker.StateStopped)
		res.Stopped++
	}

	s.logger.Info("Fleet reconciled", "restored", res.Restored, "stopped", res.Stopped)
	return res, nil
}

func (s *Supervisor) rehydrate(ctx context.Context, rec *models.WorkerRecord) error {
	cred, err := s.pool.Get(rec.CredentialID)
	if err != nil {
		return err
	}

	inst := worker.NewInstance(rec.InstanceID, rec.CredentialID, rec.Owner, rec.Name, rec.CreatedAt)
	runner, err := s.factory.NewRunner(inst, cred)
	if err != nil {
		return err
	}
	if err := s.pool.Record(ctx, rec.CredentialID, rec.Owner, rec.InstanceID); err != nil {
		return err
	}

	inst.SetRunner(runner)
	inst.Restore(worker.StateCreated, rec.LastError)

	s.mu.Lock()
	s.instances[inst.ID] = inst
	s.mu.Unlock()
	return nil
}

// watch waits for the task to end on its own. If the instance is still
// running by then, a clean return retires it and an error faults it.
func (s *Supervisor) watch(inst *worker.Instance, task *worker.Task) {
	<-task.Done()

	inst.Lock()
	defer inst.Unlock()

	if inst.Task() != task || inst.State() != worker.StateRunning {
		return
	}

	ctx := context.Background()
	err := task.Err()
	if err == nil || errors.Is(err, context.Canceled) {
		s.logger.Info("Worker exited on its own", "instance_id", inst.ID)
		_ = s.transition(ctx, inst, worker.OpStop, worker.StateStopping)
		_ = s.transition(ctx, inst, worker.OpStop, worker.StateStopped)
		s.releaseCredential(ctx, inst)
		s.forget(inst.ID)
		return
	}

	_ = s.fault(ctx, inst, "run", err)
}

func (s *Supervisor) awaitReady(ctx context.Context, task *worker.Task) error {
	var timeout <-chan time.Time
	if s.startTimeout > 0 {
		t := time.NewTimer(s.startTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-task.Ready():
		return nil
	case <-task.Done():
		if err := task.Err(); err != nil {
			return err
		}
		return errors.New("worker exited before its loop began")
	case <-timeout:
		return fmt.Errorf("worker loop did not begin within %s", s.startTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitExit cancels the task and waits up to the stop timeout. A nil task
// (never spawned) exits trivially.
func (s *Supervisor) awaitExit(task *worker.Task) error {
	if task == nil {
		return nil
	}
	task.Cancel()

	var timeout <-chan time.Time
	if s.stopTimeout > 0 {
		t := time.NewTimer(s.stopTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-task.Done():
	case <-timeout:
		return ErrStopTimeout
	}

	if err := task.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// fault moves inst to the error state, releases its credential and reports
// the fault. The instance stays in the map until force-stopped.
func (s *Supervisor) fault(ctx context.Context, inst *worker.Instance, op string, cause error) error {
	from := inst.State()
	if err := inst.Fail(op, cause); err != nil {
		return err
	}
	s.observe(from, worker.StateError)
	s.persist(ctx, inst)

	if from == worker.StateRunning {
		s.markRunning(inst.ID, false)
	}
	s.releaseCredential(ctx, inst)

	fe := &worker.FaultError{InstanceID: inst.ID, CredentialID: inst.CredentialID, Err: cause}
	s.logger.Error("Worker fault", "instance_id", inst.ID, "credential_id", inst.CredentialID, "op", op, "error", cause)
	if s.onFault != nil {
		s.onFault(fe)
	}
	return fe
}

func (s *Supervisor) transition(ctx context.Context, inst *worker.Instance, op string, to worker.State) error {
	from := inst.State()
	if err := inst.Transition(op, to); err != nil {
		return err
	}
	s.observe(from, to)
	s.persist(ctx, inst)
	return nil
}

// persist writes the status record. A write failure is logged rather than
// returned: the in-memory state is authoritative and List overlays it.
func (s *Supervisor) persist(ctx context.Context, inst *worker.Instance) {
	if err := s.store.SaveWorker(context.WithoutCancel(ctx), inst.Record(s.now())); err != nil {
		s.logger.Error("Failed to persist worker status", "instance_id", inst.ID, "status", inst.State(), "error", err)
	}
}

func (s *Supervisor) releaseCredential(ctx context.Context, inst *worker.Instance) {
	if err := s.pool.Release(context.WithoutCancel(ctx), inst.CredentialID, inst.ID); err != nil {
		s.logger.Error("Failed to release credential", "instance_id", inst.ID, "credential_id", inst.CredentialID, "error", err)
	}
}

// rejectUnknown answers a lifecycle operation on an instance that is not in
// memory, using the persisted status when there is one.
func (s *Supervisor) rejectUnknown(ctx context.Context, id, op string) error {
	from := worker.StateNone
	if rec, err := s.store.GetWorker(ctx, id); err == nil {
		from = worker.State(rec.Status)
	}
	return &worker.TransitionError{InstanceID: id, Op: op, From: from}
}

func (s *Supervisor) lookup(id string) (*worker.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	return inst, ok
}

func (s *Supervisor) markRunning(id string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, was := s.running[id]
	switch {
	case running && !was:
		s.running[id] = struct{}{}
		s.observeRunning(1)
	case !running && was:
		delete(s.running, id)
		s.observeRunning(-1)
	}
}

func (s *Supervisor) forget(id string) {
	s.markRunning(id, false)
	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
}

func (s *Supervisor) withStartTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.startTimeout > 0 {
		return context.WithTimeout(ctx, s.startTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Supervisor) observe(from, to worker.State) {
	if s.metrics != nil {
		s.metrics.ObserveTransition(string(from), string(to))
	}
}

func (s *Supervisor) observeRunning(delta int) {
	if s.metrics != nil {
		s.metrics.ObserveRunning(delta)
	}
}

func summarize(inst *worker.Instance) Summary {
	return Summary{
		InstanceID:   inst.ID,
		CredentialID: inst.CredentialID,
		Owner:        inst.Owner,
		Name:         inst.Name,
		State:        inst.State(),
		CreatedAt:    inst.CreatedAt,
	}
}
