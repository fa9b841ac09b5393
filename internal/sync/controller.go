// Package sync keeps a live copy of the signed-in user's passphrase
// collection in step with the Diceware server.
//
// A Controller owns the collection snapshot, the most recent fault and the
// set of in-flight remote operations. All of that state lives on a single
// owner goroutine: entry points enqueue closures, network calls run on
// worker goroutines, and completions are posted back to the owner loop,
// where they are applied only if the operation is still in flight. Dispose
// cancels everything outstanding, so nothing is applied after it returns.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/diceware-go/internal/diceware"
	"github.com/tonimelisma/diceware-go/internal/session"
)

// ErrInvalidRouting is returned synchronously when a record's id does not
// fit the requested operation: create needs id 0, update and delete need a
// positive id. No request is made.
var ErrInvalidRouting = errors.New("sync: invalid id for operation")

// ErrDisposed is returned by WaitIdle when the controller is disposed first.
var ErrDisposed = errors.New("sync: controller disposed")

// Remote is the subset of diceware.Client the controller calls.
type Remote interface {
	List(ctx context.Context, token string) ([]diceware.Passphrase, error)
	Create(ctx context.Context, token string, p diceware.Passphrase) (*diceware.Passphrase, error)
	Update(ctx context.Context, token string, id int64, p diceware.Passphrase) (*diceware.Passphrase, error)
	Delete(ctx context.Context, token string, id int64) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJournal records every dispatched operation and its outcome.
func WithJournal(j Journal) Option {
	return func(c *Controller) { c.journal = j }
}

// WithSerializedMutations queues mutations so that at most one mutation,
// together with the refresh it triggers, is outstanding at a time. Lists
// are never queued.
func WithSerializedMutations(on bool) Option {
	return func(c *Controller) { c.serialize = on }
}

// mutation is a queued create, update or delete.
type mutation struct {
	kind OpKind
	p    diceware.Passphrase
}

// Controller synchronizes one passphrase collection. Construct with New and
// bind to a lifecycle with Attach; all methods are safe for concurrent use.
type Controller struct {
	remote    Remote
	logger    *slog.Logger
	journal   Journal
	serialize bool
	nowFunc   func() time.Time

	cmds        chan func()
	done        chan struct{}
	disposeOnce stdsync.Once

	collection *observable[[]diceware.Passphrase]
	faults     *observable[error]

	// Owned by the loop goroutine.
	cred     *session.Credential
	snapshot []diceware.Passphrase
	fault    error
	inflight *inflightSet
	queue    []mutation
	mutating bool
	waiters  []chan struct{}
	disposed bool
}

// New creates a controller and starts its owner goroutine. The initial
// snapshot is empty and no credential is set.
func New(remote Remote, opts ...Option) *Controller {
	c := &Controller{
		remote:     remote,
		logger:     slog.Default(),
		nowFunc:    time.Now,
		cmds:       make(chan func()),
		done:       make(chan struct{}),
		collection: newObservable([]diceware.Passphrase{}, diceware.CloneAll),
		faults:     newObservable[error](nil, nil),
		snapshot:   []diceware.Passphrase{},
		inflight:   newInflightSet(),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.run()

	return c
}

// Attach binds the controller to a lifecycle: it is disposed when ctx is
// done or when the returned detach func is called, whichever comes first.
func (c *Controller) Attach(ctx context.Context) (detach func()) {
	go func() {
		select {
		case <-ctx.Done():
			c.Dispose()
		case <-c.done:
		}
	}()

	return c.Dispose
}

// ObserveCollection streams the snapshot. The current value arrives first;
// later values replace unread ones. The channel closes on Dispose or when
// ctx is done.
func (c *Controller) ObserveCollection(ctx context.Context) <-chan []diceware.Passphrase {
	return c.collection.subscribe(ctx)
}

// ObserveFault streams the fault slot with the same semantics as
// ObserveCollection. A nil value means the fault was cleared.
func (c *Controller) ObserveFault(ctx context.Context) <-chan error {
	return c.faults.subscribe(ctx)
}

// SetCredential records the credential to use for later calls and starts a
// refresh. Nil means signed out: the snapshot becomes empty, the fault is
// cleared and no request is made. Switching to nil or to a different account cancels operations
// dispatched under the previous one.
func (c *Controller) SetCredential(cred *session.Credential) {
	var copied *session.Credential
	if cred != nil {
		v := *cred
		copied = &v
	}

	c.post(func() {
		if accountChanged(c.cred, copied) {
			c.abandon("credential changed")
		}

		c.cred = copied
		c.refresh(nil)
	})
}

// Refresh lists the collection again. Without a credential the snapshot is
// set to empty, the fault is cleared and no request is made.
func (c *Controller) Refresh() {
	c.post(func() { c.refresh(nil) })
}

// Create stores a new record and refreshes on success. p.ID must be zero.
func (c *Controller) Create(p diceware.Passphrase) error {
	if p.ID != 0 {
		return fmt.Errorf("%w: create requires id 0, got %d", ErrInvalidRouting, p.ID)
	}

	c.enqueueMutation(OpCreate, p)

	return nil
}

// Update replaces an existing record and refreshes on success. p.ID must be
// positive.
func (c *Controller) Update(p diceware.Passphrase) error {
	if p.ID <= 0 {
		return fmt.Errorf("%w: update requires a positive id, got %d", ErrInvalidRouting, p.ID)
	}

	c.enqueueMutation(OpUpdate, p)

	return nil
}

// Delete removes a record and refreshes on success. p.ID must be positive.
func (c *Controller) Delete(p diceware.Passphrase) error {
	if p.ID <= 0 {
		return fmt.Errorf("%w: delete requires a positive id, got %d", ErrInvalidRouting, p.ID)
	}

	c.enqueueMutation(OpDelete, p)

	return nil
}

// Save creates drafts (id 0) and updates everything else.
func (c *Controller) Save(p diceware.Passphrase) error {
	if p.IsDraft() {
		return c.Create(p)
	}

	return c.Update(p)
}

// Dispose cancels every in-flight operation and closes all observer
// channels. Later calls to any entry point do nothing. It does not wait for
// worker goroutines; their results are discarded. Safe to call repeatedly.
func (c *Controller) Dispose() {
	c.disposeOnce.Do(func() {
		select {
		case c.cmds <- c.teardown:
		case <-c.done:
		}
	})

	<-c.done
}

// Done is closed once the controller has been disposed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// InFlight returns the number of outstanding operations, or 0 once
// disposed.
func (c *Controller) InFlight() int {
	result := make(chan int, 1)
	if !c.post(func() { result <- c.inflight.len() }) {
		return 0
	}

	select {
	case n := <-result:
		return n
	case <-c.done:
		return 0
	}
}

// WaitIdle blocks until no operation is in flight and no mutation is
// queued. Returns ErrDisposed if the controller is disposed first.
func (c *Controller) WaitIdle(ctx context.Context) error {
	idle := make(chan struct{})
	if !c.post(func() {
		c.waiters = append(c.waiters, idle)
		c.notifyIdle()
	}) {
		return ErrDisposed
	}

	select {
	case <-idle:
		return nil
	case <-c.done:
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the most recently published collection.
func (c *Controller) Snapshot() []diceware.Passphrase {
	return c.collection.current()
}

// Fault returns the most recently published fault, or nil.
func (c *Controller) Fault() error {
	return c.faults.current()
}

// run is the owner loop. It exits after teardown.
func (c *Controller) run() {
	for {
		select {
		case fn := <-c.cmds:
			fn()

			if c.disposed {
				return
			}
		case <-c.done:
			return
		}
	}
}

// post hands fn to the owner loop. Returns false once disposed.
func (c *Controller) post(fn func()) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) teardown() {
	canceled := c.inflight.cancelAll()
	for _, op := range canceled {
		c.settleJournal(op, StatusCanceled, "")
	}

	c.queue = nil
	c.disposed = true
	c.collection.close()
	c.faults.close()
	close(c.done)

	c.logger.Debug("controller disposed", slog.Int("canceled", len(canceled)))
}

// refresh dispatches a list call. onSettle, if set, runs on the loop once
// the list has settled (or immediately when no call is made).
func (c *Controller) refresh(onSettle func()) {
	if c.cred == nil {
		c.setSnapshot([]diceware.Passphrase{})
		c.setFault(nil)

		if onSettle != nil {
			onSettle()
		}

		return
	}

	var listed []diceware.Passphrase

	c.dispatch(OpList, 0,
		func(ctx context.Context, token string) error {
			var err error
			listed, err = c.remote.List(ctx, token)

			return err
		},
		func(err error) {
			if err != nil {
				c.setFault(err)
			} else {
				c.setSnapshot(listed)
				c.setFault(nil)
			}

			if onSettle != nil {
				onSettle()
			}
		},
	)
}

func (c *Controller) enqueueMutation(kind OpKind, p diceware.Passphrase) {
	m := mutation{kind: kind, p: p.Clone()}

	c.post(func() {
		if c.serialize && c.mutating {
			c.queue = append(c.queue, m)
			c.logger.Debug("mutation queued",
				slog.String("op", kind.String()),
				slog.Int("queued", len(c.queue)),
			)

			return
		}

		c.startMutation(m)
	})
}

// startMutation dispatches m. A missing credential drops it silently.
func (c *Controller) startMutation(m mutation) {
	if c.cred == nil {
		c.logger.Debug("no credential, dropping mutation", slog.String("op", m.kind.String()))
		c.nextMutation()

		return
	}

	if c.serialize {
		c.mutating = true
	}

	c.dispatch(m.kind, m.p.ID,
		func(ctx context.Context, token string) error {
			return c.call(ctx, token, m)
		},
		func(err error) {
			if err != nil {
				c.setFault(err)
				c.nextMutation()

				return
			}

			c.refresh(c.nextMutation)
		},
	)
}

// call performs the remote request for m on a worker goroutine.
func (c *Controller) call(ctx context.Context, token string, m mutation) error {
	var err error

	switch m.kind {
	case OpCreate:
		_, err = c.remote.Create(ctx, token, m.p)
	case OpUpdate:
		_, err = c.remote.Update(ctx, token, m.p.ID, m.p)
	case OpDelete:
		err = c.remote.Delete(ctx, token, m.p.ID)
	default:
		err = fmt.Errorf("sync: unsupported mutation %s", m.kind)
	}

	return err
}

// nextMutation releases the serialization slot and starts the next queued
// mutation, if any.
func (c *Controller) nextMutation() {
	if !c.serialize {
		return
	}

	c.mutating = false

	if len(c.queue) == 0 {
		c.notifyIdle()
		return
	}

	m := c.queue[0]
	c.queue = c.queue[1:]
	c.startMutation(m)
}

// dispatch registers an operation and runs call on a worker goroutine.
// settle runs on the loop with call's error, but only if the operation is
// still in flight when the completion arrives.
func (c *Controller) dispatch(
	kind OpKind, recordID int64,
	call func(ctx context.Context, token string) error,
	settle func(err error),
) {
	ctx, cancel := context.WithCancel(context.Background())
	op := c.inflight.add(kind, recordID, cancel, c.nowFunc())
	c.beginJournal(op)

	token := c.cred.Token

	c.logger.Debug("operation dispatched",
		slog.String("op", kind.String()),
		slog.Int64("record_id", recordID),
		slog.Int("in_flight", c.inflight.len()),
	)

	go func() {
		err := call(ctx, token)

		c.post(func() {
			if _, ok := c.inflight.take(op.token); !ok {
				c.logger.Debug("dropping completion of canceled operation",
					slog.String("op", kind.String()),
				)

				return
			}

			cancel()

			if err != nil {
				c.logger.Warn("operation failed",
					slog.String("op", kind.String()),
					slog.Int64("record_id", recordID),
					slog.Duration("elapsed", c.nowFunc().Sub(op.started)),
					slog.String("error", err.Error()),
				)
				c.settleJournal(op, StatusFailed, err.Error())
			} else {
				c.logger.Debug("operation settled",
					slog.String("op", kind.String()),
					slog.Int64("record_id", recordID),
					slog.Duration("elapsed", c.nowFunc().Sub(op.started)),
				)
				c.settleJournal(op, StatusDone, "")
			}

			settle(err)
			c.notifyIdle()
		})
	}()
}

// abandon cancels everything dispatched under the current credential and
// drops queued mutations.
func (c *Controller) abandon(reason string) {
	canceled := c.inflight.cancelAll()
	for _, op := range canceled {
		c.settleJournal(op, StatusCanceled, reason)
	}

	dropped := len(c.queue)
	c.queue = nil
	c.mutating = false

	if len(canceled) > 0 || dropped > 0 {
		c.logger.Info("abandoned pending operations",
			slog.String("reason", reason),
			slog.Int("canceled", len(canceled)),
			slog.Int("dropped", dropped),
		)
	}

	c.notifyIdle()
}

func (c *Controller) notifyIdle() {
	if c.inflight.len() > 0 || len(c.queue) > 0 || c.mutating {
		return
	}

	for _, w := range c.waiters {
		close(w)
	}

	c.waiters = nil
}

func (c *Controller) setSnapshot(list []diceware.Passphrase) {
	c.snapshot = diceware.CloneAll(list)
	c.collection.publish(c.snapshot)
}

// setFault records err. Clearing an already clear fault publishes nothing.
func (c *Controller) setFault(err error) {
	if err == nil && c.fault == nil {
		return
	}

	c.fault = err
	c.faults.publish(err)
}

func (c *Controller) beginJournal(op *operation) {
	if c.journal == nil {
		return
	}

	var subject string
	if c.cred != nil {
		subject = c.cred.Subject
	}

	id, err := c.journal.Begin(context.Background(), op.kind, op.recordID, subject, op.started)
	if err != nil {
		c.logger.Warn("journal begin failed", slog.String("error", err.Error()))
		return
	}

	op.journalID = id
}

func (c *Controller) settleJournal(op *operation, status Status, msg string) {
	if c.journal == nil || op.journalID == "" {
		return
	}

	if err := c.journal.Settle(context.Background(), op.journalID, status, msg, c.nowFunc()); err != nil {
		c.logger.Warn("journal settle failed",
			slog.String("id", op.journalID),
			slog.String("error", err.Error()),
		)
	}
}

// accountChanged reports whether moving from prev to next switches account
// or signs out. A refreshed token for the same subject is not a change.
func accountChanged(prev, next *session.Credential) bool {
	switch {
	case prev == nil:
		return false
	case next == nil:
		return true
	default:
		return prev.Subject != next.Subject
	}
}
