package intake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Deps wires a Workflow to its collaborators.
type Deps struct {
	Verifier Verifier
	Cases    CaseService
	Tokens   TokenStore
	Mailbox  Mailbox
	Policy   TokenPolicy
	Timeout  time.Duration
}

// Workflow runs one health worker through verification, intake, preview and
// confirmation.
//
// Remote calls are made without holding the workflow lock. epoch is bumped on
// every Back so that a call finishing after the user navigated away does not move
// the workflow.
type Workflow struct {
	gateway *Gateway
	form    *Controller
	preview *Preview
	mailbox Mailbox
	cred    *Credential

	mutex   sync.Mutex
	stage   Stage
	session SessionID
	epoch   uint64
}

func New(deps Deps) *Workflow {
	if deps.Tokens == nil {
		deps.Tokens = NewMemoryTokenStore()
	}
	if deps.Mailbox == nil {
		deps.Mailbox = NewMemoryMailbox()
	}
	cred := NewCredential(deps.Tokens, deps.Policy)
	return &Workflow{
		gateway: NewGateway(deps.Verifier, cred, deps.Timeout),
		form:    NewController(deps.Cases, cred, deps.Timeout),
		preview: NewPreview(deps.Cases, cred, deps.Mailbox, deps.Timeout),
		mailbox: deps.Mailbox,
		cred:    cred,
		stage:   StageWorkID,
	}
}

// Snapshot is a read-only view of a workflow.
type Snapshot struct {
	Stage    Stage
	Session  SessionID
	HasToken bool
	StoredAt time.Time
	Record   CaseRecord
	Preview  *CaseRecord
}

func (w *Workflow) Snapshot(ctx context.Context) (Snapshot, error) {
	w.mutex.Lock()
	snap := Snapshot{Stage: w.stage, Session: w.session}
	w.mutex.Unlock()

	token, ok, err := w.cred.Token(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.HasToken = ok
	snap.StoredAt = token.StoredAt
	snap.Record = w.form.Record()
	if rec, err := w.preview.Record(); err == nil {
		snap.Preview = &rec
	}
	return snap, nil
}

func (w *Workflow) Stage() Stage {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.stage
}

func (w *Workflow) Session() SessionID {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.session
}

// enter checks the workflow is at want and returns the current epoch.
func (w *Workflow) enter(want Stage) (uint64, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.stage != want {
		return 0, fmt.Errorf("%w: at %s, not %s", ErrWrongStage, w.stage, want)
	}
	return w.epoch, nil
}

// move sets the stage if nothing navigated away since epoch was taken.
func (w *Workflow) move(epoch uint64, to Stage, session SessionID) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.epoch != epoch {
		slog.Debug("Dropping stale transition", "to", to)
		return false
	}
	w.stage = to
	w.session = session
	return true
}

// VerifyStep runs the verification step of the current stage.
func (w *Workflow) VerifyStep(ctx context.Context, step Step, input StepInput) (Transition, error) {
	if !step.Valid() {
		return Transition{}, fmt.Errorf("%w: unknown verification step %d", ErrWrongStage, int(step))
	}
	epoch, err := w.enter(step.Stage())
	if err != nil {
		return Transition{}, err
	}

	result, err := w.gateway.Verify(ctx, step, input)
	if err != nil {
		return Transition{}, err
	}

	transition := Advance(step, result)
	if transition.Advanced {
		w.move(epoch, transition.Next, "")
	}
	return transition, nil
}

func (w *Workflow) SetField(name, value string) error {
	if _, err := w.enter(StageIntake); err != nil {
		return err
	}
	return w.form.SetField(name, value)
}

func (w *Workflow) SetFiles(files []Attachment) error {
	if _, err := w.enter(StageIntake); err != nil {
		return err
	}
	return w.form.SetFiles(files)
}

func (w *Workflow) SetLocation(coord Coordinate) error {
	if _, err := w.enter(StageIntake); err != nil {
		return err
	}
	return w.form.SetLocation(coord)
}

// Submit sends the intake form and moves to the preview of the returned session.
func (w *Workflow) Submit(ctx context.Context) (SessionID, error) {
	epoch, err := w.enter(StageIntake)
	if err != nil {
		return "", err
	}

	id, err := w.form.Submit(ctx)
	if err != nil {
		return "", err
	}

	w.move(epoch, StagePreview, id)
	return id, nil
}

// LoadPreview fetches the record stored under id for review.
func (w *Workflow) LoadPreview(ctx context.Context, id SessionID) (CaseRecord, error) {
	epoch, err := w.enter(StagePreview)
	if err != nil {
		return CaseRecord{}, err
	}

	record, err := w.preview.Load(ctx, id)
	if err != nil {
		return CaseRecord{}, err
	}

	w.move(epoch, StagePreview, id)
	return record, nil
}

// EditPreview applies fn to the loaded record before confirmation.
func (w *Workflow) EditPreview(fn func(*CaseRecord) error) (CaseRecord, error) {
	if _, err := w.enter(StagePreview); err != nil {
		return CaseRecord{}, err
	}
	return w.preview.Edit(fn)
}

// Confirm re-submits the loaded record as the final write and finishes the workflow.
func (w *Workflow) Confirm(ctx context.Context) (string, error) {
	epoch, err := w.enter(StagePreview)
	if err != nil {
		return "", err
	}

	id, loaded := w.preview.Session()
	if !loaded {
		return "", ErrNoSession
	}
	record, err := w.preview.Record()
	if err != nil {
		return "", err
	}

	message, err := w.preview.Confirm(ctx, id, record)
	if err != nil {
		return "", err
	}

	w.move(epoch, StageDone, id)
	return message, nil
}

// Back returns to an earlier stage, discarding everything entered after it.
// The held token is kept; the next successful verification replaces it.
func (w *Workflow) Back(to Stage) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if to < StageWorkID || to >= w.stage {
		return fmt.Errorf("%w: cannot go back from %s to %s", ErrWrongStage, w.stage, to)
	}

	slog.Info("Navigating back", "from", w.stage, "to", to)
	if to <= StageIntake {
		w.preview.Reset()
		w.session = ""
	}
	if to < StageIntake {
		w.form.Reset()
	}
	w.stage = to
	w.epoch++
	return nil
}

// Landing consumes the completion message posted by the last confirmation, if
// any. A finished workflow starts over at the first verification step.
func (w *Workflow) Landing(ctx context.Context) (string, bool, error) {
	message, ok, err := w.mailbox.Take(ctx)
	if err != nil {
		return "", false, err
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.stage == StageDone {
		w.stage = StageWorkID
		w.session = ""
		w.epoch++
	}
	return message, ok, nil
}
