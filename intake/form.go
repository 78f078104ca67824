package intake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MaxFiles is the largest number of attachments a case may carry.
const MaxFiles = 3

// CaseService is the remote case-form service.
type CaseService interface {
	// Submit sends the record as a multi-part form and returns the new session id.
	Submit(ctx context.Context, record CaseRecord, authorization string) (SessionID, error)

	// Fetch returns the record stored under id.
	Fetch(ctx context.Context, id SessionID, authorization string) (RecordPatch, error)

	// Confirm performs the final write of record under id and returns the
	// server's completion message.
	Confirm(ctx context.Context, id SessionID, record CaseRecord, authorization string) (string, error)
}

// Controller accumulates the case form and submits it.
type Controller struct {
	cases    CaseService
	cred     *Credential
	timeout  time.Duration
	inflight inflight

	mutex      sync.Mutex
	record     CaseRecord
	submitting bool
}

func NewController(cases CaseService, cred *Credential, timeout time.Duration) *Controller {
	return &Controller{
		cases:    cases,
		cred:     cred,
		timeout:  timeout,
		inflight: newInflight(),
	}
}

// SetField updates a single scalar field by wire name.
func (c *Controller) SetField(name, value string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.submitting {
		return ErrBusy
	}
	p, err := c.record.field(name)
	if err != nil {
		return err
	}
	*p = value
	return nil
}

// SetFiles replaces the attachment selection. A selection of more than MaxFiles
// is rejected whole and the previous selection is kept.
func (c *Controller) SetFiles(files []Attachment) error {
	if len(files) > MaxFiles {
		slog.Warn("Rejected file selection", "count", len(files), "max", MaxFiles)
		return ErrTooManyFiles
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.submitting {
		return ErrBusy
	}
	c.record.Files = make([]Attachment, len(files))
	copy(c.record.Files, files)
	return nil
}

// SetLocation records the picked coordinate, replacing any earlier pick.
func (c *Controller) SetLocation(coord Coordinate) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.submitting {
		return ErrBusy
	}
	c.record.Position = &coord
	return nil
}

// Record returns a copy of the form state.
func (c *Controller) Record() CaseRecord {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.record.Clone()
}

// Reset clears the form.
func (c *Controller) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.record = CaseRecord{}
}

// beginSubmit freezes the form until endSubmit and returns what is sent.
func (c *Controller) beginSubmit() CaseRecord {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.submitting = true
	return c.record.Clone()
}

func (c *Controller) endSubmit() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.submitting = false
}

// Submit sends the form. On success the form is cleared; the session returned is
// the source of truth from then on. On failure the form is left as it was. Edits
// made while the form is in flight are refused with ErrBusy.
func (c *Controller) Submit(ctx context.Context) (SessionID, error) {
	release, err := c.inflight.acquire()
	if err != nil {
		return "", err
	}
	defer release()

	record := c.beginSubmit()
	defer c.endSubmit()
	if err := record.validate(); err != nil {
		return "", err
	}

	authorization, err := c.cred.Header(ctx)
	if err != nil {
		return "", err
	}

	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	slog.Debug("Submitting case form", "files", len(record.Files), "has_position", record.Position != nil)
	id, err := c.cases.Submit(ctx, record, authorization)
	if err != nil {
		slog.Warn("Case submission failed", "error", err)
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty session id", ErrUnexpected)
	}

	c.Reset()
	slog.Info("Case form submitted", "session_id", id)
	return id, nil
}
