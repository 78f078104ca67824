package intake

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCompletionMessage is posted when the server confirms without a detail.
const DefaultCompletionMessage = "Data registered."

// Preview loads a submitted case by session id, lets it be edited, and confirms it.
type Preview struct {
	cases    CaseService
	cred     *Credential
	mailbox  Mailbox
	timeout  time.Duration
	inflight inflight

	mutex  sync.Mutex
	id     SessionID
	record CaseRecord
	loaded bool
}

func NewPreview(cases CaseService, cred *Credential, mailbox Mailbox, timeout time.Duration) *Preview {
	return &Preview{
		cases:    cases,
		cred:     cred,
		mailbox:  mailbox,
		timeout:  timeout,
		inflight: newInflight(),
	}
}

// Load fetches the record stored under id and merges it into local state.
// Fields absent from the response keep their local values.
func (p *Preview) Load(ctx context.Context, id SessionID) (CaseRecord, error) {
	if id == "" {
		return CaseRecord{}, required("session")
	}

	release, err := p.inflight.acquire()
	if err != nil {
		return CaseRecord{}, err
	}
	defer release()

	authorization, err := p.cred.Header(ctx)
	if err != nil {
		return CaseRecord{}, err
	}

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	patch, err := p.cases.Fetch(ctx, id, authorization)
	if err != nil {
		slog.Warn("Failed to load session", "session_id", id, "error", err)
		return CaseRecord{}, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.id != id {
		p.record = CaseRecord{}
	}
	p.record.Merge(patch)
	p.id = id
	p.loaded = true

	slog.Info("Session loaded for preview", "session_id", id, "files", len(p.record.Files))
	return p.record.Clone(), nil
}

// Session returns the id of the loaded record.
func (p *Preview) Session() (SessionID, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.id, p.loaded
}

// Record returns a copy of the loaded record.
func (p *Preview) Record() (CaseRecord, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.loaded {
		return CaseRecord{}, ErrNoSession
	}
	return p.record.Clone(), nil
}

// Edit applies fn to the loaded record.
func (p *Preview) Edit(fn func(*CaseRecord) error) (CaseRecord, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.loaded {
		return CaseRecord{}, ErrNoSession
	}
	edited := p.record.Clone()
	if err := fn(&edited); err != nil {
		return CaseRecord{}, err
	}
	if len(edited.Files) > MaxFiles {
		return CaseRecord{}, ErrTooManyFiles
	}
	p.record = edited
	return p.record.Clone(), nil
}

// Confirm performs the final write of record under id. On success the completion
// message is posted to the mailbox for the landing stage; on failure nothing changes
// and the caller may retry. Once the remote write succeeded, Confirm succeeds even if
// the message could not be posted.
func (p *Preview) Confirm(ctx context.Context, id SessionID, record CaseRecord) (string, error) {
	if id == "" {
		return "", required("session")
	}

	release, err := p.inflight.acquire()
	if err != nil {
		return "", err
	}
	defer release()

	authorization, err := p.cred.Header(ctx)
	if err != nil {
		return "", err
	}

	callCtx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	message, err := p.cases.Confirm(callCtx, id, record, authorization)
	if err != nil {
		slog.Warn("Confirmation failed", "session_id", id, "error", err)
		return "", err
	}
	if message == "" {
		message = DefaultCompletionMessage
	}

	// The remote write is final; a retry would only be refused as a duplicate.
	if err := p.mailbox.Post(ctx, message); err != nil {
		slog.Error("Failed to post completion message", "session_id", id, "error", err)
	}

	p.Reset()
	slog.Info("Session confirmed", "session_id", id)
	return message, nil
}

// Reset forgets the loaded record.
func (p *Preview) Reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.id, p.record, p.loaded = "", CaseRecord{}, false
}
