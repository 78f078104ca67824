package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/text/unicode/norm"
)

// DateLayout is the only accepted date of birth format.
const DateLayout = "2006-01-02"

// Verifier performs one remote identity check. authorization is the verbatim
// token to attach, or "" to send the request without one.
type Verifier interface {
	Verify(ctx context.Context, step Step, input StepInput, authorization string) (Result, error)
}

// Gateway validates step input, dispatches it to the Verifier and records the
// issued token. It never retries.
type Gateway struct {
	verifier Verifier
	cred     *Credential
	timeout  time.Duration
	inflight inflight
}

func NewGateway(verifier Verifier, cred *Credential, timeout time.Duration) *Gateway {
	return &Gateway{
		verifier: verifier,
		cred:     cred,
		timeout:  timeout,
		inflight: newInflight(),
	}
}

// Verify runs step with input. A failed verification is returned as a Result with
// OK false and a nil error; errors are reserved for validation and transport problems.
func (g *Gateway) Verify(ctx context.Context, step Step, input StepInput) (Result, error) {
	if !step.Valid() {
		return Result{}, fmt.Errorf("%w: unknown verification step %d", ErrWrongStage, int(step))
	}

	input, err := normalizeInput(step, input)
	if err != nil {
		slog.Debug("Step input rejected locally", "step", step, "error", err)
		return Result{}, err
	}

	release, err := g.inflight.acquire()
	if err != nil {
		return Result{}, err
	}
	defer release()

	var authorization string
	if step.NeedsAuth() {
		authorization, err = g.cred.Header(ctx)
		if err != nil {
			return Result{}, err
		}
	}

	callCtx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	slog.Debug("Dispatching verification", "step", step, "operation", step.Operation(), "authorized", authorization != "")
	result, err := g.verifier.Verify(callCtx, step, input, authorization)
	if err != nil {
		slog.Warn("Verification call failed", "step", step, "error", err)
		return Result{}, err
	}

	if !result.OK {
		slog.Info("Verification rejected", "step", step, "message", result.Message)
		return Result{OK: false, Message: result.Message}, nil
	}

	// The remote already advanced its step, so the token is stored even when
	// the call used up its deadline.
	if len(result.Token) > 0 {
		if err := g.cred.Store(ctx, result.Token); err != nil {
			return Result{}, fmt.Errorf("failed to store authorization token: %w", err)
		}
		slog.Debug("Authorization token replaced", "step", step)
	}

	slog.Info("Verification succeeded", "step", step)
	return result, nil
}

func normalizeInput(step Step, input StepInput) (StepInput, error) {
	clean := func(s string) string {
		return norm.NFC.String(strings.TrimSpace(s))
	}

	switch step {
	case StepWorkID:
		out := StepInput{WorkID: clean(input.WorkID)}
		if out.WorkID == "" {
			return StepInput{}, required("work_id")
		}
		return out, nil
	case StepName:
		out := StepInput{FirstName: clean(input.FirstName), LastName: clean(input.LastName)}
		if out.FirstName == "" {
			return StepInput{}, required("first_name")
		}
		if out.LastName == "" {
			return StepInput{}, required("last_name")
		}
		return out, nil
	case StepDateOfBirth:
		out := StepInput{DateOfBirth: clean(input.DateOfBirth)}
		if out.DateOfBirth == "" {
			return StepInput{}, required("dob")
		}
		if _, err := time.Parse(DateLayout, out.DateOfBirth); err != nil {
			return StepInput{}, &ValidationError{
				Field:   "dob",
				Message: fmt.Sprintf("Invalid date format: '%s'. Please use YYYY-MM-DD format.", out.DateOfBirth),
			}
		}
		return out, nil
	}
	return StepInput{}, fmt.Errorf("%w: unknown verification step %d", ErrWrongStage, int(step))
}

// inflight allows one outstanding remote call per component; a second caller
// gets ErrBusy instead of queueing.
type inflight struct {
	sem *semaphore.Weighted
}

func newInflight() inflight {
	return inflight{sem: semaphore.NewWeighted(1)}
}

func (f inflight) acquire() (release func(), err error) {
	if !f.sem.TryAcquire(1) {
		return nil, ErrBusy
	}
	return func() { f.sem.Release(1) }, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
