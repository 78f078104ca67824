package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestGateway(v Verifier) (*Gateway, *MemoryTokenStore) {
	store := NewMemoryTokenStore()
	return NewGateway(v, NewCredential(store, TokenPolicy{}), time.Second), store
}

func TestVerifyWorkIDStoresToken(t *testing.T) {
	v := newFakeVerifier()
	v.results[StepWorkID] = Result{OK: true, Message: "OK", Token: []byte(`{"id":"7"}`)}
	g, store := newTestGateway(v)

	res, err := g.Verify(context.Background(), StepWorkID, StepInput{WorkID: " 7 "})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "OK", res.Message)

	token, ok, err := store.Get(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"id":"7"}`, token.String())

	call := v.lastCall()
	require.Equal(t, "7", call.input.WorkID, "input is trimmed before dispatch")
	require.Empty(t, call.authorization, "work id step is not authorized")
}

func TestVerifyFailureLeavesTokenUntouched(t *testing.T) {
	for _, step := range Sequence {
		t.Run(step.String(), func(t *testing.T) {
			v := newFakeVerifier()
			v.results[step] = Result{OK: false, Message: "No matching dob found.", Token: []byte(`{"id":"x"}`)}
			g, store := newTestGateway(v)
			require.NoError(t, store.Set(context.Background(), Token{Value: []byte(`{"id":"1","step":1}`)}))

			res, err := g.Verify(context.Background(), step, validInput(step))
			require.NoError(t, err)
			require.False(t, res.OK)
			require.Nil(t, res.Token)

			token, _, _ := store.Get(context.Background())
			require.Equal(t, `{"id":"1","step":1}`, token.String())
		})
	}
}

func TestVerifySuccessOverwritesToken(t *testing.T) {
	for _, step := range Sequence {
		t.Run(step.String(), func(t *testing.T) {
			v := newFakeVerifier()
			v.results[step] = Result{OK: true, Token: []byte(`{"id":"1","step":9}`)}
			g, store := newTestGateway(v)
			require.NoError(t, store.Set(context.Background(), Token{Value: []byte(`old`)}))

			_, err := g.Verify(context.Background(), step, validInput(step))
			require.NoError(t, err)

			token, ok, _ := store.Get(context.Background())
			require.True(t, ok)
			require.Equal(t, `{"id":"1","step":9}`, token.String())
			require.Equal(t, 1, v.callCount())
		})
	}
}

func TestVerifyAttachesTokenToAuthorizedSteps(t *testing.T) {
	v := newFakeVerifier()
	v.results[StepName] = Result{OK: true}
	g, store := newTestGateway(v)
	require.NoError(t, store.Set(context.Background(), Token{Value: []byte(`{"id":"7","step":1}`)}))

	_, err := g.Verify(context.Background(), StepName, StepInput{FirstName: "Sita", LastName: "Sharma"})
	require.NoError(t, err)
	require.Equal(t, `{"id":"7","step":1}`, v.lastCall().authorization)
}

func TestVerifyWithoutTokenStillSends(t *testing.T) {
	v := newFakeVerifier()
	v.results[StepDateOfBirth] = Result{OK: false, Message: "Token required"}
	g, _ := newTestGateway(v)

	res, err := g.Verify(context.Background(), StepDateOfBirth, StepInput{DateOfBirth: "1990-06-15"})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, 1, v.callCount())
	require.Empty(t, v.lastCall().authorization)
}

func TestVerifyRejectsEmptyInputWithoutCalling(t *testing.T) {
	tests := []struct {
		name  string
		step  Step
		input StepInput
		field string
	}{
		{"blank work id", StepWorkID, StepInput{WorkID: "   "}, "work_id"},
		{"missing first name", StepName, StepInput{LastName: "Sharma"}, "first_name"},
		{"whitespace last name", StepName, StepInput{FirstName: "Sita", LastName: "\t"}, "last_name"},
		{"missing dob", StepDateOfBirth, StepInput{}, "dob"},
		{"malformed dob", StepDateOfBirth, StepInput{DateOfBirth: "15/06/1990"}, "dob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newFakeVerifier()
			g, store := newTestGateway(v)

			_, err := g.Verify(context.Background(), tt.step, tt.input)
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			require.Equal(t, tt.field, validationErr.Field)
			require.Zero(t, v.callCount())

			_, ok, _ := store.Get(context.Background())
			require.False(t, ok)
		})
	}
}

func TestVerifyNormalizesNames(t *testing.T) {
	v := newFakeVerifier()
	v.results[StepName] = Result{OK: true}
	g, _ := newTestGateway(v)

	_, err := g.Verify(context.Background(), StepName, StepInput{FirstName: "Rene\u0301", LastName: "Thapa"})
	require.NoError(t, err)
	require.Equal(t, "Ren\u00e9", v.lastCall().input.FirstName, "names are sent in NFC")
}

func TestVerifyTransportErrorLeavesTokenUntouched(t *testing.T) {
	v := newFakeVerifier()
	v.err = &TransportError{StatusCode: 502}
	g, store := newTestGateway(v)

	_, err := g.Verify(context.Background(), StepWorkID, StepInput{WorkID: "7"})
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)

	_, ok, _ := store.Get(context.Background())
	require.False(t, ok)
}

func TestVerifyOneInFlight(t *testing.T) {
	v := newFakeVerifier()
	v.results[StepWorkID] = Result{OK: true}
	v.entered = make(chan struct{}, 1)
	v.release = make(chan struct{})
	g, _ := newTestGateway(v)

	done := make(chan error, 1)
	go func() {
		_, err := g.Verify(context.Background(), StepWorkID, StepInput{WorkID: "7"})
		done <- err
	}()
	<-v.entered

	_, err := g.Verify(context.Background(), StepWorkID, StepInput{WorkID: "7"})
	require.ErrorIs(t, err, ErrBusy)

	close(v.release)
	require.NoError(t, <-done)
}

func TestVerifyTimesOut(t *testing.T) {
	v := newFakeVerifier()
	v.entered = make(chan struct{}, 1)
	v.release = make(chan struct{})
	defer close(v.release)

	store := NewMemoryTokenStore()
	g := NewGateway(v, NewCredential(store, TokenPolicy{}), 20*time.Millisecond)

	_, err := g.Verify(context.Background(), StepWorkID, StepInput{WorkID: "7"})
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

// lateVerifier answers OK only once the call deadline has passed.
type lateVerifier struct{}

func (lateVerifier) Verify(ctx context.Context, _ Step, _ StepInput, _ string) (Result, error) {
	<-ctx.Done()
	return Result{OK: true, Message: "OK", Token: []byte(`{"id":"7","step":1}`)}, nil
}

// ctxTokenStore refuses writes on a finished context, as a redis client does.
type ctxTokenStore struct {
	*MemoryTokenStore
}

func (s ctxTokenStore) Set(ctx context.Context, token Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryTokenStore.Set(ctx, token)
}

func TestVerifyStoresTokenAnsweredAtDeadline(t *testing.T) {
	store := ctxTokenStore{NewMemoryTokenStore()}
	g := NewGateway(lateVerifier{}, NewCredential(store, TokenPolicy{}), 20*time.Millisecond)

	res, err := g.Verify(context.Background(), StepWorkID, StepInput{WorkID: "7"})
	require.NoError(t, err)
	require.True(t, res.OK)

	token, ok, err := store.Get(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"id":"7","step":1}`, token.String())
}

func TestVerifyStaleTokenRejected(t *testing.T) {
	v := newFakeVerifier()
	store := NewMemoryTokenStore()
	cred := NewCredential(store, TokenPolicy{MaxAge: time.Minute, RejectStale: true})
	require.NoError(t, store.Set(context.Background(), Token{Value: []byte("t"), StoredAt: time.Now().Add(-time.Hour)}))
	g := NewGateway(v, cred, time.Second)

	_, err := g.Verify(context.Background(), StepName, StepInput{FirstName: "Sita", LastName: "Sharma"})
	require.ErrorIs(t, err, ErrStaleToken)
	require.Zero(t, v.callCount())
}

func validInput(step Step) StepInput {
	switch step {
	case StepWorkID:
		return StepInput{WorkID: "dd0804db-35d4-4965-a7a2-ce6d3ffc2e7e"}
	case StepName:
		return StepInput{FirstName: "Sita", LastName: "Sharma"}
	default:
		return StepInput{DateOfBirth: "1990-06-15"}
	}
}
