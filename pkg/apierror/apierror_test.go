package apierror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsSetKindAndStatus(t *testing.T) {
	cases := []struct {
		name       string
		err        *Error
		wantKind   Kind
		wantStatus int
	}{
		{"Validation", Validation("Bad", "nope"), KindValidation, 400},
		{"Conflict", Conflict("Dup", "nope"), KindConflict, 409},
		{"Forbidden", Forbidden("Quota", "nope"), KindConflict, 403},
		{"NotFound", NotFound("Missing", "nope"), KindConflict, 404},
		{"Unauthorized", Unauthorized("NoToken", "nope"), KindAuth, 401},
		{"AuthForbidden", AuthForbidden("NotAllowed", "nope"), KindAuth, 403},
		{"Internal", Internal(errors.New("cause"), "nope"), KindInternal, 500},
	}
	for _, c := range cases {
		assert.Equal(t, c.wantKind, c.err.Kind, c.name)
		assert.Equal(t, c.wantStatus, c.err.HTTPStatus, c.name)
	}
}

func TestBackendErrorsCarryRawErrorAndNoStatus(t *testing.T) {
	cause := errors.New("dial tcp: timeout")

	transient := BackendTransient(cause, "observe failed")
	assert.Equal(t, KindBackendTransient, transient.Kind)
	assert.Equal(t, 0, transient.HTTPStatus)
	assert.Same(t, cause, errors.Unwrap(transient))

	permanent := BackendPermanent(cause, "create failed")
	assert.Equal(t, KindBackendPermanent, permanent.Kind)
	assert.Same(t, cause, errors.Unwrap(permanent))
}

func TestIsComparesByKindNotMessage(t *testing.T) {
	a := Conflict("A", "message one")
	b := Conflict("B", "a totally different message")
	c := Validation("A", "message one")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestErrorStringIncludesCodeAndRawError(t *testing.T) {
	cause := errors.New("boom")
	err := Internal(cause, "persist instance %s", "dev1")
	assert.Contains(t, err.Error(), "InternalError")
	assert.Contains(t, err.Error(), "boom")
}

func TestWrapErrorPreservesKindAndStatusSwapsMessage(t *testing.T) {
	base := Conflict("QuotaExceeded", "original message")
	cause := errors.New("underlying")
	wrapped := WrapError(base, "new message", cause)

	assert.Equal(t, base.Code, wrapped.Code)
	assert.Equal(t, base.HTTPStatus, wrapped.HTTPStatus)
	assert.Equal(t, base.Kind, wrapped.Kind)
	assert.Equal(t, "new message", wrapped.Message)
	assert.Same(t, cause, wrapped.RawError)
}

func TestResponseBodyOmitsCodeWhenEmpty(t *testing.T) {
	err := &Error{Message: "plain failure"}
	body := err.ResponseBody()
	assert.Equal(t, "plain failure", body.Error)
	assert.Empty(t, body.Code)
}
