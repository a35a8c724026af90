package GlobalHandler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/antiginx/msv-engine/Errors"
)

func TestRunSafe_SuccessReturnsZero(t *testing.T) {
	h := New(false)
	code := h.RunSafe(func() error { return nil })
	assert.Equal(t, 0, code)
}

func TestRunSafe_ReturnedErrorYieldsExitOne(t *testing.T) {
	h := New(false)
	code := h.RunSafe(func() error { return errors.New("boom") })
	assert.Equal(t, 1, code)
}

func TestRunSafe_PanicIsRecoveredAndYieldsExitOne(t *testing.T) {
	h := New(false)
	code := h.RunSafe(func() error { panic("unexpected") })
	assert.Equal(t, 1, code)
}

func TestRunSafe_StructuredPanicIsRecoveredAndYieldsExitOne(t *testing.T) {
	h := New(false)
	code := h.RunSafe(func() error {
		panic(Errors.New(Errors.SourceCoordinator, 970, "resolution failed"))
	})
	assert.Equal(t, 1, code)
}

func TestPanicError_WrapsArbitraryPanicValue(t *testing.T) {
	err := panicError("some string panic")
	assert.Contains(t, err.Error(), "some string panic")
}
