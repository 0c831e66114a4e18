package common_test

import (
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/davepacheco/manta-marlin/common"
)

func TestKindOfClassifiesConstructedErrors(t *testing.T) {
	a := assert.New(t)

	a.Equal(common.EErrorKind.Conflict(), common.KindOf(common.ErrConflict("x")))
	a.Equal(common.EErrorKind.NotFound(), common.KindOf(common.ErrNotFound("x")))
	a.Equal(common.EErrorKind.Transient(), common.KindOf(common.ErrTransient("x", fmt.Errorf("boom"))))
	a.Equal(common.EErrorKind.Validation(), common.KindOf(common.ErrValidation("x")))
	a.Equal(common.EErrorKind.Fatal(), common.KindOf(common.ErrFatal("x")))
	a.Equal(common.EErrorKind.LockLost(), common.KindOf(common.ErrLockLost("x")))
}

func TestKindOfDefaultsToFatalForUnclassifiedErrors(t *testing.T) {
	assert.Equal(t, common.EErrorKind.Fatal(), common.KindOf(fmt.Errorf("some ordinary error")))
}

func TestKindOfNilIsZeroValue(t *testing.T) {
	assert.Equal(t, common.ErrorKind(0), common.KindOf(nil))
}

func TestKindOfSeesThroughWrapping(t *testing.T) {
	wrapped := pkgerrors.Wrap(common.ErrTransient("consul unreachable", fmt.Errorf("dial tcp: refused")), "list jobs")
	assert.Equal(t, common.EErrorKind.Transient(), common.KindOf(wrapped))
}

func TestIsKind(t *testing.T) {
	a := assert.New(t)
	a.True(common.IsKind(common.ErrConflict("x"), common.EErrorKind.Conflict()))
	a.False(common.IsKind(common.ErrConflict("x"), common.EErrorKind.NotFound()))
}

func TestGatewayErrorMessageIncludesCause(t *testing.T) {
	err := common.ErrTransient("consul get", fmt.Errorf("timeout"))
	assert.Equal(t, "consul get: timeout", err.Error())
}
