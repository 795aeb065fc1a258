package sock

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiError(t *testing.T) {
	errs := MultiError{
		errors.New("first failure"),
		errors.New("second failure"),
	}

	msg := errs.Error()
	assert.Contains(t, msg, "multiple errors:")
	assert.Contains(t, msg, "first failure")
	assert.Contains(t, msg, "second failure")
}
