package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coreos/update-agent/uerrors"
)

func TestExitCodeForNoUpdateInProgress(t *testing.T) {
	err := uerrors.New(uerrors.CodeNoUpdateInProgress, "nothing to commit")
	assert.Equal(t, 2, exitCodeFor(err))
}

func TestExitCodeForRebootRequired(t *testing.T) {
	err := uerrors.New(uerrors.CodeRebootRequired, "reboot to continue")
	assert.Equal(t, 4, exitCodeFor(err))
}

func TestExitCodeForGenericFailure(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(errors.New("boom")))
}
