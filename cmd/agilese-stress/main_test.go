package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunRejectsBadFlags(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"-nope"}, &stderr))
	assert.Contains(t, stderr.String(), "flag provided but not defined")

	stderr.Reset()
	assert.Equal(t, 2, run([]string{"-terms", "1"}, &stderr))
	assert.Contains(t, stderr.String(), "terms at least 2")
}

func TestRunShort(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run")
	}
	t.Parallel()

	var stderr bytes.Buffer
	code := run([]string{
		"-duration", "300ms",
		"-readers", "2",
		"-docs", "5000",
		"-batch", "200",
		"-wide", "8",
		"-grace", "1s",
		"-maintain", "50ms",
	}, &stderr)
	assert.Equal(t, 0, code, stderr.String())
}
