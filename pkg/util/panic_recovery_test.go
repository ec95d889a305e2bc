package util

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestRecoverSwallowsPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	ph := NewPanicHandler(logger)

	assert.NotPanics(t, func() {
		defer ph.Recover("observer")
		panic("boom")
	})
	assert.Contains(t, buf.String(), `"component":"observer"`)
	assert.Contains(t, buf.String(), `"panic_value":"boom"`)
}

func TestRecoverWithoutPanicIsSilent(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	ph := NewPanicHandler(logger)

	func() {
		defer ph.Recover("observer")
	}()

	assert.Empty(t, buf.String())
}
