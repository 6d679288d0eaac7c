package diagnostics

import (
	"errors"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

var assertErr = errors.New("diagnostic tool not found")
