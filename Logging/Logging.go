// Package Logging provides the structured logger shared by msvctl and msvd,
// grounded on the ossf-scorecard example's log/log.go: a logrus.Logger
// configured with a JSON formatter for machine-readable output, falling
// back to logrus's default text formatter for interactive use.
package Logging

import "github.com/sirupsen/logrus"

// New builds a logrus.Logger. When json is true, output uses logrus's
// JSONFormatter (for daemon/CI consumption); otherwise logrus's default
// human-readable text formatter is used.
func New(json bool) *logrus.Logger {
	log := logrus.New()
	if json {
		log.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyLevel: "severity",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	return log
}
