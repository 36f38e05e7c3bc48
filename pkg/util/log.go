/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package util

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Logger is the notify hook handed to backoff.RetryNotify.
func Logger(err error, wait time.Duration) {
	log.WithError(err).WithField("retryIn", wait.String()).Warn("operation failed, retrying")
}

// ConfigureLogging sets the level and formatter of the standard logrus logger.
func ConfigureLogging(level, format string) error {
	if level == "" {
		level = "info"
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}

	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)

	switch format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("unknown log format %q", format)
	}

	return nil
}
