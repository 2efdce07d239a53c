// Package logging configures the process-wide logger.
package logging

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init parses and sets the log level and output. A path of "" or "console"
// keeps stderr; anything else is treated as a file and rotated, since the
// appliance runs unattended for months on a small SD card.
func Init(level, path string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if path != "" && path != "console" {
		log.SetOutput(io.Writer(&lumberjack.Logger{
			Filename:   filepath.ToSlash(path),
			MaxSize:    5, // MB
			MaxBackups: 4,
			MaxAge:     30, // days
			Compress:   true,
		}))
	}
	return nil
}
