// Package logging points the standard logger at stderr or a file and
// filters it by the level tag at the start of each line.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/logutils"
)

var Levels = []logutils.LogLevel{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}

// ParseLevel maps s to one of Levels, falling back to INFO.
func ParseLevel(s string) (logutils.LogLevel, bool) {
	want := logutils.LogLevel(strings.ToUpper(strings.TrimSpace(s)))
	for _, l := range Levels {
		if l == want {
			return l, true
		}
	}
	return "INFO", false
}

// NewFilter wraps w so that lines below level are dropped. Lines without
// a tag always pass.
func NewFilter(w io.Writer, level string) *logutils.LevelFilter {
	minLevel, _ := ParseLevel(level)
	return &logutils.LevelFilter{Levels: Levels, MinLevel: minLevel, Writer: w}
}

// Setup configures the log output destination. The returned file, if any,
// must be closed by the caller.
func Setup(logFilePath, level string) (*os.File, error) {
	if _, ok := ParseLevel(level); !ok && level != "" {
		defer log.Printf("[WARN] Unknown log level %q, using INFO", level)
	}

	if logFilePath == "" {
		log.SetOutput(NewFilter(os.Stderr, level))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.Println("[DEBUG] Logging to stderr")
		return nil, nil
	}

	dir := filepath.Dir(logFilePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	file, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}

	log.SetOutput(NewFilter(file, level))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Printf("[INFO] Logging to file: %s", logFilePath)
	return file, nil
}
