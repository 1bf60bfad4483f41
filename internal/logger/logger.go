package logger

import (
	"log"
	"os"
	"strings"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var currentLevel LogLevel = LevelInfo

func init() {
	log.SetFlags(log.Ldate | log.Ltime)

	level := os.Getenv("LOG_LEVEL")
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel = LevelDebug
	case "WARN", "WARNING":
		currentLevel = LevelWarn
	case "ERROR":
		currentLevel = LevelError
	default:
		currentLevel = LevelInfo
	}
}

// Debug logs a debug message (only shown when LOG_LEVEL=DEBUG)
func Debug(format string, v ...interface{}) {
	if currentLevel <= LevelDebug {
		log.Printf("[DEBUG] "+format, v...)
	}
}

// Info logs an info message
func Info(format string, v ...interface{}) {
	if currentLevel <= LevelInfo {
		log.Printf("[INFO] "+format, v...)
	}
}

// Warn logs a warning message
func Warn(format string, v ...interface{}) {
	if currentLevel <= LevelWarn {
		log.Printf("[WARN] "+format, v...)
	}
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	if currentLevel <= LevelError {
		log.Printf("[ERROR] "+format, v...)
	}
}

// Fatal logs a fatal message and exits the program
func Fatal(format string, v ...interface{}) {
	log.Fatalf("[FATAL] "+format, v...)
}

// Component returns a logger whose messages carry a bracketed component tag,
// e.g. Component("room").Info("...") -> "[INFO] [room] ...".
type ComponentLogger struct {
	tag string
}

func Component(name string) *ComponentLogger {
	return &ComponentLogger{tag: "[" + name + "] "}
}

func (c *ComponentLogger) Debug(format string, v ...interface{}) { Debug(c.tag+format, v...) }
func (c *ComponentLogger) Info(format string, v ...interface{})  { Info(c.tag+format, v...) }
func (c *ComponentLogger) Warn(format string, v ...interface{})  { Warn(c.tag+format, v...) }
func (c *ComponentLogger) Error(format string, v ...interface{}) { Error(c.tag+format, v...) }
