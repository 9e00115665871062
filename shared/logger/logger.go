// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured logging for gateway components
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// LogEntry represents a structured log entry. Actor carries the user or
// client identity a decision concerns; RequestID correlates all entries
// emitted while evaluating one request.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	Actor      string                 `json:"actor"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	// Instance ID is set during deployment
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, actor, requestID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		Actor:      actor,
		RequestID:  requestID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(actor, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, actor, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(actor, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, actor, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(actor, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, actor, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(actor, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, actor, requestID, message, fields)
}

// InfoWithDuration logs an info message with duration field
func (l *Logger) InfoWithDuration(actor, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(actor, requestID, message, fields)
}

// ErrorWithReason logs an error together with the pipeline reason code
// that accompanied it.
func (l *Logger) ErrorWithReason(actor, requestID, message, reasonCode string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["reason_code"] = reasonCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(actor, requestID, message, fields)
}
