package wlog

import (
	"bytes"
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"unicode"
)

const (
	// MaxLogMessageLen is the maximum length memorised for each of the latest log entries.
	MaxLogMessageLen = 4096
	truncatedLabel   = "...(truncated)..."
)

var (
	// MaxLogMessagePerSec is the maximum number of messages each logger will print out.
	// Any additional log messages will be dropped.
	MaxLogMessagePerSec = runtime.NumCPU() * 300

	// LatestWarnings are a small number of the most recent warning log messages kept in memory for inspection.
	LatestWarnings = NewRingBuffer(256)
)

// IDField is a field of Logger's ComponentID, all fields that make up a ComponentID offer
// a log entry a clue as to which component instance generated the message.
type IDField struct {
	Key   string
	Value interface{}
}

// Logger helps to write log messages in a regular format.
type Logger struct {
	ComponentName string    // ComponentName is similar to a class name, or a category name.
	ComponentID   []IDField // ComponentID comprises key-value pairs that give a log entry a clue as to its origin.

	initOnce  sync.Once
	rateLimit *RateLimit
}

func (logger *Logger) initialiseOnce() {
	logger.initOnce.Do(func() {
		logger.rateLimit = NewRateLimit(1, MaxLogMessagePerSec, logger)
	})
}

func (logger *Logger) getComponentIDs() string {
	var msg bytes.Buffer
	if len(logger.ComponentID) > 0 {
		msg.WriteRune('[')
		for i, field := range logger.ComponentID {
			msg.WriteString(fmt.Sprintf("%s=%v", field.Key, field.Value))
			if i < len(logger.ComponentID)-1 {
				msg.WriteRune(';')
			}
		}
		msg.WriteRune(']')
	}
	return msg.String()
}

// Format a log message and return, but do not print it.
func (logger *Logger) Format(functionName string, actorName interface{}, err error, template string, values ...interface{}) string {
	// ComponentName[IDKey1=IDVal1;IDKey2=IDVal2].FunctionName(actorName): Error "foo" - message
	var msg bytes.Buffer
	if logger.ComponentName != "" {
		msg.WriteString(logger.ComponentName)
	}
	msg.WriteString(logger.getComponentIDs())
	if functionName != "" {
		if msg.Len() > 0 {
			msg.WriteRune('.')
		}
		msg.WriteString(functionName)
	}
	if actorName != "" {
		msg.WriteString(fmt.Sprintf("(%v)", actorName))
	}
	if msg.Len() > 0 {
		msg.WriteString(": ")
	}
	if err != nil {
		msg.WriteString(fmt.Sprintf("Error \"%v\"", err))
		if template != "" {
			msg.WriteString(" - ")
		}
	}
	msg.WriteString(fmt.Sprintf(template, values...))
	return LintString(TruncateString(msg.String(), MaxLogMessageLen), MaxLogMessageLen)
}

func callerName(skip int) string {
	pc, file, _, ok := runtime.Caller(skip)
	if !ok {
		file = "?"
	}
	fun := runtime.FuncForPC(pc)
	var funName string
	if fun == nil {
		funName = "?"
	} else {
		funName = strings.TrimLeft(filepath.Ext(fun.Name()), ".")
	}
	return filepath.Base(file) + ":" + funName
}

func (logger *Logger) warning(funcName string, actorName interface{}, err error, template string, values ...interface{}) {
	if !logger.rateLimit.Add("", false) {
		return
	}
	msg := logger.Format(funcName, actorName, err, template, values...)
	log.Print(msg)
	LatestWarnings.Push(msg)
}

// Warning prints a log message and keeps the message in the warnings buffer.
func (logger *Logger) Warning(actorName interface{}, err error, template string, values ...interface{}) {
	logger.initialiseOnce()
	logger.warning(callerName(2), actorName, err, template, values...)
}

// Info prints a log message. If the message comes with an error, it is treated as a warning.
func (logger *Logger) Info(actorName interface{}, err error, template string, values ...interface{}) {
	logger.initialiseOnce()
	funcName := callerName(2)
	if err != nil {
		logger.warning(funcName, actorName, err, template, values...)
		return
	}
	if !logger.rateLimit.Add("", false) {
		return
	}
	log.Print(logger.Format(funcName, actorName, err, template, values...))
}

// MaybeMinorError logs the input error, which by convention is minor in nature.
// As a special case, if the error indicates the closure of a network connection,
// then no log message will be written.
func (logger *Logger) MaybeMinorError(err error) {
	logger.initialiseOnce()
	if err != nil && !strings.Contains(err.Error(), "closed") && !strings.Contains(err.Error(), "broken") {
		logger.Info("", nil, "minor error - %v", err)
	}
}

// DefaultLogger must be used when it is not possible to acquire a reference to a more dedicated logger.
var DefaultLogger = &Logger{ComponentName: "default"}

// TruncateString returns the input string as-is if it is less or equal to the desired length.
// Otherwise it removes text from the middle of the string to fit, substituting the removed
// portion with "...(truncated)...".
func TruncateString(in string, maxLength int) string {
	if maxLength < 0 {
		maxLength = 0
	}
	if len(in) <= maxLength {
		return in
	}
	if maxLength <= len(truncatedLabel) {
		return in[:maxLength]
	}
	firstHalfEnd := maxLength/2 - len(truncatedLabel)/2
	secondHalfBegin := len(in) - (maxLength / 2) + len(truncatedLabel)/2
	if maxLength%2 == 0 {
		secondHalfBegin++
	}
	var truncatedMsg bytes.Buffer
	truncatedMsg.WriteString(in[:firstHalfEnd])
	truncatedMsg.WriteString(truncatedLabel)
	truncatedMsg.WriteString(in[secondHalfBegin:])
	return truncatedMsg.String()
}

// LintString returns a copy of the input string with unusual characters (such as
// non-printable characters and record separators) replaced by an underscore, capped
// to the maximum specified length.
func LintString(in string, maxLength int) string {
	if maxLength < 0 {
		maxLength = 0
	}
	var cleanedResult bytes.Buffer
	for i, r := range in {
		if i >= maxLength {
			break
		}
		if (r >= 0 && r <= 8) ||
			(r >= 14 && r <= 31) ||
			(r >= 127) ||
			(!unicode.IsPrint(r) && !unicode.IsSpace(r)) {
			cleanedResult.WriteRune('_')
		} else {
			cleanedResult.WriteRune(r)
		}
	}
	return cleanedResult.String()
}

// ByteArrayLogString returns a human-readable string for the input byte array,
// suitable only for log messages.
func ByteArrayLogString(data []byte) string {
	var countBinaryBytes int
	for _, b := range data {
		if (b <= 8) ||
			(b >= 14 && b <= 31) ||
			(b >= 127) ||
			(!unicode.IsPrint(rune(b)) && !unicode.IsSpace(rune(b))) {
			countBinaryBytes++
		}
	}
	if float32(countBinaryBytes)/float32(len(data)) > 0.5 {
		return fmt.Sprintf("%#v", data)
	}
	return LintString(string(data), 1000)
}
