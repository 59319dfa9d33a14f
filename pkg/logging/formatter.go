/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: formatter.go
Description: Console formatters for simfuzz. CustomFormatter prints aligned, optionally
colored lines with sorted fields; FuzzerFormatter adds an event tag for campaign messages.
*/

package logging

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CustomFormatter prints one line per entry: time, level, caller, message, fields
type CustomFormatter struct {
	Timestamp bool
	Caller    bool
	Colors    bool
}

func (f *CustomFormatter) paint(color int, s string) string {
	if !f.Colors {
		return s
	}
	return fmt.Sprintf("\033[%dm%s\033[0m", color, s)
}

func (f *CustomFormatter) format(entry *logrus.Entry, tag string) []byte {
	var out strings.Builder

	if f.Timestamp {
		out.WriteString(f.paint(36, entry.Time.Format("2006-01-02 15:04:05.000")))
		out.WriteByte(' ')
	}
	out.WriteString(f.paint(f.getLevelColor(entry.Level), fmt.Sprintf("%-5s", strings.ToUpper(entry.Level.String()))))
	out.WriteByte(' ')
	if tag != "" {
		out.WriteString(f.paint(35, "["+tag+"]"))
		out.WriteByte(' ')
	}
	if f.Caller && entry.HasCaller() {
		out.WriteString(f.paint(33, fmt.Sprintf("[%s:%d]", entry.Caller.File, entry.Caller.Line)))
		out.WriteByte(' ')
	}
	out.WriteString(entry.Message)
	if len(entry.Data) > 0 {
		out.WriteByte(' ')
		out.WriteString(f.formatFields(entry.Data))
	}
	out.WriteByte('\n')
	return []byte(out.String())
}

// Format implements logrus.Formatter
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return f.format(entry, ""), nil
}

// getLevelColor returns the ANSI color code for a log level
func (f *CustomFormatter) getLevelColor(level logrus.Level) int {
	switch level {
	case logrus.TraceLevel, logrus.DebugLevel:
		return 37
	case logrus.InfoLevel:
		return 32
	case logrus.WarnLevel:
		return 33
	case logrus.ErrorLevel:
		return 31
	default:
		return 35
	}
}

// formatFields prints fields sorted by key
func (f *CustomFormatter) formatFields(fields logrus.Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, f.paint(34, k)+"="+f.formatValue(fields[k]))
	}
	return strings.Join(parts, " ")
}

// formatValue formats a field value appropriately
func (f *CustomFormatter) formatValue(value interface{}) string {
	switch v := value.(type) {
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format("15:04:05.000")
	case error:
		return fmt.Sprintf("%q", v.Error())
	case string:
		if len(v) > 64 {
			return v[:64] + "..."
		}
		if strings.ContainsAny(v, " \t\"") {
			return fmt.Sprintf("%q", v)
		}
		return v
	case []byte:
		if len(v) > 32 {
			return fmt.Sprintf("[%d bytes]", len(v))
		}
		return fmt.Sprintf("%x", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// FuzzerFormatter tags campaign events so they stand out in a busy log
type FuzzerFormatter struct {
	CustomFormatter
}

var eventTags = []struct {
	prefix string
	tag    string
}{
	{"Solution found", "SOLUTION"},
	{"Heartbeat", "STATS"},
	{"Host hang", "HANG"},
	{"Host did not answer", "HANG"},
	{"Session started", "HOST"},
	{"Simulation sessions", "HOST"},
	{"Test case added", "CORPUS"},
	{"Test case executed", "EXEC"},
	{"Reproduction finished", "REPRO"},
	{"Minimized solution", "REPRO"},
	{"Fuzzer engine", "ENGINE"},
}

// Format implements logrus.Formatter
func (f *FuzzerFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return f.format(entry, eventTag(entry.Message)), nil
}

// eventTag returns the tag of a campaign message, or ""
func eventTag(message string) string {
	for _, e := range eventTags {
		if strings.HasPrefix(message, e.prefix) {
			return e.tag
		}
	}
	return ""
}
