package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	envFormat = "PLUGIND_LOG_FORMAT"
	envDebug  = "PLUGIND_DEBUG"
)

var (
	logFormatOnce sync.Once
	logAsJSON     bool
	debugEnabled  atomic.Bool
)

func init() {
	debugEnabled.Store(parseFlag(os.Getenv(envDebug)))
}

// SetDebug toggles Debug output at runtime.
func SetDebug(on bool) {
	debugEnabled.Store(on)
}

// Info logs a message with key/value fields using a consistent prefix.
func Info(component, msg string, kv ...any) {
	emit(component, "INFO", msg, kv...)
}

// Warn logs a recoverable condition.
func Warn(component, msg string, kv ...any) {
	emit(component, "WARN", msg, kv...)
}

// Error logs an error message with key/value fields using a consistent prefix.
func Error(component, msg string, kv ...any) {
	emit(component, "ERROR", msg, kv...)
}

// Debug logs only when PLUGIND_DEBUG is set.
func Debug(component, msg string, kv ...any) {
	if !debugEnabled.Load() {
		return
	}
	emit(component, "DEBUG", msg, kv...)
}

func emit(component, level, msg string, kv ...any) {
	logFormatOnce.Do(func() {
		logAsJSON = strings.EqualFold(strings.TrimSpace(os.Getenv(envFormat)), "json")
	})
	if logAsJSON {
		log.Print(jsonLine(component, level, msg, kv...))
		return
	}
	prefix := ""
	if level != "INFO" {
		prefix = level + " "
	}
	log.Printf("[%s] %s%s%s", strings.ToUpper(component), prefix, msg, formatFields(kv...))
}

func jsonLine(component, level, msg string, kv ...any) string {
	payload := map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"component": component,
		"msg":       msg,
	}
	for i := 0; i < len(kv); i += 2 {
		key := strings.TrimSpace(toString(kv[i]))
		if i+1 >= len(kv) {
			payload[key] = "(missing)"
			break
		}
		switch v := kv[i+1].(type) {
		case error:
			payload[key] = toString(v)
		default:
			payload[key] = v
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"level":%q,"component":%q,"msg":%q}`, level, component, msg)
	}
	return string(data)
}

func formatFields(kv ...any) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(toString(kv[i])))
		b.WriteString("=")
		b.WriteString(toString(kv[i+1]))
	}
	return b.String()
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return flatten(t.Error())
	default:
		return flatten(fmt.Sprintf("%v", t))
	}
}

func flatten(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	return strings.ReplaceAll(s, "\t", " ")
}

func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
