package observ

import (
	"encoding/json"
	"fmt"
	"time"
)

// Log emits a single-line JSON event to stdout. Every subsystem in the
// kernel logs through this; the ts and event keys are always present.
func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}

// Warn is Log with a level=warning field, for contained failures that
// degrade behavior without stopping it.
func Warn(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["level"] = "warning"
	Log(event, kv)
}

// Error is Log with a level=error field.
func Error(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["level"] = "error"
	Log(event, kv)
}
