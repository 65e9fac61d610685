package commands

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"
)

// RegisterBuiltins installs the handlers every client serves out of the box.
func RegisterBuiltins(r *Registry) {
	r.Register(Handler{
		Name:        "ping",
		Description: "Round-trip liveness probe",
		Idempotent:  true,
		Execute: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]string{
				"pong": time.Now().UTC().Format(time.RFC3339Nano),
			})
		},
	})

	r.Register(Handler{
		Name:        "echo",
		Description: "Return the payload unchanged",
		Idempotent:  true,
		Execute: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return payload, nil
		},
	})

	r.Register(Handler{
		Name:        "system-info",
		Description: "Report host platform details",
		Idempotent:  true,
		Execute: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			hostname, _ := os.Hostname()
			return json.Marshal(map[string]any{
				"hostname": hostname,
				"os":       runtime.GOOS,
				"arch":     runtime.GOARCH,
				"cpus":     runtime.NumCPU(),
			})
		},
	})
}
