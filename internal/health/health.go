// Package health serves the readiness endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

const stateFailed = "failed"

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatesFunc reports each subscription connection's state by name
type StatesFunc func() map[string]string

type Status struct {
	OK          bool              `json:"ok"`
	Message     string            `json:"message,omitempty"`
	Database    bool              `json:"database,omitempty"`
	Connections map[string]string `json:"connections,omitempty"`
}

// HTTPHandler reports unhealthy when the database ping fails or a connection
// has given up. db and states may be nil.
func HTTPHandler(db Pinger, states StatesFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}

		if states != nil {
			st.Connections = states()
			if failed := failedConnections(st.Connections); len(failed) > 0 && st.OK {
				st.OK = false
				st.Message = "subscription connection failed: " + failed[0]
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

func failedConnections(states map[string]string) []string {
	var out []string
	for name, state := range states {
		if state == stateFailed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
