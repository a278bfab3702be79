// Package health provides the HTTP status handler served while a job
// runs, so the CI supervisor can see which phase a long job is in and
// which node it holds.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/agentctl/internal/buildinfo"
	"github.com/terrpan/agentctl/internal/session"
)

// Response represents the status response body.
type Response struct {
	Status       string         `json:"status"`
	ServiceName  string         `json:"service_name"`
	Version      string         `json:"version"`
	Commit       string         `json:"commit"`
	BuildTime    string         `json:"build_time"`
	GoVersion    string         `json:"go_version"`
	OS           string         `json:"os"`
	Architecture string         `json:"architecture"`
	Job          session.Status `json:"job"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Handler responds to status requests with build info and a live job
// snapshot from statusFn. The status is always "healthy" (200 OK); a
// stuck phase is visible in the job snapshot, not in the status code.
func Handler(statusFn func() session.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "agentctl",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Job:          statusFn(),
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
