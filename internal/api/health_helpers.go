package api

import (
	"context"
	"net/http"

	"livecall/internal/calls"
)

// Pinger is implemented by dependencies that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2)
	if pinger, ok := h.Journal.(Pinger); ok {
		components = append(components, recordComponent("journal", pinger.Ping(ctx)))
	}
	if h.Monitor != nil {
		session := componentStatus{Component: "session", Status: "idle"}
		if record := h.Controller.CurrentCall(); record != nil {
			session.Status = "ok"
			report := h.Monitor.LastReport()
			if report.CallID == record.CallID() && report.Health != "" && report.Health != calls.HealthAlive {
				// A struggling session is reported but does not fail the probe.
				session.Status = string(report.Health)
				session.Error = report.Error
			}
		}
		components = append(components, session)
	}
	return components, overallStatus, statusCode
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, healthResponse{Status: status, Components: components})
}
