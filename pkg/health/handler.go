package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var componentUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptrack_component_up",
	Help: "Whether a dependency passed its last health check",
}, []string{"component"})

// HealthHandler provides HTTP endpoints for health monitoring
type HealthHandler struct {
	monitor *Monitor
	logger  *logrus.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(monitor *Monitor, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{
		monitor: monitor,
		logger:  logger,
	}
}

// HealthResponse represents the JSON response for health checks
type HealthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
	Summary    HealthSummary              `json:"summary"`
}

// HealthSummary provides a summary of overall component health
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Unknown   int `json:"unknown"`
}

// Register mounts the health routes on router.
func (h *HealthHandler) Register(router *mux.Router) {
	router.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/health/{component}", h.HandleComponentHealth).Methods(http.MethodGet)
}

// HandleHealth handles GET /health requests
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	components := h.monitor.GetAllHealth()

	var summary HealthSummary
	criticalDown := false
	for _, c := range components {
		summary.Total++
		switch c.Status {
		case Healthy:
			summary.Healthy++
		case Unhealthy:
			summary.Unhealthy++
			if c.Critical {
				criticalDown = true
			}
		default:
			summary.Unknown++
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if criticalDown {
		status = "critical"
		statusCode = http.StatusServiceUnavailable
	} else if summary.Unhealthy > 0 {
		status = "degraded"
	}

	h.writeJSON(w, statusCode, HealthResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Summary:    summary,
	})
}

// HandleComponentHealth handles GET /health/{component} requests
func (h *HealthHandler) HandleComponentHealth(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["component"]

	health, exists := h.monitor.GetHealth(name)
	if !exists {
		http.Error(w, "Component not found", http.StatusNotFound)
		return
	}

	statusCode := http.StatusOK
	if health.Status == Unhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	h.writeJSON(w, statusCode, map[string]interface{}{
		"component": health,
		"timestamp": time.Now(),
	})
}

func (h *HealthHandler) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("Failed to encode health response")
	}
}
