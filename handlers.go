package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/kwv/navreg/registration"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(svc *Service, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string                         `json:"status"`
			Timestamp time.Time                      `json:"timestamp"`
			State     registration.RegistrationState `json:"state"`
			Tools     int                            `json:"tools"`
			Cache     registration.CacheStatus       `json:"cache"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			State:     svc.Status().State,
			Tools:     len(svc.Tracker.GetPoses()),
			Cache:     svc.CacheStatus(),
		}
		writeJSON(w, http.StatusOK, status)
	})

	// Registration session
	mux.HandleFunc("GET /registration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})
	mux.HandleFunc("POST /registration/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Start())
	})
	mux.HandleFunc("POST /registration/stop", func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.Stop()
		writeStatus(w, status, err)
	})
	mux.HandleFunc("POST /registration/reset", func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.Reset()
		writeStatus(w, status, err)
	})

	// Pivot calibration
	mux.HandleFunc("GET /digitizer", func(w http.ResponseWriter, r *http.Request) {
		tool, n := svc.PivotProgress()
		body := map[string]any{"tool": tool, "count": n}
		if snap, ok := svc.Tracker.GetIntersection(); ok {
			body["intersection"] = snap
		}
		writeJSON(w, http.StatusOK, body)
	})
	mux.HandleFunc("POST /digitizer/record", func(w http.ResponseWriter, r *http.Request) {
		line, n, err := svc.RecordPivot()
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"line": line, "count": n})
	})
	mux.HandleFunc("POST /digitizer/clear", func(w http.ResponseWriter, r *http.Request) {
		svc.ClearPivot()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /digitizer/solve", func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.SolvePivot()
		switch {
		case errors.Is(err, registration.ErrIllConditioned):
			// The point is still returned so the user can see how far off it is
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "pivot": res})
		case err != nil:
			writeError(w, http.StatusUnprocessableEntity, err)
		default:
			writeJSON(w, http.StatusOK, res)
		}
	})

	// Model registration
	mux.HandleFunc("POST /model/record", func(w http.ResponseWriter, r *http.Request) {
		p, n, err := svc.RecordLandmark()
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"point": p, "count": n})
	})
	mux.HandleFunc("POST /model/compute", func(w http.ResponseWriter, r *http.Request) {
		a, err := svc.ComputeModel()
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	})
	mux.HandleFunc("POST /model/reset", func(w http.ResponseWriter, r *http.Request) {
		svc.ResetModel()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /model", func(w http.ResponseWriter, r *http.Request) {
		recorded, total, ok := svc.ModelProgress()
		if !ok {
			http.Error(w, "No model configured", http.StatusNotFound)
			return
		}
		body := map[string]any{"recorded": recorded, "total": total}
		if snap, ok := svc.Tracker.GetAlignment(); ok {
			body["alignment"] = snap
		}
		writeJSON(w, http.StatusOK, body)
	})

	// Plan views of the last alignment
	mux.HandleFunc("GET /landmarks.png", func(w http.ResponseWriter, r *http.Request) {
		scene, ok := landmarkScene(svc)
		if !ok {
			http.Error(w, "No alignment available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := registration.NewLandmarkRenderer(scene).EncodePNG(w); err != nil {
			log.Printf("Error encoding landmarks PNG: %v", err)
		}
	})
	mux.HandleFunc("GET /landmarks.svg", func(w http.ResponseWriter, r *http.Request) {
		scene, ok := landmarkScene(svc)
		if !ok {
			http.Error(w, "No alignment available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := registration.NewVectorRenderer(scene).RenderToSVG(w); err != nil {
			log.Printf("Error encoding landmarks SVG: %v", err)
		}
	})

	// Live tool state
	mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Tracker.GetPoses())
	})
	mux.HandleFunc("GET /stabilization", func(w http.ResponseWriter, r *http.Request) {
		best, ok := svc.Stabilization()
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, best)
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// landmarkScene builds the plan view of the last alignment and the live tools
func landmarkScene(svc *Service) (registration.LandmarkScene, bool) {
	snap, ok := svc.Tracker.GetAlignment()
	if !ok {
		return registration.LandmarkScene{}, false
	}
	return registration.SceneFromAlignment(snap, svc.Tracker.GetPoses()), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeStatus reports a session transition. The session state has changed
// even when persisting it failed, so the status body is sent either way.
func writeStatus(w http.ResponseWriter, status RegistrationStatus, err error) {
	if err != nil {
		log.Printf("Error: %v", err)
		writeJSON(w, http.StatusInternalServerError, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
