package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vidfetchgo/internal/filestore"
	"vidfetchgo/internal/manager"
	"vidfetchgo/internal/models"
	"vidfetchgo/internal/quota"
	"vidfetchgo/internal/status"
)

func StatusHandler(reporter *status.Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reporter.Snapshot()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error": "failed to encode status"}`))
		}
	}
}

func SubmitHandler(m *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID int64  `json:"userId"`
			URL    string `json:"url"`
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid json"})
			return
		}
		if req.URL == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "url is required"})
			return
		}

		view, err := m.Submit(req.UserID, req.URL)
		if err != nil {
			var je *models.JobError
			if errors.As(err, &je) {
				w.WriteHeader(denialStatus(je.Kind))
				json.NewEncoder(w).Encode(je)
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(view)
	}
}

func denialStatus(kind models.ErrorKind) int {
	switch kind {
	case models.KindGlobalBusy, models.KindUserBusy, models.KindDailyLimit:
		return http.StatusTooManyRequests
	case models.KindDiskFull:
		return http.StatusInsufficientStorage
	default:
		return http.StatusBadRequest
	}
}

func GetJobHandler(m *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		w.Header().Set("Content-Type", "application/json")

		view, ok := m.Job(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "job not found"})
			return
		}
		json.NewEncoder(w).Encode(view)
	}
}

func ListJobsHandler(m *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Jobs())
	}
}

func CancelJobHandler(m *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		w.Header().Set("Content-Type", "application/json")

		if err := m.Cancel(id); err != nil {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
	}
}

func ForceCleanupHandler(files *filestore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed := files.ForceCleanup()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"removed": removed})
	}
}

// StatsHandler serves the admin view: raw quota counters on top of the
// file store usage.
func StatsHandler(tracker *quota.Tracker, files *filestore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		totalBytes, fileCount := files.Usage()
		payload := struct {
			Quota      models.QuotaStats `json:"quota"`
			TotalBytes int64             `json:"totalBytes"`
			FileCount  int               `json:"fileCount"`
		}{
			Quota:      tracker.Stats(),
			TotalBytes: totalBytes,
			FileCount:  fileCount,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}
}
