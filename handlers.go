package main

import (
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/Hanbin/density/models"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// maxUploadMemory bounds how much of a multipart body is held in memory;
// the rest spills to disk.
const maxUploadMemory = 32 << 20

type AppState struct {
	Config  *Config
	Service *DensityService
	Metrics *Metrics
	Log     *logrus.Logger
}

func (s *AppState) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods("GET")

	var upload http.Handler = http.HandlerFunc(s.handleUpload)
	if s.Config.UploadLimit > 0 {
		upload = httprate.Limit(s.Config.UploadLimit, s.Config.UploadWindow, httprate.WithKeyFuncs(httprate.KeyByIP))(upload)
	}
	r.Handle("/upload", upload).Methods("POST")

	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", s.Metrics.Handler()).Methods("GET")
}

func (s *AppState) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.render(w, indexPage, http.StatusOK, nil)
}

func (s *AppState) handleUpload(w http.ResponseWriter, r *http.Request) {
	var result models.DensityResult
	status := http.StatusOK

	file, header, err := readUpload(r)
	if err != nil {
		s.Log.WithError(err).Warn("upload rejected")
		s.Metrics.observe(resultUploadFailed, 0, nil)
		result = models.DensityResult{Message: MsgUploadFailed}
	} else {
		defer file.Close()
		result = s.Service.ProcessUpload(r.Context(), file, header)
	}

	if !result.OK {
		status = failureStatus(result.Message)
	}

	if wantsJSON(r) {
		sendJSON(w, status, result)
		return
	}
	s.render(w, uploadStatusPage, status, result)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readUpload(r *http.Request) (multipart.File, string, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, "", err
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, "", err
	}
	return file, header.Filename, nil
}

func failureStatus(message string) int {
	switch message {
	case MsgUploadFailed, MsgImageLoadFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func (s *AppState) render(w http.ResponseWriter, page string, status int, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pages.ExecuteTemplate(w, page, data); err != nil {
		s.Log.WithError(err).WithField("page", page).Error("failed to render page")
	}
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
