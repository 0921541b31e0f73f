package main

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

//go:embed templates/index.html
var templateFS embed.FS

var (
	indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))
	validate      = validator.New()
)

// --- Handlers ---

func indexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, struct{ Version string }{EngineVersion}); err != nil {
		log.Printf("[PhishGuardian] Failed to render index: %v", err)
	}
}

func predictHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req PredictRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxTextSize)).Decode(&req); err != nil || req.Text == nil {
		writeError(w, http.StatusBadRequest, "No text provided")
		return
	}
	text := *req.Text
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "Empty text provided")
		return
	}

	respondPrediction(w, r, text, PredictResponse{})
}

// analyzeHandler classifies a raw RFC 822 message
func analyzeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, MaxProcessSize))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error reading body")
		return
	}

	text, messageID, subject, err := extractMessageText(bodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid MIME")
		return
	}
	if text == "" {
		writeError(w, http.StatusBadRequest, "Empty text provided")
		return
	}

	respondPrediction(w, r, text, PredictResponse{MessageID: messageID, Subject: subject})
}

func respondPrediction(w http.ResponseWriter, r *http.Request, text string, resp PredictResponse) {
	resp.RequestID = uuid.New().String()

	res, err := predictText(r.Context(), models, text)
	if errors.Is(err, ErrModelsNotLoaded) {
		writeError(w, http.StatusInternalServerError, "Models not loaded")
		return
	}
	if err != nil {
		log.WithError(err).WithField("request_id", resp.RequestID).Error("[PhishGuardian] Error in prediction")
		writeError(w, http.StatusInternalServerError, "Prediction failed")
		return
	}

	resp.PredictionResult = res
	log.WithFields(log.Fields{
		"request_id": resp.RequestID,
		"prediction": res.Label,
		"source":     res.Source,
	}).Debug("[PhishGuardian] Prediction")
	writeJSON(w, http.StatusOK, resp)
}

func reportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req ReportRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxTextSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	req.ReportType = strings.ToLower(strings.TrimSpace(req.ReportType))
	if err := validate.Struct(req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text and report_type (phishing|safe) are required")
		return
	}

	if rdb == nil {
		writeError(w, http.StatusServiceUnavailable, "Local learning unavailable")
		return
	}

	ctx := r.Context()

	// Prevent duplicate reports for the same type
	reportKey := ReportGuardPrefix + sha1Hex(req.Text) + ":" + req.ReportType
	added, err := rdb.SetNX(ctx, reportKey, "1", 24*time.Hour).Result()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Redis error")
		return
	}
	if !added {
		log.Printf("[PhishGuardian] Duplicate %s report ignored", req.ReportType)
		writeJSON(w, http.StatusConflict, map[string]string{"status": "duplicate", "message": "Already reported"})
		return
	}

	hash, score, known, err := learnReport(ctx, req.Text, req.ReportType)
	if err != nil {
		rdb.Del(ctx, reportKey)
		if errors.Is(err, ErrNotFingerprintable) {
			writeError(w, http.StatusUnprocessableEntity, "Text too short or uniform to fingerprint")
			return
		}
		log.WithError(err).Error("[PhishGuardian] Failed to learn report")
		writeError(w, http.StatusServiceUnavailable, "Redis error")
		return
	}

	// A safe report for unknown text has nothing to undo
	if req.ReportType == ReportSafe && !known {
		rdb.Del(ctx, reportKey)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "ignored",
			"report_type": req.ReportType,
			"hash":        hash,
			"known":       false,
		})
		return
	}

	forgetVerdict(ctx, req.Text)
	atomic.AddInt64(&reportCount, 1)
	promReports.WithLabelValues(req.ReportType).Inc()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "learned",
		"report_type": req.ReportType,
		"hash":        hash,
		"score":       score,
		"known":       known,
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "models not loaded"}
	if models != nil {
		resp = HealthResponse{Status: "healthy", ModelsLoaded: true, Variant: models.Variant.String()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	if models == nil {
		writeError(w, http.StatusServiceUnavailable, "Models not loaded")
		return
	}

	redisUp := rdb != nil && rdb.Ping(r.Context()).Err() == nil
	resp := StatusResponse{
		NodeID:         nodeID,
		Version:        EngineVersion,
		Variant:        models.Variant.String(),
		FallbackReason: models.FallbackReason,
		LoadedAt:       models.LoadedAt,
		Uptime:         time.Since(startedAt).Truncate(time.Second).String(),
		Redis:          redisUp,
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func logRequestHandler(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[PhishGuardian] Request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	respBytes, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Encoding error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(respBytes)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
