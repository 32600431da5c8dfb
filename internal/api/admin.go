package api

import (
	"net/http"

	"go.uber.org/zap"

	"libraai/internal/circulation"
)

type adminHandler struct {
	reconciler ReconcileRunner
	auditor    AuditRunner
	logger     *zap.Logger
}

func (h *adminHandler) runReconciliation(w http.ResponseWriter, r *http.Request) {
	result, err := h.reconciler.Run(r.Context())
	if err != nil {
		h.logger.Warn("manual reconciliation failed", zap.Error(err))
		writeJSON(w, circulation.StatusCode(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *adminHandler) runAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.auditor.Run(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *adminHandler) lastAudit(w http.ResponseWriter, r *http.Request) {
	report := h.auditor.LastReport()
	if report == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no audit has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}
