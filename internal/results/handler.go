package results

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/playtrack/backend/internal/respond"
)

const maxBodyBytes = 16 << 10

// Handler serves the results endpoints.
type Handler struct {
	store *Store
	log   logrus.FieldLogger
}

func NewHandler(store *Store, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{store: store, log: log.WithField("component", "results")}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/results", h.handleRecord)
	r.Get("/children/{childId}/results", h.handleRecent)
	r.Get("/children/{childId}/stats", h.handleStats)
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	var in Result
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in.ID = 0

	saved, err := h.store.Record(r.Context(), in)
	if errors.Is(err, ErrInvalidResult) {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("childId", in.ChildID).Error("record result")
		respond.Error(w, http.StatusInternalServerError, "failed to record result")
		return
	}
	h.log.WithFields(logrus.Fields{
		"childId":      saved.ChildID,
		"activityId":   saved.ActivityID,
		"successLevel": saved.SuccessLevel,
	}).Info("result recorded")
	respond.JSON(w, http.StatusCreated, saved)
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	childID, ok := childParam(w, r)
	if !ok {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			respond.Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	list, err := h.store.Recent(r.Context(), childID, limit)
	if err != nil {
		h.log.WithError(err).WithField("childId", childID).Error("list results")
		respond.Error(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	respond.JSON(w, http.StatusOK, list)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	childID, ok := childParam(w, r)
	if !ok {
		return
	}
	stats, err := h.store.ChildStats(r.Context(), childID)
	if err != nil {
		h.log.WithError(err).WithField("childId", childID).Error("child stats")
		respond.Error(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	respond.JSON(w, http.StatusOK, stats)
}

func childParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "childId"), 10, 64)
	if err != nil || id <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid child id")
		return 0, false
	}
	return id, true
}
