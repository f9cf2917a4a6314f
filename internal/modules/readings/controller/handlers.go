package controller

import (
	"errors"
	"io"
	"net/http"

	"coldroom-server/internal/modules/readings/normalize"
	"coldroom-server/internal/modules/readings/repository"
	"coldroom-server/internal/modules/readings/roomview"
	"coldroom-server/internal/modules/readings/types"
	"coldroom-server/internal/utils"
)

type createdResponse struct {
	OK      bool                `json:"ok"`
	ID      int64               `json:"id"`
	Reading types.StoredReading `json:"reading"`
}

type listResponse[T any] struct {
	OK   bool `json:"ok"`
	Data []T  `json:"data"`
}

func (c *readingsControllerImpl) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, c.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.WriteError(w, http.StatusRequestEntityTooLarge, codeMalformedPayload, "request body too large")
			return
		}
		utils.WriteError(w, http.StatusBadRequest, codeMalformedPayload, "failed to read request body")
		return
	}

	stored, err := c.ingester.Ingest(r.Context(), body, types.OriginHTTP)
	if err != nil {
		status, code := errorStatus(err)
		if status >= http.StatusInternalServerError {
			// Details of store failures stay in the log.
			utils.WriteError(w, status, code, "failed to store reading")
			return
		}
		utils.WriteError(w, status, code, err.Error())
		return
	}

	utils.WriteJSON(w, http.StatusCreated, createdResponse{OK: true, ID: stored.ID, Reading: stored})
}

func (c *readingsControllerImpl) handleList(w http.ResponseWriter, r *http.Request) {
	filter, limit, err := parseListQuery(r, c.defaultLimit)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, codeInvalidQuery, err.Error())
		return
	}

	readings, err := c.reader.Query(r.Context(), filter, limit)
	if err != nil {
		c.logger.Error("history query failed", "error", err)
		status, code := errorStatus(err)
		utils.WriteError(w, status, code, "failed to load readings")
		return
	}
	utils.WriteJSON(w, http.StatusOK, listResponse[types.StoredReading]{OK: true, Data: readings})
}

func (c *readingsControllerImpl) handleRooms(w http.ResponseWriter, r *http.Request) {
	view := c.view
	if view == nil {
		latest, err := c.reader.LatestPerRoom(r.Context())
		if err != nil {
			c.logger.Error("latest per room failed", "error", err)
			status, code := errorStatus(err)
			utils.WriteError(w, status, code, "failed to load rooms")
			return
		}
		view = roomview.Fold(nil, latest)
	}
	utils.WriteJSON(w, http.StatusOK, listResponse[roomview.Card]{OK: true, Data: roomview.RenderAll(view, c.now())})
}

// errorStatus maps pipeline errors to a status and a client-visible code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, normalize.ErrMissingField):
		return http.StatusBadRequest, codeMissingField
	case errors.Is(err, normalize.ErrInvalidMeasurement):
		return http.StatusBadRequest, codeInvalidMeasurement
	case errors.Is(err, normalize.ErrMalformedPayload):
		return http.StatusBadRequest, codeMalformedPayload
	case errors.Is(err, repository.ErrStoreUnavailable):
		return http.StatusInternalServerError, codeStoreUnavailable
	default:
		return http.StatusInternalServerError, ""
	}
}
