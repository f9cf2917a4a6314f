package controller

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"coldroom-server/internal/modules/readings/repository"
)

const defaultLimit = 50

const (
	codeMissingField       = "MissingField"
	codeInvalidMeasurement = "InvalidMeasurement"
	codeMalformedPayload   = "MalformedPayload"
	codeStoreUnavailable   = "StoreUnavailable"
	codeInvalidQuery       = "InvalidQuery"
)

// parseListQuery reads sensor_id and limit. A missing, unparseable or
// non-positive limit means def; anything above the cap is clamped.
func parseListQuery(r *http.Request, def int) (repository.Filter, int, error) {
	q := r.URL.Query()
	var filter repository.Filter

	if s := strings.TrimSpace(q.Get("sensor_id")); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return repository.Filter{}, 0, errors.New("invalid 'sensor_id' (expected integer)")
		}
		filter.SensorID = &id
	}

	limit := def
	if s := strings.TrimSpace(q.Get("limit")); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > repository.MaxLimit {
		limit = repository.MaxLimit
	}
	return filter, limit, nil
}
