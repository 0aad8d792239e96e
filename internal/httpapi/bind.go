package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/treqd/treqd/internal/apierr"
)

// handlers binds every route's implementation to a shared App.
type handlers struct {
	app *App
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return apierr.New(apierr.CodeValidationError, "request body is required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apierr.Wrap(apierr.CodeValidationError, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
