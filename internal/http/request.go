package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"groupsave/internal/core"
)

const maxBodyBytes = 64 << 10

var errEmptyBody = errors.New("request body is empty")

// decodeJSON reads a single JSON object into dst. Unknown fields are
// rejected; an empty body is allowed only when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errEmptyBody
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body larger than %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// amountField accepts a decimal string ("12.50") or an integer number of
// cents. Exactly one must be set.
type amountField struct {
	Decimal string
	Cents   *int64
}

func (a amountField) money(field string) (core.Money, error) {
	switch {
	case a.Decimal != "" && a.Cents != nil:
		return core.Money{}, core.Validationf("set either %s or %s_cents, not both", field, field)
	case a.Cents != nil:
		return core.Money{Cents: *a.Cents}, nil
	case strings.TrimSpace(a.Decimal) != "":
		cents, err := core.ParseDecimalToCents(a.Decimal)
		if err != nil {
			return core.Money{}, fmt.Errorf("%s: %w", field, err)
		}
		return core.Money{Cents: cents}, nil
	}
	return core.Money{}, core.Validationf("%s is required", field)
}

// queryLimit parses ?limit=. Missing means 0 (service default).
func queryLimit(r *http.Request) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}
