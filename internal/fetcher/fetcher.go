package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"moneymate/internal/registry"
)

// RateFetcher retrieves one upstream table of quotes keyed by currency code.
type RateFetcher interface {
	Name() string
	FetchRates(ctx context.Context) (map[string]registry.Quote, error)
}

type apiError struct {
	Error       any    `json:"error"`
	Description string `json:"description"`
	Message     string `json:"message"`
	Status      struct {
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func parseHTTPError(source string, status int, payload []byte) error {
	var e apiError
	if err := json.Unmarshal(payload, &e); err == nil {
		switch {
		case e.Description != "":
			return fmt.Errorf("%s api error (%d): %s", source, status, e.Description)
		case e.Message != "":
			return fmt.Errorf("%s api error (%d): %s", source, status, e.Message)
		case e.Status.ErrorMessage != "":
			return fmt.Errorf("%s api error (%d): %s", source, status, e.Status.ErrorMessage)
		case e.Error != nil:
			return fmt.Errorf("%s api error (%d): %v", source, status, e.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", source, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", source, status)
}
