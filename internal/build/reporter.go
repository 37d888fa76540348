package build

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/atelier-labs/atelier/internal/domain"
)

// HTTPReporter pushes status transitions to the API's status endpoint.
// Delivery is one-way: a failed push is logged and the build carries on,
// the same as every other status producer in the system.
type HTTPReporter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPReporter(baseURL string, logger *slog.Logger) *HTTPReporter {
	return &HTTPReporter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (r *HTTPReporter) Report(ctx context.Context, buildUUID string, update domain.StatusUpdate) {
	body, err := json.Marshal(update)
	if err != nil {
		r.logger.Error("marshal status update", "build_uuid", buildUUID, "error", err)
		return
	}
	url := fmt.Sprintf("%s/api/builds/%s/status", r.baseURL, buildUUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		r.logger.Error("build status request", "build_uuid", buildUUID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Error("push build status", "build_uuid", buildUUID, "status", update.Status, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Error("build status rejected", "build_uuid", buildUUID, "status", update.Status, "http_status", resp.StatusCode)
	}
}
