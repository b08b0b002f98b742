package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	genbaErrors "github.com/harunnryd/genba/internal/errors"
)

// Result is one probe outcome. Healthy means the endpoint answered
// with a 2xx status inside the timeout.
type Result struct {
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Err        string        `json:"error,omitempty"`
}

// Checker probes an HTTP endpoint.
type Checker struct {
	client *http.Client
}

func NewChecker(timeout time.Duration) *Checker {
	return &Checker{client: &http.Client{Timeout: timeout}}
}

// Check issues a GET against url. Transport failures and non-2xx
// statuses both come back as unhealthy results, with the error also
// returned so breaker accounting sees it.
func (c *Checker) Check(ctx context.Context, url string) (Result, error) {
	if url == "" {
		return Result{}, genbaErrors.InvalidInput("probe url is required")
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Err: err.Error()}, genbaErrors.InvalidInput("build probe request: " + err.Error())
	}

	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Result{Latency: latency, Err: err.Error()},
			genbaErrors.Wrap(genbaErrors.ErrUnhealthy, "probe "+url+": "+err.Error())
	}
	defer resp.Body.Close()

	result := Result{
		StatusCode: resp.StatusCode,
		Latency:    latency,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Healthy = true
		return result, nil
	}

	result.Err = fmt.Sprintf("status %d", resp.StatusCode)
	return result, genbaErrors.Wrap(genbaErrors.ErrUnhealthy,
		fmt.Sprintf("probe %s: status %d", url, resp.StatusCode))
}
