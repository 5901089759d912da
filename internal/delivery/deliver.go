package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/types"
)

const (
	sigHeader = "X-Hookline-Signature" // sha256=<hex>
	tsHeader  = "X-Hookline-Timestamp" // unix seconds

	maxCapturedBody = 64 * 1024
)

// Deliverer performs the outbound POST for a leased event and assembles the
// report.
type Deliverer struct {
	HTTP       *http.Client
	SigningKey string
}

// Deliver posts the event payload to its target and returns the report to
// submit: outcome, retryable, and the attempt snapshot.
func (d *Deliverer) Deliver(ctx context.Context, leased *types.LeasedEvent) *types.ReportRequest {
	body := []byte(leased.Event.Payload)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	requestHeaders := map[string]string{
		"Content-Type": "application/json",
		tsHeader:       ts,
	}
	if d.SigningKey != "" {
		// Sign: HMAC over body||timestamp
		mac := hmac.New(sha256.New, []byte(d.SigningKey))
		mac.Write(body)
		mac.Write([]byte(ts))
		requestHeaders[sigHeader] = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}
	for k, v := range leased.Event.Headers {
		requestHeaders[k] = v
	}

	startedAt := types.FormatTime(time.Now())
	report := &types.ReportRequest{
		EventID: leased.Event.ID,
		Attempt: types.ReportAttempt{
			StartedAt:      startedAt,
			RequestHeaders: requestHeaders,
			RequestBody:    leased.Event.Payload,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, leased.TargetURL, bytes.NewReader(body))
	if err != nil {
		// A target URL that cannot even form a request will never
		// succeed; keep the circuit out of it.
		report.Attempt.FinishedAt = types.FormatTime(time.Now())
		setAttemptError(report, types.ErrorKindUnexpected, err.Error())
		report.Outcome = types.OutcomeRetry
		report.Retryable = false
		return report
	}
	for k, v := range requestHeaders {
		req.Header.Set(k, v)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, doErr := d.HTTP.Do(req)
	report.Attempt.FinishedAt = types.FormatTime(time.Now())

	if doErr != nil {
		kind := types.ErrorKindNetwork
		if isTimeout(doErr) {
			kind = types.ErrorKindTimeout
		}
		setAttemptError(report, kind, doErr.Error())
		report.Outcome = types.OutcomeRetry
		report.Retryable = true
		return report
	}
	defer resp.Body.Close()

	status := int64(resp.StatusCode)
	report.Attempt.ResponseStatus = &status
	report.Attempt.ResponseHeaders = flattenHeaders(resp.Header)
	if captured, err := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBody)); err == nil {
		v := string(captured)
		report.Attempt.ResponseBody = &v
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		report.Outcome = types.OutcomeDelivered
		report.Retryable = false
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		setAttemptError(report, types.ErrorKindInvalidResponse, "unexpected status "+strconv.Itoa(resp.StatusCode))
		report.Outcome = types.OutcomeRetry
		report.Retryable = true
	default:
		// Remaining 4xx: the request itself is rejected, retrying cannot
		// fix it and must not trip the breaker. The retry budget turns it
		// dead.
		setAttemptError(report, types.ErrorKindInvalidResponse, "unexpected status "+strconv.Itoa(resp.StatusCode))
		report.Outcome = types.OutcomeRetry
		report.Retryable = false
	}
	return report
}

func setAttemptError(report *types.ReportRequest, kind types.AttemptErrorKind, message string) {
	report.Attempt.ErrorKind = &kind
	report.Attempt.ErrorMessage = &message
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		out[k] = strings.Join(values, ", ")
	}
	return out
}
