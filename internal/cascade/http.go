package cascade

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"govline/internal/domain"
)

const (
	defaultHTTPTimeout    = 5 * time.Second
	defaultHTTPMaxElapsed = 8 * time.Second
)

// HTTPValidator delegates the alignment check to a remote service.
type HTTPValidator struct {
	URL        string
	Client     *http.Client
	MaxElapsed time.Duration
	Logger     *zap.Logger
}

type checkRequest struct {
	Directive   domain.Directive `json:"directive"`
	HandoffType string           `json:"handoff_type"`
}

type statusError struct {
	status int
	body   string
}

func (e statusError) Error() string {
	return fmt.Sprintf("cascade validator status %d: %s", e.status, e.body)
}

func (v HTTPValidator) Check(ctx context.Context, d domain.Directive, handoffType string) (Result, error) {
	if d.ParentID == nil {
		return Result{Aligned: true, Score: 100}, nil
	}
	payload, err := json.Marshal(checkRequest{Directive: d, HandoffType: handoffType})
	if err != nil {
		return Result{}, err
	}
	client := v.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	var out Result
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			se := statusError{status: res.StatusCode, body: strings.TrimSpace(string(body))}
			if retryableStatus(res.StatusCode) {
				return se
			}
			return backoff.Permanent(se)
		}
		var decoded Result
		if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("decode cascade result: %w", err))
		}
		out = decoded
		return nil
	}
	notify := func(err error, wait time.Duration) {
		v.logger().Debug("cascade check retry", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(v.newBackoff(), ctx), notify); err != nil {
		var se statusError
		if errors.As(err, &se) {
			return Result{}, se
		}
		return Result{}, err
	}
	out.Score = domain.ClampPercent(out.Score)
	return out, nil
}

func (v HTTPValidator) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = defaultHTTPMaxElapsed
	if v.MaxElapsed > 0 {
		bo.MaxElapsedTime = v.MaxElapsed
	}
	return bo
}

func (v HTTPValidator) logger() *zap.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return zap.NewNop()
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
