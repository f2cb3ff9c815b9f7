package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CompleteWithFallback runs req once and, on failure, retries exactly once
// with fallbackModel. usedFallback reports whether the second attempt ran.
// When both attempts fail the returned error joins the two causes.
func CompleteWithFallback(ctx context.Context, c Completer, req Request, fallbackModel string) (Completion, bool, error) {
	out, err := c.Complete(ctx, req)
	if err == nil {
		return out, false, nil
	}
	if strings.TrimSpace(fallbackModel) == "" || ctx.Err() != nil {
		return Completion{}, false, err
	}

	retry := req
	retry.Model = fallbackModel
	out, retryErr := c.Complete(ctx, retry)
	if retryErr != nil {
		return Completion{}, true, errors.Join(err, fmt.Errorf("fallback model %s: %w", fallbackModel, retryErr))
	}
	return out, true, nil
}
