package verify

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StatusError captures a non-200 response.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// FetchError reports that an asset could not be retrieved. The candidate
// stays queued and is retried on a later pass.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetch GETs url and returns the body of a 200 response. A body longer than
// limit bytes yields ErrTooLarge; any other failure is a *FetchError.
func Fetch(ctx context.Context, client *http.Client, url, userAgent string, limit int64) ([]byte, error) {
	ctx, span := otel.Tracer("cdnrewriter.verify").Start(ctx, "verify.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	fail := func(msg string, err error) ([]byte, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return nil, &FetchError{URL: url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail("create request failed", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		return fail("request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fail(fmt.Sprintf("HTTP %d", resp.StatusCode), &StatusError{StatusCode: resp.StatusCode, URL: url})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return fail("read response failed", err)
	}
	if int64(len(body)) > limit {
		span.SetStatus(codes.Error, "body too large")
		return nil, fmt.Errorf("%s: %w", url, ErrTooLarge)
	}
	span.SetStatus(codes.Ok, "")
	return body, nil
}
