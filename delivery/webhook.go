package delivery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/typenote/artifact"
)

// Headers sent with every webhook POST. The idempotency key is the same for
// all retries of one artifact, so receivers can drop duplicates.
const (
	HeaderFileName       = "X-File-Name"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderContentDigest  = "Content-Digest"
)

// Webhook mirrors artifacts to an HTTP endpoint, e.g. a companion sync
// service. Network errors, 408, 429 and 5xx are retried with doubling
// backoff; other statuses fail at once.
type Webhook struct {
	url     string
	client  *http.Client
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookRetries sets how many times a failed POST is retried. Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *Webhook) { w.retries = max(n, 0) }
}

// WithWebhookBackoff sets the delay before the first retry. Default: 1s.
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.backoff = d }
}

func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// NewWebhook creates a Webhook posting to url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		retries: 3,
		backoff: time.Second,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Webhook) Deliver(ctx context.Context, a *artifact.Artifact) Outcome {
	return guard("webhook", a, func() Outcome {
		if err := w.send(ctx, a); err != nil {
			return failed("webhook", a, err)
		}
		return Outcome{Delivered: true, Location: w.url}
	})
}

// errStatus is a non-2xx reply. retryAfter is zero when the server gave none.
type errStatus struct {
	code       int
	retryAfter time.Duration
}

func (e *errStatus) Error() string { return "webhook: status " + strconv.Itoa(e.code) }

func (e *errStatus) retryable() bool {
	return e.code == http.StatusRequestTimeout || e.code == http.StatusTooManyRequests || e.code >= 500
}

func (w *Webhook) send(ctx context.Context, a *artifact.Artifact) error {
	sum := sha256.Sum256(a.Blob.Data)
	digest := "sha-256=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"
	key := hex.EncodeToString(sum[:8]) + "-" + a.FileName

	wait := w.backoff
	for attempt := 1; ; attempt++ {
		err := w.post(ctx, a, digest, key)
		if err == nil {
			return nil
		}
		var st *errStatus
		if errors.As(err, &st) && !st.retryable() {
			return err
		}
		if attempt > w.retries {
			return fmt.Errorf("webhook: gave up after %d attempts: %w", attempt, err)
		}

		delay := wait
		if st != nil && st.retryAfter > 0 {
			delay = st.retryAfter
		}
		w.logger.Warn("webhook: retrying", "url", w.url, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("webhook: %w", ctx.Err())
		}
		wait *= 2
	}
}

func (w *Webhook) post(ctx context.Context, a *artifact.Artifact, digest, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(a.Blob.Data))
	if err != nil {
		return fmt.Errorf("webhook: new request: %w", err)
	}
	req.Header.Set("Content-Type", a.Blob.MIME)
	req.Header.Set(HeaderFileName, a.FileName)
	req.Header.Set(HeaderIdempotencyKey, key)
	req.Header.Set(HeaderContentDigest, digest)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	st := &errStatus{code: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		st.retryAfter = time.Duration(secs) * time.Second
	}
	return st
}
