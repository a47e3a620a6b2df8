package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fulcrumhq/proxy/pkg/canon"
	"github.com/fulcrumhq/proxy/pkg/domain"
)

// attemptResult is what one dispatch (webhook or s3) reports back to the
// outcome handler: either a 2xx-equivalent success or a typed failure.
type attemptResult struct {
	statusCode    int
	failureReason string // "", or one of timeout/network_error/non_2xx/secret_*
	err           error
}

func (r attemptResult) success() bool {
	return r.failureReason == "" && r.statusCode >= 200 && r.statusCode < 300
}

// stripControl removes ASCII control characters (0x00-0x1F, 0x7F) from s,
// per spec §4.6's "control-char-stripped" order key header requirement.
func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (w *Worker) dispatchWebhook(ctx context.Context, d domain.Delivery, dest domain.Destination, artifact map[string]any) attemptResult {
	if dest.URL == "" {
		return attemptResult{failureReason: "missing_url", err: fmt.Errorf("webhook destination %s has no url", dest.DestinationID)}
	}

	secret, err := resolveSecret(dest.Secret, dest.SecretRef)
	if err != nil {
		return attemptResult{failureReason: secretFailureReason(err), err: err}
	}

	body, err := canon.Encode(artifact)
	if err != nil {
		return attemptResult{failureReason: "network_error", err: fmt.Errorf("encode artifact: %w", err)}
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return attemptResult{failureReason: "network_error", err: err}
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")
	req.Header.Set("x-proxy-dedupe-key", d.DedupeKey)
	req.Header.Set("x-proxy-delivery-id", d.DeliveryID)
	req.Header.Set("x-proxy-artifact-type", d.ArtifactType)
	req.Header.Set("x-proxy-artifact-id", d.ArtifactID)
	req.Header.Set("x-proxy-artifact-hash", d.ArtifactHash)
	req.Header.Set("x-proxy-order-key", stripControl(d.OrderKey))
	req.Header.Set("x-proxy-timestamp", timestamp)
	req.Header.Set("x-proxy-signature", signature)

	resp, err := w.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{failureReason: "timeout", err: err}
		}
		return attemptResult{failureReason: "network_error", err: err}
	}
	defer resp.Body.Close()

	triggerFailpoint(FailpointWebhookAfterPostBeforeMark)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return attemptResult{statusCode: resp.StatusCode, failureReason: "non_2xx", err: fmt.Errorf("webhook returned status %d", resp.StatusCode)}
	}
	return attemptResult{statusCode: resp.StatusCode}
}
