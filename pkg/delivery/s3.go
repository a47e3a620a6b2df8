package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fulcrumhq/proxy/pkg/canon"
	"github.com/fulcrumhq/proxy/pkg/domain"
)

// sanitizeKeySegment replaces path-breaking characters in one object-key
// segment, per spec §4.6.
func sanitizeKeySegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "_")
	return s
}

// buildObjectKey constructs {prefix?}/tenants/{tenant}/artifacts/{type}/{id}_{hash}.json.
func buildObjectKey(prefix, tenantID, artifactType, artifactID, artifactHash string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, sanitizeKeySegment(prefix))
	}
	parts = append(parts,
		"tenants", sanitizeKeySegment(tenantID),
		"artifacts", sanitizeKeySegment(artifactType),
		fmt.Sprintf("%s_%s.json", sanitizeKeySegment(artifactID), sanitizeKeySegment(artifactHash)),
	)
	return strings.Join(parts, "/")
}

func (w *Worker) dispatchS3(ctx context.Context, d domain.Delivery, dest domain.Destination, artifact map[string]any) attemptResult {
	if dest.Endpoint == "" || dest.Region == "" || dest.Bucket == "" {
		return attemptResult{failureReason: "missing_config", err: fmt.Errorf("s3 destination %s missing endpoint/region/bucket", dest.DestinationID)}
	}

	accessKeyID, err := resolveSecret(dest.AccessKeyID, dest.AccessKeyIDRef)
	if err != nil {
		return attemptResult{failureReason: secretFailureReason(err), err: err}
	}
	secretAccessKey, err := resolveSecret(dest.SecretAccessKey, dest.SecretAccessKeyRef)
	if err != nil {
		return attemptResult{failureReason: secretFailureReason(err), err: err}
	}

	forcePathStyle := true
	if dest.ForcePathStyle != nil {
		forcePathStyle = *dest.ForcePathStyle
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(dest.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		return attemptResult{failureReason: "network_error", err: fmt.Errorf("load aws config: %w", err)}
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(dest.Endpoint)
		o.UsePathStyle = forcePathStyle
	})
	presigner := s3.NewPresignClient(client)

	key := buildObjectKey(dest.Prefix, d.TenantID, d.ArtifactType, d.ArtifactID, d.ArtifactHash)
	body, err := canon.Encode(artifact)
	if err != nil {
		return attemptResult{failureReason: "network_error", err: fmt.Errorf("encode artifact: %w", err)}
	}

	presigned, err := presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(dest.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/json"),
	}, s3.WithPresignExpires(5*time.Minute))
	if err != nil {
		return attemptResult{failureReason: "network_error", err: fmt.Errorf("presign put: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, presigned.Method, presigned.URL, bytes.NewReader(body))
	if err != nil {
		return attemptResult{failureReason: "network_error", err: err}
	}
	for k, vs := range presigned.SignedHeader {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := w.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{failureReason: "timeout", err: err}
		}
		return attemptResult{failureReason: "network_error", err: err}
	}
	defer resp.Body.Close()

	triggerFailpoint(FailpointS3AfterPutBeforeMark)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return attemptResult{statusCode: resp.StatusCode, failureReason: "non_2xx", err: fmt.Errorf("s3 put returned status %d", resp.StatusCode)}
	}
	return attemptResult{statusCode: resp.StatusCode}
}
