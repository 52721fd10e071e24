package validators

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/CodeMonkeyCybersecurity/scout/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ResourceConsumption probes the payload size limit with one oversized body
// and the rate limit with a concurrent burst of rate+1 identical requests.
type ResourceConsumption struct {
	base
	maxConcurrent int
}

func (v *ResourceConsumption) CheckType() types.CheckType {
	return types.CheckResourceConsumption
}

func (v *ResourceConsumption) Validate(ctx context.Context, in Input) (types.ScanResult, error) {
	limits := in.Primary.Limits
	if limits == nil {
		return pass("No resource limits configured"), nil
	}
	doc := baselineOr(in, in.Primary)

	var problems []string

	if limits.Payload > 0 {
		req := v.request(in.Target, doc, in.Fixtures)
		inflate(req, limits.Field, limits.Payload+1)

		resp, err := v.prober.Do(ctx, req)
		if err != nil {
			return types.ScanResult{}, err
		}
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			problems = append(problems, fmt.Sprintf(
				"Payload limit not enforced: expected status code %d, got %d",
				http.StatusRequestEntityTooLarge, resp.StatusCode,
			))
		}
	}

	if limits.Rate > 0 {
		limited, err := v.burst(ctx, v.request(in.Target, doc, in.Fixtures), limits.Rate+1)
		if err != nil {
			return types.ScanResult{}, err
		}
		if limited == 0 {
			problems = append(problems, fmt.Sprintf(
				"Rate limit not enforced: none of %d concurrent requests returned %d",
				limits.Rate+1, http.StatusTooManyRequests,
			))
		}
	}

	if len(problems) > 0 {
		return fail(types.SeverityHigh, strings.Join(problems, "; ")), nil
	}
	return pass("Payload and rate limits enforced"), nil
}

// burst sends n copies of req concurrently and counts the 429 responses.
func (v *ResourceConsumption) burst(ctx context.Context, req *probe.Request, n int) (int64, error) {
	var limited atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.maxConcurrent)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			resp, err := v.prober.Do(gctx, req)
			if err != nil {
				return err
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				limited.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return limited.Load(), nil
}

// inflate replaces one body field with size bytes of filler. Without an
// explicit field the first string field of an object body is used, falling
// back to a "payload" key.
func inflate(req *probe.Request, field string, size int) {
	filler := strings.Repeat("A", size)

	switch body := req.Body.(type) {
	case map[string]any:
		if field == "" {
			field = firstStringField(body)
		}
		body[field] = filler
	case nil:
		if field == "" {
			field = "payload"
		}
		req.Body = map[string]any{field: filler}
	default:
		req.Body = filler
	}
}

func firstStringField(body map[string]any) string {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := body[k].(string); ok {
			return k
		}
	}
	return "payload"
}
