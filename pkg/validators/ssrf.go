package validators

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/scout/pkg/probe"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

// ServerSideRequestForgery sends a request whose URL-typed field points at an
// internal address. Without an inject section the document itself carries
// the payload.
type ServerSideRequestForgery struct {
	base
}

func (v *ServerSideRequestForgery) CheckType() types.CheckType {
	return types.CheckServerSideRequestForgery
}

func (v *ServerSideRequestForgery) Validate(ctx context.Context, in Input) (types.ScanResult, error) {
	req := v.request(in.Target, in.Primary, in.Fixtures)
	if in.Primary.Inject != nil {
		req = v.request(in.Target, baselineOr(in, in.Primary), in.Fixtures)
		inject(req, in.Primary.Inject.Field, in.Primary.InjectionTarget())
	}

	resp, err := v.prober.Do(ctx, req)
	if err != nil {
		return types.ScanResult{}, err
	}
	return classifyDeny(in.Primary.ExpectedCode(), in.Baseline.ExpectedCode(), resp.StatusCode), nil
}

// inject overwrites field in the query or in an object body, whichever
// already carries it. An unknown field is added to the query.
func inject(req *probe.Request, field, target string) {
	if _, ok := req.Query[field]; ok {
		req.Query[field] = target
		return
	}
	if body, ok := req.Body.(map[string]any); ok {
		if _, exists := body[field]; exists {
			body[field] = target
			return
		}
	}
	if req.Query == nil {
		req.Query = map[string]any{}
	}
	req.Query[field] = target
}
