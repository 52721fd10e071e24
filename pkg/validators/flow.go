package validators

import (
	"context"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

// SensitiveBusinessFlow repeats the legitimate request Limit times, then sends
// one more that the application must refuse.
type SensitiveBusinessFlow struct {
	base
}

func (v *SensitiveBusinessFlow) CheckType() types.CheckType {
	return types.CheckSensitiveBusinessFlow
}

func (v *SensitiveBusinessFlow) Validate(ctx context.Context, in Input) (types.ScanResult, error) {
	doc := baselineOr(in, in.Primary)
	baselineCode := in.Baseline.ExpectedCode()
	limit := in.Primary.Limit
	deny := in.Primary.ExpectedCode()

	expectedSuccess := "2xx"
	if baselineCode != 0 {
		expectedSuccess = fmt.Sprint(baselineCode)
	}

	for i := 1; i <= limit; i++ {
		code, err := v.send(ctx, in, doc)
		if err != nil {
			return types.ScanResult{}, err
		}
		ok := is2xx(code)
		if baselineCode != 0 {
			ok = code == baselineCode
		}
		if !ok {
			return fail(types.SeverityHigh, fmt.Sprintf(
				"Request %d of %d was rejected before the limit: expected status code %s, got %d",
				i, limit, expectedSuccess, code,
			)), nil
		}
	}

	code, err := v.send(ctx, in, doc)
	if err != nil {
		return types.ScanResult{}, err
	}
	if code != deny {
		return fail(escalate(code, baselineCode), fmt.Sprintf(
			"Expected status code %d after %d requests, got %d", deny, limit, code,
		)), nil
	}
	return pass(fmt.Sprintf("Flow limited after %d requests", limit)), nil
}
