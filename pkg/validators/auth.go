package validators

import (
	"context"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/scout/pkg/template"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
	"github.com/brianvoe/gofakeit/v7"
)

// SuccessFlow sends the legitimate request and expects the configured code.
// Its document is the baseline the other checks escalate against.
type SuccessFlow struct {
	base
}

func (v *SuccessFlow) CheckType() types.CheckType { return types.CheckSuccessFlow }

func (v *SuccessFlow) Validate(ctx context.Context, in Input) (types.ScanResult, error) {
	code, err := v.send(ctx, in, in.Primary)
	if err != nil {
		return types.ScanResult{}, err
	}

	expected := in.Primary.ExpectedCode()
	if code != expected {
		return fail(types.SeverityHigh, mismatch(expected, code)), nil
	}
	return pass(successMessage), nil
}

// DenyCheck covers the single-request authorization checks (object level,
// object property level and function level). The document describes a
// request that must be refused with the configured code.
type DenyCheck struct {
	base
	checkType types.CheckType
}

func (v *DenyCheck) CheckType() types.CheckType { return v.checkType }

func (v *DenyCheck) Validate(ctx context.Context, in Input) (types.ScanResult, error) {
	code, err := v.send(ctx, in, in.Primary)
	if err != nil {
		return types.ScanResult{}, err
	}
	return classifyDeny(in.Primary.ExpectedCode(), in.Baseline.ExpectedCode(), code), nil
}

func classifyDeny(expected, baselineCode, got int) types.ScanResult {
	if got == expected {
		return pass(successMessage)
	}
	return fail(escalate(got, baselineCode), mismatch(expected, got))
}

// BrokenAuthentication replays the request twice: once with every token
// blanked and once with every token replaced by random garbage. Both must be
// refused.
type BrokenAuthentication struct {
	base
}

func (v *BrokenAuthentication) CheckType() types.CheckType { return types.CheckBrokenAuthentication }

type authPhase struct {
	name   string
	mutate func(string) string
}

var authPhases = []authPhase{
	{name: "blank tokens", mutate: func(string) string { return "" }},
	{name: "random tokens", mutate: func(string) string { return gofakeit.LetterN(40) }},
}

func (v *BrokenAuthentication) Validate(ctx context.Context, in Input) (types.ScanResult, error) {
	expected := in.Primary.ExpectedCode()

	for _, phase := range authPhases {
		tokens, users := template.MapTokens(in.Fixtures.Tokens, in.Fixtures.Users, phase.mutate)
		engine := template.New(v.secret, tokens, users)

		resp, err := v.prober.Do(ctx, v.requestWith(in.Target, in.Primary, engine))
		if err != nil {
			return types.ScanResult{}, err
		}
		if resp.StatusCode != expected {
			return fail(
				escalate(resp.StatusCode, in.Baseline.ExpectedCode()),
				fmt.Sprintf("Expected status code %d with %s, got %d", expected, phase.name, resp.StatusCode),
			), nil
		}
	}
	return pass("Authentication rejected blank and random tokens"), nil
}
