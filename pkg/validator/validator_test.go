package validator

import (
	"testing"

	"conductor/pkg/proto"
)

func TestRejectsEstimateLanguage(t *testing.T) {
	v := New()
	scope := []proto.SuccessCriterion{{ID: "c1", Description: "test coverage", Required: true}}
	submitted := []proto.SuccessCriterion{{
		ID:       "c1",
		Required: true,
		Evidence: "approximately 90% coverage, should be fine",
	}}

	verdict := v.Validate(scope, submitted)
	if verdict.Accepted {
		t.Fatal("estimate-language evidence must be rejected")
	}
	if len(verdict.Rejections) != 1 || verdict.Rejections[0].CriterionID != "c1" {
		t.Errorf("rejections = %+v", verdict.Rejections)
	}
}

func TestAcceptsConcreteEvidence(t *testing.T) {
	v := New()
	scope := []proto.SuccessCriterion{{ID: "c1", Description: "all tests pass", Required: true}}
	submitted := []proto.SuccessCriterion{{
		ID:       "c1",
		Required: true,
		Evidence: "1229/1229 tests passed (see output.log)",
	}}

	verdict := v.Validate(scope, submitted)
	if !verdict.Accepted {
		t.Errorf("concrete evidence rejected: %+v", verdict.Rejections)
	}
}

func TestMissingCriterionRejected(t *testing.T) {
	v := New()
	scope := []proto.SuccessCriterion{
		{ID: "c1", Required: true},
		{ID: "c2", Required: true},
	}
	submitted := []proto.SuccessCriterion{{ID: "c1", Required: true, Evidence: "done, log attached"}}

	verdict := v.Validate(scope, submitted)
	if verdict.Accepted {
		t.Fatal("dropping a required criterion must fail validation")
	}
	if verdict.Rejections[0].CriterionID != "c2" {
		t.Errorf("rejections = %+v", verdict.Rejections)
	}
}

func TestOptionalCriteriaAreNotChecked(t *testing.T) {
	v := New()
	scope := []proto.SuccessCriterion{
		{ID: "c1", Required: true},
		{ID: "c2", Required: false},
	}
	submitted := []proto.SuccessCriterion{{ID: "c1", Required: true, Evidence: "42/42 checks green"}}

	verdict := v.Validate(scope, submitted)
	if !verdict.Accepted {
		t.Errorf("optional criterion absence should not reject: %+v", verdict.Rejections)
	}
}

func TestEmptyEvidenceRejected(t *testing.T) {
	v := New()
	scope := []proto.SuccessCriterion{{ID: "c1", Required: true}}
	submitted := []proto.SuccessCriterion{{ID: "c1", Required: true}}

	verdict := v.Validate(scope, submitted)
	if verdict.Accepted {
		t.Error("required criterion without evidence must be rejected")
	}
}

func TestExternalBlockerSatisfiesWithoutEvidence(t *testing.T) {
	v := New()
	scope := []proto.SuccessCriterion{{ID: "c1", Required: true}}
	submitted := []proto.SuccessCriterion{{
		ID:       "c1",
		Required: true,
		ExternalBlocker: &proto.ExternalBlocker{
			Description:  "upstream registry returns 500 on publish",
			Reproduction: "curl -X POST https://registry.example/api/publish returns HTTP 500",
		},
	}}

	verdict := v.Validate(scope, submitted)
	if !verdict.Accepted {
		t.Errorf("documented reproducible blocker should satisfy: %+v", verdict.Rejections)
	}
}

func TestUndocumentedBlockerRejected(t *testing.T) {
	v := New()
	scope := []proto.SuccessCriterion{{ID: "c1", Required: true}}
	submitted := []proto.SuccessCriterion{{
		ID:              "c1",
		Required:        true,
		ExternalBlocker: &proto.ExternalBlocker{Description: "registry down"},
	}}

	verdict := v.Validate(scope, submitted)
	if verdict.Accepted {
		t.Error("blocker without reproduction steps must be rejected")
	}
}

func TestCheckEvidence(t *testing.T) {
	tests := []struct {
		evidence string
		wantErr  bool
	}{
		{"1229/1229 tests passed (see output.log)", false},
		{"benchmark output attached, p99 4.2ms", false},
		{"approximately 90% coverage, should be fine", true},
		{"it will probably work in production", true},
		{"this appears to resolve the issue", true},
		{"expected to pass once deployed", true},
		{"", true},
	}
	for _, tt := range tests {
		err := CheckEvidence(tt.evidence)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckEvidence(%q) error = %v, wantErr %v", tt.evidence, err, tt.wantErr)
		}
	}
}

func TestRedFlagMatchesWholeWordsOnly(t *testing.T) {
	// "shoulder" contains "should" but is not estimate language.
	if err := CheckEvidence("fixed the shoulder surfing issue, 12/12 tests green"); err != nil {
		t.Errorf("substring must not trigger a red flag: %v", err)
	}
}
