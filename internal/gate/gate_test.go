package gate

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

func mapGetter(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func TestBindRejectsMissingCapabilityGenerically(t *testing.T) {
	endpoint := Endpoint{
		Capability: models.CapCronRun,
		Required:   map[string]Rule{"days": Numeric()},
	}
	actor := models.Identity{Capabilities: models.NewCapabilitySet(models.CapExpiryFeedRead)}

	// The parameters are invalid too, but an unauthorized caller must
	// see only the generic message, never validation detail.
	_, err := endpoint.Bind(actor, mapGetter(map[string]string{"days": "not-a-number"}))
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErr.Code)
	assert.Equal(t, appErrors.ErrUnauthorized.Message, appErr.Message)
}

func TestBindAggregatesAllParameterProblems(t *testing.T) {
	endpoint := Endpoint{
		Required: map[string]Rule{
			"days": Numeric(),
			"from": Temporal(),
		},
		Optional: map[string]Rule{
			"format": Pattern(regexp.MustCompile(`^(json|csv)$`)),
		},
	}

	_, err := endpoint.Bind(models.Identity{}, mapGetter(map[string]string{
		"days":   "many",
		"format": "xml",
	}))
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Contains(t, appErr.Message, "days:")
	assert.Contains(t, appErr.Message, "from: required")
	assert.Contains(t, appErr.Message, "format:")
	assert.Equal(t, 3, strings.Count(appErr.Message, ";")+1)
}

func TestBindReturnsValidatedParams(t *testing.T) {
	endpoint := Endpoint{
		Capability: models.CapExpiryFeedRead,
		Optional: map[string]Rule{
			"days": Numeric(),
		},
	}
	actor := models.Identity{Capabilities: models.NewCapabilitySet(models.CapExpiryFeedRead)}

	params, err := endpoint.Bind(actor, mapGetter(map[string]string{"days": "45"}))
	require.NoError(t, err)
	assert.Equal(t, 45, params.Int("days", 30))

	params, err = endpoint.Bind(actor, mapGetter(map[string]string{}))
	require.NoError(t, err)
	assert.Equal(t, 30, params.Int("days", 30))
}

func TestRuleDispatch(t *testing.T) {
	cases := []struct {
		name  string
		rule  Rule
		value string
		ok    bool
	}{
		{"pattern match", Pattern(regexp.MustCompile(`^[0-9a-f]{4}$`)), "0abc", true},
		{"pattern mismatch", Pattern(regexp.MustCompile(`^[0-9a-f]{4}$`)), "0ABC", false},
		{"numeric", Numeric(), "-12", true},
		{"numeric fail", Numeric(), "1.5", false},
		{"count", Count(), "30", true},
		{"count zero", Count(), "0", true},
		{"count negative", Count(), "-5", false},
		{"count fail", Count(), "many", false},
		{"temporal rfc3339", Temporal(), "2026-08-31T10:00:00Z", true},
		{"temporal date", Temporal(), "2026-08-31", true},
		{"temporal fail", Temporal(), "31/08/2026", false},
		{"custom", Custom(func(v string) error {
			if v != "ok" {
				return fmt.Errorf("bad")
			}
			return nil
		}), "ok", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Apply(tc.value)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParamsDate(t *testing.T) {
	params := Params{"from": "2026-01-15"}
	ts, ok := params.Date("from")
	require.True(t, ok)
	assert.Equal(t, 2026, ts.Year())

	_, ok = params.Date("missing")
	assert.False(t, ok)
}
