package reference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{
		"renewals":      2,
		"authorization": "LCB-001",
		"status":        "ACTIVE",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"authorization":"LCB-001","renewals":2,"status":"ACTIVE"}`, out)
}

func TestCanonicalizeNilField(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{
		"date_expiry_notified": nil,
		"renewals":             0,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"date_expiry_notified":null,"renewals":0}`, out)
}
