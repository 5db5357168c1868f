package reference

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

func newTestSigner(t *testing.T) *Signer {
	signer, err := NewSigner("test_encryption_secret", "test_signing_secret")
	require.NoError(t, err)
	return signer
}

func TestSignerRequiresSecrets(t *testing.T) {
	_, err := NewSigner("", "signing")
	assert.Error(t, err)
	_, err = NewSigner("encryption", "")
	assert.Error(t, err)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	canonical := `{"authorization":"LCB-001","renewals":0}`

	ref, err := signer.Sign(42, canonical)
	require.NoError(t, err)
	assert.Len(t, ref.Salt, 32)
	assert.Contains(t, ref.EphID, "-")

	id, err := signer.Verify(ref, func(internalID int64) (string, error) {
		assert.Equal(t, int64(42), internalID)
		return canonical, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestTwoReadsMintDistinctValidReferences(t *testing.T) {
	signer := newTestSigner(t)
	canonical := `{"authorization":"LCB-001"}`

	first, err := signer.Sign(7, canonical)
	require.NoError(t, err)
	second, err := signer.Sign(7, canonical)
	require.NoError(t, err)

	assert.NotEqual(t, first.Salt, second.Salt)
	assert.NotEqual(t, first.EphID, second.EphID)

	lookup := func(int64) (string, error) { return canonical, nil }
	_, err = signer.Verify(first, lookup)
	assert.NoError(t, err)
	_, err = signer.Verify(second, lookup)
	assert.NoError(t, err)
}

func TestVerifyRejectsChangedRecord(t *testing.T) {
	signer := newTestSigner(t)

	ref, err := signer.Sign(9, `{"renewals":0}`)
	require.NoError(t, err)

	_, err = signer.Verify(ref, func(int64) (string, error) {
		return `{"renewals":1}`, nil
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrStaleReference.Code, appErr.Code)
	assert.Equal(t, 412, appErr.Status)
}

func TestDecodeRejectsMalformedSalt(t *testing.T) {
	signer := newTestSigner(t)
	ref, err := signer.Sign(3, "{}")
	require.NoError(t, err)

	for _, salt := range []string{"", "xyz", strings.ToUpper(ref.Salt), ref.Salt + "00"} {
		_, _, err := signer.Decode(Ref{Salt: salt, EphID: ref.EphID})
		require.Error(t, err)
		assert.Equal(t, appErrors.ErrDecode.Code, appErrors.FromError(err).Code)
	}
}

func TestDecodeRejectsMalformedEphID(t *testing.T) {
	signer := newTestSigner(t)
	ref, err := signer.Sign(3, "{}")
	require.NoError(t, err)

	for _, ephID := range []string{"", "no-signature-part", ref.EphID + "!", "only*bad*chars-" + strings.Repeat("0", 64)} {
		_, _, err := signer.Decode(Ref{Salt: ref.Salt, EphID: ephID})
		require.Error(t, err)
		assert.Equal(t, appErrors.ErrDecode.Code, appErrors.FromError(err).Code)
	}
}

func TestDecodeRejectsTamperedCiphertext(t *testing.T) {
	signer := newTestSigner(t)
	ref, err := signer.Sign(11, "{}")
	require.NoError(t, err)

	cut := strings.LastIndex(ref.EphID, "-")
	encoded, signature := ref.EphID[:cut], ref.EphID[cut+1:]
	flipped := "A" + encoded[1:]
	if flipped == encoded {
		flipped = "B" + encoded[1:]
	}

	_, _, err = signer.Decode(Ref{Salt: ref.Salt, EphID: flipped + "-" + signature})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrDecode.Code, appErrors.FromError(err).Code)
}

func TestDecodeRejectsSaltSwap(t *testing.T) {
	signer := newTestSigner(t)
	first, err := signer.Sign(5, "{}")
	require.NoError(t, err)
	second, err := signer.Sign(5, "{}")
	require.NoError(t, err)

	// Pairing one reference's salt with another's eph_id must fail even
	// though both parts are individually well formed.
	_, _, err = signer.Decode(Ref{Salt: second.Salt, EphID: first.EphID})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrDecode.Code, appErrors.FromError(err).Code)
}

func TestSignatureIsDeterministic(t *testing.T) {
	signer := newTestSigner(t)
	assert.Equal(t, signer.Signature("abc"), signer.Signature("abc"))
	assert.NotEqual(t, signer.Signature("abc"), signer.Signature("abd"))
	assert.True(t, signer.Matches("abc", signer.Signature("abc")))
	assert.False(t, signer.Matches("abc", signer.Signature("abd")))
}
