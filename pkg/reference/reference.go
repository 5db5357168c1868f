// Package reference implements the opaque record references used to
// protect concurrent edits. A reference binds an internal numeric id to
// a hash of the record content at read time: the id travels encrypted,
// the hash travels as an HMAC signature, and a mutation presenting the
// reference only proceeds when the signature still matches the stored
// record. There is no persisted version column; the content hash is the
// version.
package reference

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

const saltBytes = 16

var (
	saltPattern  = regexp.MustCompile(`^[0-9a-f]{32}$`)
	ephIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+-[0-9a-f]{64}$`)
)

// Ref is the externally visible reference handed to clients on every
// read. Clients echo it back unchanged on the next mutation. References
// are one-time-use values minted per read; nothing is stored server-side.
type Ref struct {
	Salt  string `json:"salt" binding:"required"`
	EphID string `json:"eph_id" binding:"required"`
}

// Signer mints and verifies opaque references. Both keys come from
// configuration; rotating either invalidates all outstanding references.
type Signer struct {
	aead   cipher.AEAD
	macKey []byte
}

// NewSigner derives the AES-256-GCM encryption key and the HMAC key
// from the configured secrets.
func NewSigner(encryptionSecret, signingSecret string) (*Signer, error) {
	if encryptionSecret == "" || signingSecret == "" {
		return nil, fmt.Errorf("reference signer requires both secrets")
	}
	encKey := sha256.Sum256([]byte(encryptionSecret))
	block, err := aes.NewCipher(encKey[:])
	if err != nil {
		return nil, fmt.Errorf("init reference cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init reference gcm: %w", err)
	}
	macKey := sha256.Sum256([]byte(signingSecret))
	return &Signer{aead: aead, macKey: macKey[:]}, nil
}

// Sign mints a fresh reference for the record identified by internalID
// whose canonical serialization is canonical. Each call uses a new
// random salt and nonce, so two reads of the same record produce
// distinct references that both verify.
func (s *Signer) Sign(internalID int64, canonical string) (Ref, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return Ref{}, fmt.Errorf("generate reference salt: %w", err)
	}
	saltHex := hex.EncodeToString(salt)

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Ref{}, fmt.Errorf("generate reference nonce: %w", err)
	}

	plaintext := []byte(saltHex + ":" + strconv.FormatInt(internalID, 10))
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)

	ephID := base64.RawURLEncoding.EncodeToString(sealed) + "-" + s.Signature(canonical)
	return Ref{Salt: saltHex, EphID: ephID}, nil
}

// Signature computes the hex HMAC-SHA256 of the canonical serialization.
func (s *Signer) Signature(canonical string) string {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Decode validates the reference format, decrypts the embedded id and
// returns it together with the embedded content signature. Format
// violations and decryption failures both come back as ErrDecode; no
// storage access happens here.
func (s *Signer) Decode(ref Ref) (int64, string, error) {
	if !saltPattern.MatchString(ref.Salt) {
		return 0, "", appErrors.Clone(appErrors.ErrDecode, "malformed reference salt")
	}
	if !ephIDPattern.MatchString(ref.EphID) {
		return 0, "", appErrors.Clone(appErrors.ErrDecode, "malformed reference identifier")
	}

	cut := strings.LastIndex(ref.EphID, "-")
	encoded, signature := ref.EphID[:cut], ref.EphID[cut+1:]

	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return 0, "", appErrors.Wrap(err, appErrors.ErrDecode.Code, appErrors.ErrDecode.Status, "undecodable reference")
	}
	if len(sealed) <= s.aead.NonceSize() {
		return 0, "", appErrors.Clone(appErrors.ErrDecode, "truncated reference")
	}

	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return 0, "", appErrors.Clone(appErrors.ErrDecode, "reference failed decryption")
	}

	salt, rawID, found := strings.Cut(string(plaintext), ":")
	if !found || salt != ref.Salt {
		return 0, "", appErrors.Clone(appErrors.ErrDecode, "reference salt mismatch")
	}
	internalID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || internalID <= 0 {
		return 0, "", appErrors.Clone(appErrors.ErrDecode, "reference carries no valid id")
	}

	return internalID, signature, nil
}

// Matches reports whether the embedded signature still matches the
// current canonical serialization. A false result means the record
// changed between the read that minted the reference and now.
func (s *Signer) Matches(canonical, signature string) bool {
	expected := s.Signature(canonical)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Verify decodes the reference and checks its signature against the
// canonical serialization returned by lookup for the embedded id. The
// lookup runs between decode and check so the comparison always uses
// the record's current content.
func (s *Signer) Verify(ref Ref, lookup func(internalID int64) (string, error)) (int64, error) {
	internalID, signature, err := s.Decode(ref)
	if err != nil {
		return 0, err
	}
	canonical, err := lookup(internalID)
	if err != nil {
		return 0, err
	}
	if !s.Matches(canonical, signature) {
		return 0, appErrors.Clone(appErrors.ErrStaleReference, "")
	}
	return internalID, nil
}
