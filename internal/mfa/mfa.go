// Package mfa implements TOTP second-factor enrollment and verification
// for the admin account, fulfilling the teacher's own stated intent
// (cmd/server/main.go's "Implement TOTP/MFA validation using
// github.com/pquerna/otp" TODO). See SPEC_FULL §2 item 10 and §4.4
// `enroll-mfa`/`stop`.
package mfa

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"sync"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Enrollment holds a freshly generated TOTP secret and a data: URI PNG of
// its QR code, ready to hand to an operator during `enroll-mfa`.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
	QRCodeDataURI   string
}

// Manager tracks whether the admin account has enrolled MFA and verifies
// codes against its secret. One process-wide instance; guarded by its own
// mutex since it is consulted from session goroutines independent of the
// broker's state guard (spec.md §4.2 only covers nextGameId/posts/players).
type Manager struct {
	mu     sync.RWMutex
	secret string // empty means not enrolled
}

func New() *Manager { return &Manager{} }

// Enrolled reports whether the admin account has a TOTP secret on file.
func (m *Manager) Enrolled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.secret != ""
}

// Enroll generates a new secret for the admin account and renders its
// QR code as a data: URI PNG, per SPEC_FULL §4.4 `enroll-mfa`.
func (m *Manager) Enroll(issuer string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: "admin",
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: generating secret: %w", err)
	}

	dataURI, err := renderQR(key)
	if err != nil {
		return nil, fmt.Errorf("mfa: rendering QR code: %w", err)
	}

	m.mu.Lock()
	m.secret = key.Secret()
	m.mu.Unlock()

	return &Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCodeDataURI:   dataURI,
	}, nil
}

// Verify checks code against the enrolled secret. If MFA has not been
// enrolled, Verify always succeeds (there is nothing to check against;
// the caller is responsible for deciding whether enrollment is required).
func (m *Manager) Verify(code string) bool {
	m.mu.RLock()
	secret := m.secret
	m.mu.RUnlock()

	if secret == "" {
		return true
	}
	ok, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func renderQR(key *otp.Key) (string, error) {
	qrCode, err := qr.Encode(key.String(), qr.M, qr.Auto)
	if err != nil {
		return "", err
	}
	qrCode, err = barcode.Scale(qrCode, 256, 256)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qrCode); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
