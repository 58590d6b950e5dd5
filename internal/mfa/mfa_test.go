package mfa

import (
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

func TestVerifyBeforeEnrollmentAlwaysSucceeds(t *testing.T) {
	m := New()
	if m.Enrolled() {
		t.Fatal("fresh manager should not be enrolled")
	}
	if !m.Verify("anything") {
		t.Error("Verify should succeed when nothing is enrolled yet")
	}
}

func TestEnrollThenVerify(t *testing.T) {
	m := New()
	enrollment, err := m.Enroll("imcsd-test")
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if !m.Enrolled() {
		t.Fatal("Enrolled() should be true after Enroll")
	}
	if enrollment.QRCodeDataURI == "" {
		t.Error("expected a non-empty QR code data URI")
	}

	code, err := totp.GenerateCodeCustom(enrollment.Secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("generating a code to verify against: %v", err)
	}

	if !m.Verify(code) {
		t.Error("Verify rejected a correctly generated code")
	}
	if m.Verify("000000") && code != "000000" {
		// Not deterministically wrong, but extremely unlikely to collide;
		// a real failure here would mean Verify accepts anything.
		t.Error("Verify accepted an arbitrary code")
	}
}
