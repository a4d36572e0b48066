package secrets

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func newKeyPair(t *testing.T) (string, string) {
	t.Helper()
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return pub, priv
}

func TestGenerateKeyPair(t *testing.T) {
	pub, priv := newKeyPair(t)

	if !strings.HasPrefix(pub, "age1") {
		t.Errorf("public key prefix: %s", pub)
	}
	if !strings.HasPrefix(priv, "AGE-SECRET-KEY-1") {
		t.Errorf("private key prefix: %s", priv)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	pub, priv := newKeyPair(t)
	svc, err := NewService(Config{AgePublicKey: pub, AgePrivateKey: priv}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	sealed, err := svc.SealString("hunter2")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	if !strings.Contains(sealed, "BEGIN AGE ENCRYPTED FILE") {
		t.Errorf("sealed value not armored: %q", sealed)
	}
	if strings.Contains(sealed, "hunter2") {
		t.Error("plaintext visible in sealed value")
	}

	plain, err := svc.OpenString(sealed)
	if err != nil {
		t.Fatalf("OpenString: %v", err)
	}
	if plain != "hunter2" {
		t.Errorf("round trip = %q", plain)
	}
}

func TestSealWithoutPublicKey(t *testing.T) {
	_, priv := newKeyPair(t)
	svc, err := NewService(Config{AgePrivateKey: priv}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	if svc.CanSeal() {
		t.Error("CanSeal without a public key")
	}
	if !svc.CanOpen() {
		t.Error("CanOpen with a private key")
	}
	if _, err := svc.Seal([]byte("x")); !errors.Is(err, ErrNoPublicKey) {
		t.Errorf("Seal error = %v, want ErrNoPublicKey", err)
	}
}

func TestOpenWithoutPrivateKey(t *testing.T) {
	pub, _ := newKeyPair(t)
	svc, err := NewService(Config{AgePublicKey: pub}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	if !svc.CanSeal() {
		t.Error("CanSeal with a public key")
	}
	if svc.CanOpen() {
		t.Error("CanOpen without a private key")
	}

	sealed, err := svc.SealString("x")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	if _, err := svc.Open(sealed); !errors.Is(err, ErrNoPrivateKey) {
		t.Errorf("Open error = %v, want ErrNoPrivateKey", err)
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	pub, _ := newKeyPair(t)
	_, otherPriv := newKeyPair(t)

	sealer, err := NewService(Config{AgePublicKey: pub}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	opener, err := NewService(Config{AgePrivateKey: otherPriv}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	sealed, err := sealer.SealString("hunter2")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	if _, err := opener.Open(sealed); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("Open with wrong key = %v, want ErrOpenFailed", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	if _, err := NewService(Config{AgePublicKey: "not-a-key"}, nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("bad public key = %v, want ErrInvalidKey", err)
	}
	if _, err := NewService(Config{AgePrivateKey: "not-a-key"}, nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("bad private key = %v, want ErrInvalidKey", err)
	}
}

func TestPublicKey(t *testing.T) {
	pub, _ := newKeyPair(t)
	svc, err := NewService(Config{AgePublicKey: pub}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.PublicKey() != pub {
		t.Errorf("PublicKey = %s, want %s", svc.PublicKey(), pub)
	}

	empty, _ := NewService(Config{}, nil)
	if empty.PublicKey() != "" {
		t.Errorf("PublicKey without key = %s", empty.PublicKey())
	}
}

func TestRoundTripProperties(t *testing.T) {
	pub, priv := newKeyPair(t)
	svc, err := NewService(Config{AgePublicKey: pub, AgePrivateKey: priv}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("seal then open returns the plaintext", prop.ForAll(
		func(plaintext string) bool {
			sealed, err := svc.SealString(plaintext)
			if err != nil {
				return false
			}
			opened, err := svc.OpenString(sealed)
			return err == nil && opened == plaintext
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
