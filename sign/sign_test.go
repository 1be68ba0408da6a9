package sign

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
)

func newTestEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity("Test User", "", "test@example.com", nil)
	if err != nil {
		t.Fatalf("openpgp.NewEntity: %v", err)
	}
	return entity
}

func writeArmoredKeyring(t *testing.T, dir string, entity *openpgp.Entity, private bool) string {
	t.Helper()
	path := filepath.Join(dir, "keyring.asc")
	var buf bytes.Buffer
	keyType := openpgp.PublicKeyType
	if private {
		keyType = openpgp.PrivateKeyType
	}
	w, err := armor.Encode(&buf, keyType, nil)
	if err != nil {
		t.Fatalf("armor.Encode: %v", err)
	}
	if private {
		if err := entity.SerializePrivate(w, nil); err != nil {
			t.Fatalf("SerializePrivate: %v", err)
		}
	} else {
		if err := entity.Serialize(w); err != nil {
			t.Fatalf("Serialize: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing armor writer: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing keyring: %v", err)
	}
	return path
}

func TestImportKeyringArmored(t *testing.T) {
	dir := t.TempDir()
	entity := newTestEntity(t)
	path := writeArmoredKeyring(t, dir, entity, false)

	keyring, err := ImportKeyring([]string{path})
	if err != nil {
		t.Fatalf("ImportKeyring: %v", err)
	}
	if len(keyring) != 1 {
		t.Fatalf("len(keyring) = %d, want 1", len(keyring))
	}
}

func TestImportKeyringMissingFile(t *testing.T) {
	_, err := ImportKeyring([]string{"/nonexistent/keyring.asc"})
	if err == nil {
		t.Fatal("ImportKeyring with missing file: want error, got nil")
	}
}

func TestVerifyFileUnsignedPassthrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.buildinfo")
	content := []byte("Source: hello\nVersion: 2.10-2\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing buildinfo: %v", err)
	}

	signer, plaintext, err := VerifyFile(nil, path)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if signer != nil {
		t.Fatalf("signer = %v, want nil for unsigned input", signer)
	}
	if !bytes.Equal(plaintext, content) {
		t.Fatalf("plaintext = %q, want %q", plaintext, content)
	}
}

func TestVerifyFileClearsignedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entity := newTestEntity(t)

	var signed bytes.Buffer
	w, err := clearsign.Encode(&signed, entity.PrivateKey, nil)
	if err != nil {
		t.Fatalf("clearsign.Encode: %v", err)
	}
	if _, err := w.Write([]byte("Source: hello\nVersion: 2.10-2\n")); err != nil {
		t.Fatalf("writing clearsigned body: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing clearsign writer: %v", err)
	}

	path := filepath.Join(dir, "hello.buildinfo")
	if err := os.WriteFile(path, signed.Bytes(), 0o644); err != nil {
		t.Fatalf("writing signed buildinfo: %v", err)
	}

	_, _, err = VerifyFile(openpgp.EntityList{entity}, path)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
}

func TestVerifyFileClearsignedWrongKeyring(t *testing.T) {
	dir := t.TempDir()
	signer := newTestEntity(t)
	other := newTestEntity(t)

	var signed bytes.Buffer
	w, err := clearsign.Encode(&signed, signer.PrivateKey, nil)
	if err != nil {
		t.Fatalf("clearsign.Encode: %v", err)
	}
	if _, err := w.Write([]byte("Source: hello\nVersion: 2.10-2\n")); err != nil {
		t.Fatalf("writing clearsigned body: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing clearsign writer: %v", err)
	}

	path := filepath.Join(dir, "hello.buildinfo")
	if err := os.WriteFile(path, signed.Bytes(), 0o644); err != nil {
		t.Fatalf("writing signed buildinfo: %v", err)
	}

	_, _, err = VerifyFile(openpgp.EntityList{other}, path)
	if err == nil {
		t.Fatal("VerifyFile with wrong keyring: want error, got nil")
	}
}

func TestSignDetachedNoPrivateKey(t *testing.T) {
	dir := t.TempDir()
	entity := newTestEntity(t)
	path := writeArmoredKeyring(t, dir, entity, false)
	keyring, err := ImportKeyring([]string{path})
	if err != nil {
		t.Fatalf("ImportKeyring: %v", err)
	}

	_, err = SignDetached(keyring, []byte("data"))
	if err == nil {
		t.Fatal("SignDetached with public-only keyring: want error, got nil")
	}
}

func TestSignDetachedProducesArmoredSignature(t *testing.T) {
	entity := newTestEntity(t)
	sig, err := SignDetached(openpgp.EntityList{entity}, []byte("data"))
	if err != nil {
		t.Fatalf("SignDetached: %v", err)
	}
	if !bytes.Contains(sig, []byte("BEGIN PGP SIGNATURE")) {
		t.Fatalf("sig does not look armored: %q", sig)
	}
}
