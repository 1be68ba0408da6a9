// Package sign implements the optional signature-verification backend for
// an input .buildinfo and signs outgoing attestation statements.
package sign

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
)

var (
	// ErrKeyImportFailed covers any failure reading a keyring file.
	ErrKeyImportFailed = errors.New("sign: key import failed")
	// ErrVerificationFailed covers a signature that does not verify
	// against the imported keyring.
	ErrVerificationFailed = errors.New("sign: verification failed")
)

// ImportKeyring reads and concatenates armored or binary OpenPGP keyring
// files into a single EntityList.
func ImportKeyring(paths []string) (openpgp.EntityList, error) {
	var all openpgp.EntityList
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrKeyImportFailed, path, err)
		}
		entities, err := readKeyring(data)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrKeyImportFailed, path, err)
		}
		all = append(all, entities...)
	}
	return all, nil
}

func readKeyring(data []byte) (openpgp.EntityList, error) {
	if entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data)); err == nil {
		return entities, nil
	}
	return openpgp.ReadKeyRing(bytes.NewReader(data))
}

// VerifyFile verifies a (possibly inline clearsigned) .buildinfo file's
// signature against keyring, returning the verified signer and the
// de-clearsigned plaintext. Non-signed input is passed through unchanged.
func VerifyFile(keyring openpgp.EntityList, path string) (*openpgp.Entity, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading %s: %v", ErrVerificationFailed, path, err)
	}

	block, _ := clearsign.Decode(raw)
	if block == nil {
		// Not inline-signed; nothing to verify.
		return nil, raw, nil
	}

	signer, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return signer, block.Plaintext, nil
}

// SignDetached produces an armored detached signature over data using the
// first private key found in keyring. The attest package uses it to sign
// outgoing in-toto statements when --gpg-sign-keyid is set.
func SignDetached(keyring openpgp.EntityList, data []byte) ([]byte, error) {
	var signer *openpgp.Entity
	for _, e := range keyring {
		if e.PrivateKey != nil {
			signer = e
			break
		}
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: no private key available for signing", ErrKeyImportFailed)
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.SignatureType, nil)
	if err != nil {
		return nil, err
	}
	if err := openpgp.DetachSign(w, signer, bytes.NewReader(data), nil); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
