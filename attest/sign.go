package attest

import (
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/in-toto/in-toto-golang/in_toto"

	"github.com/Debian/debrebuild/sign"
)

// WriteSignedStatement serializes stmt and, when keyring holds a usable
// private key, writes an accompanying detached-signature file alongside it.
// The same OpenPGP keyring model serves both the optional input
// verification step (keys from --gpg-verify-key) and this outgoing
// signature (the keyring named by --gpg-sign-keyid).
func WriteSignedStatement(stmt *in_toto.ProvenanceStatementSLSA1, dir, name string, keyring openpgp.EntityList) (statementPath, sigPath string, err error) {
	statementPath, err = WriteStatement(stmt, dir, name)
	if err != nil {
		return "", "", err
	}
	if len(keyring) == 0 {
		return statementPath, "", nil
	}

	// Sign the statement file's exact bytes so the detached signature
	// verifies against what is on disk.
	data, err := os.ReadFile(statementPath)
	if err != nil {
		return "", "", fmt.Errorf("attest: rereading statement for signing: %w", err)
	}
	sigBytes, err := sign.SignDetached(keyring, data)
	if err != nil {
		return "", "", fmt.Errorf("attest: signing statement: %w", err)
	}
	sigPath = statementPath + ".asc"
	if err := os.WriteFile(sigPath, sigBytes, 0o644); err != nil {
		return "", "", fmt.Errorf("attest: writing signature: %w", err)
	}
	return statementPath, sigPath, nil
}
