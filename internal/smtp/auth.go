package smtp

import (
	"encoding/base64"
	"errors"

	"github.com/emersion/go-sasl"

	"github.com/teachmail/mailrelay/internal/userdb"
)

var errAuthFailed = errors.New("authentication failed")

// verifyPlainAuth decodes a base64 SASL PLAIN response and checks the
// credentials against the user table. It returns the authenticated
// username on success. The response must decode exactly; trailing
// garbage or a malformed triple fails authentication.
func verifyPlainAuth(users *userdb.DB, encoded string) (string, bool) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(decoded) == 0 {
		return "", false
	}

	var authUser string
	mech := sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errAuthFailed
		}
		if !users.Verify(username, password) {
			return errAuthFailed
		}
		authUser = username
		return nil
	})

	_, done, err := mech.Next(decoded)
	if err != nil || !done {
		return "", false
	}

	return authUser, true
}
