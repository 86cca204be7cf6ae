package auth

import (
	"bytes"
	"errors"

	amqperrors "github.com/maxpert/amqp-engine/errors"
)

var (
	errNoAuthenticator   = errors.New("no authenticator configured")
	errMalformedPlain    = errors.New("malformed PLAIN response: want [authzid] NUL authcid NUL passwd")
	errMissingCredential = errors.New("PLAIN response carries an empty username or password")
)

// PlainMechanism is SASL PLAIN (RFC 4616). The authorization identity is
// ignored; the authentication identity becomes the principal.
type PlainMechanism struct{}

func (*PlainMechanism) Name() string { return "PLAIN" }

func (*PlainMechanism) Authenticate(response []byte, authenticator Authenticator) (SecurityToken, error) {
	if authenticator == nil {
		return nil, errNoAuthenticator
	}
	username, password, err := splitPlain(response)
	if err != nil {
		return nil, err
	}
	principal, err := authenticator.Authenticate(username, password)
	if err != nil {
		return nil, amqperrors.NewAuthenticationFailed(username, err.Error())
	}
	return principal, nil
}

func splitPlain(response []byte) (string, string, error) {
	_, rest, ok := bytes.Cut(response, []byte{0})
	if !ok {
		return "", "", errMalformedPlain
	}
	user, pass, ok := bytes.Cut(rest, []byte{0})
	if !ok || bytes.IndexByte(pass, 0) >= 0 {
		return "", "", errMalformedPlain
	}
	if len(user) == 0 || len(pass) == 0 {
		return "", "", errMissingCredential
	}
	return string(user), string(pass), nil
}

// AnonymousMechanism is SASL ANONYMOUS. Every client gets AllowAll, so the
// registry only offers it while authentication is disabled.
type AnonymousMechanism struct{}

func (*AnonymousMechanism) Name() string { return "ANONYMOUS" }

func (*AnonymousMechanism) Authenticate([]byte, Authenticator) (SecurityToken, error) {
	return AllowAll, nil
}
