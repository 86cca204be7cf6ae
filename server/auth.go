package server

import (
	"github.com/maxpert/amqp-engine/auth"
	amqperrors "github.com/maxpert/amqp-engine/errors"
	"go.uber.org/zap"
)

// Mechanisms returns the SASL mechanism names offered to clients
func (s *Server) Mechanisms() []string {
	return s.mechanisms.List()
}

// Authenticate checks a SASL response and returns the security token for
// the new connection. With authentication disabled every client gets a
// token that allows everything.
func (s *Server) Authenticate(mechanism string, response []byte) (auth.SecurityToken, error) {
	if !s.config.Security.AuthenticationEnabled || s.authenticator == nil {
		return auth.AllowAll, nil
	}
	mech, err := s.mechanisms.Get(mechanism)
	if err != nil {
		return nil, amqperrors.NewAuthenticationFailed("", err.Error())
	}
	token, err := mech.Authenticate(response, s.authenticator)
	if err != nil {
		s.logger.Warn("Authentication failed",
			zap.String("mechanism", mechanism),
			zap.Error(err))
		return nil, amqperrors.NewAuthenticationFailed("", err.Error())
	}
	return token, nil
}
