package kestrel

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/synqronlabs/kestrel/sasl"
)

// authenticate runs the AUTH exchange (RFC 4954) with the first preferred
// mechanism the server advertises.
func (c *Connection) authenticate(creds sasl.Credentials, preferred []sasl.Mechanism) error {
	mech, err := sasl.Negotiate(preferred, c.info.AuthMechanisms())
	if err != nil {
		return ErrNoMechanism
	}

	client := mech.Client(creds)
	name, ir, err := client.Start()
	if err != nil {
		return clientError("starting "+mech.String(), err)
	}
	if !mech.SupportsInitialResponse() {
		ir = nil
	}

	c.session = StateAuthSent
	resp, err := c.roundTrip(AuthCommand(name, ir))
	for {
		if err != nil {
			return err
		}

		switch {
		case resp.Is(CodeAuthSuccess):
			c.authenticated = true
			c.session = StateHelloSent
			c.logger.Info("authenticated",
				slog.String("mechanism", mech.String()),
				slog.Any("credentials", creds),
			)
			return nil

		case resp.Is(CodeAuthContinue):
			challenge, decErr := base64.StdEncoding.DecodeString(resp.Message())
			if decErr != nil {
				return c.cancelAuth(mech, errors.New("challenge is not valid base64"))
			}
			next, nextErr := client.Next(challenge)
			if nextErr != nil {
				return c.cancelAuth(mech, nextErr)
			}
			resp, err = c.roundTrip(AuthResponseCommand(next))

		default:
			c.health = BrokenResponse
			c.session = StateHelloSent
			rerr := replyError(resp)
			if r, ok := client.(sasl.ServerErrorReporter); ok && len(r.ServerError()) > 0 {
				rerr.Err = fmt.Errorf("%s: %s", mech, r.ServerError())
			}
			return rerr
		}
	}
}

// cancelAuth aborts an exchange the mechanism cannot continue by sending
// "*" and reading the server's reply.
func (c *Connection) cancelAuth(mech sasl.Mechanism, cause error) error {
	if _, err := c.roundTrip(AuthCancelCommand); err != nil {
		return err
	}
	c.session = StateHelloSent
	return clientError(mech.String()+" authentication refused challenge", cause)
}
