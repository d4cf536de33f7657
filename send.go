package kestrel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	kestrelio "github.com/synqronlabs/kestrel/io"
	"github.com/synqronlabs/kestrel/utils"
)

// SendResult contains the result of a mail transaction.
type SendResult struct {
	// Response is the server's reply to the end of the body.
	Response *Response

	// MessageID is the queue identifier found in Response, if any.
	MessageID string

	// Recipients holds one entry per envelope recipient, in envelope order.
	Recipients []RecipientResult
}

// RecipientResult contains the result for a single recipient.
type RecipientResult struct {
	Address  Address
	Accepted bool
	// Response is the server's reply to RCPT TO.
	Response *Response
	// Err is set when the recipient was rejected.
	Err error
}

// AcceptedRecipients returns the recipients the server accepted.
func (r *SendResult) AcceptedRecipients() []Address {
	var out []Address
	for _, rr := range r.Recipients {
		if rr.Accepted {
			out = append(out, rr.Address)
		}
	}
	return out
}

// RejectedRecipients returns the results of the recipients the server
// refused.
func (r *SendResult) RejectedRecipients() []RecipientResult {
	var out []RecipientResult
	for _, rr := range r.Recipients {
		if !rr.Accepted {
			out = append(out, rr)
		}
	}
	return out
}

// SendOptions provides options for sending mail.
type SendOptions struct {
	// Size is the body length in octets, announced with SIZE when the server
	// supports it and checked against the server's limit. Negative means
	// unknown.
	Size int64

	// EightBit marks a body containing non-ASCII octets; BODY=8BITMIME is
	// then requested when the server supports it.
	EightBit bool

	// Submitter, when set, is sent as the AUTH= parameter of MAIL FROM on an
	// authenticated connection (RFC 4954 section 5).
	Submitter *Address

	// RequireAllRecipients fails the transaction if any recipient is rejected.
	RequireAllRecipients bool
}

// Send transmits body to the envelope recipients. The body is the complete
// message (headers and content) with CRLF line endings.
func (c *Connection) Send(ctx context.Context, env Envelope, body []byte) (*SendResult, error) {
	return c.SendWithOptions(ctx, env, bytes.NewReader(body), SendOptions{
		Size:     int64(len(body)),
		EightBit: utils.ContainsNonASCIIBytes(body),
	})
}

// SendWithOptions streams body to the envelope recipients. On failure after
// MAIL FROM the connection is reset with RSET when the socket is still
// usable, or aborted when it is not.
func (c *Connection) SendWithOptions(ctx context.Context, env Envelope, body io.Reader, opts SendOptions) (*SendResult, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}
	if len(env.To) == 0 {
		return nil, ErrNoRecipients
	}
	if c.HasBroken() {
		return nil, clientError("connection is not usable", nil)
	}

	release := c.stream.bind(ctx)
	defer release()

	result, err := c.transaction(env, body, opts)
	if err != nil {
		c.recover()
		return result, err
	}

	c.logger.Info("message accepted",
		slog.String("message_id", result.MessageID),
		slog.Int("recipients", len(result.AcceptedRecipients())),
		slog.Int64("size", opts.Size),
	)
	return result, nil
}

// recover returns the connection to a usable state after a failed
// transaction, or aborts it.
func (c *Connection) recover() {
	switch c.health {
	case BrokenResponse:
		if err := c.reset(); err != nil {
			c.logger.Debug("RSET after failed transaction failed", slog.Any("error", err))
			if c.health == BrokenConnection {
				c.Abort()
			}
		}
	case BrokenConnection:
		c.Abort()
	}
}

func (c *Connection) mailParameters(env Envelope, opts SendOptions) ([]MailParameter, error) {
	var params []MailParameter

	if opts.EightBit && c.info.Supports(EightBitMIME) {
		params = append(params, ParamBody8BitMIME)
	}
	if env.HasNonASCIIAddresses() && c.info.Supports(SMTPUTF8) {
		params = append(params, ParamSMTPUTF8)
	}
	if limit, ok := c.info.MaxSize(); ok && opts.Size >= 0 {
		if limit > 0 && opts.Size > limit {
			return nil, &Error{
				Kind: KindClient,
				Msg:  ErrMessageTooLarge.Msg,
				Err:  fmt.Errorf("%d octets exceeds the server limit of %d", opts.Size, limit),
			}
		}
		params = append(params, ParamSize(opts.Size))
	}
	if opts.Submitter != nil && c.authenticated && c.info.Supports(Auth) {
		params = append(params, ParamAuth(opts.Submitter))
	}
	return params, nil
}

func (c *Connection) transaction(env Envelope, body io.Reader, opts SendOptions) (*SendResult, error) {
	params, err := c.mailParameters(env, opts)
	if err != nil {
		return nil, err
	}

	if _, err := c.command(MailCommand(env.From, params...), CodeOK); err != nil {
		return nil, err
	}
	c.session = StateMailSent

	result := &SendResult{Recipients: make([]RecipientResult, 0, len(env.To))}
	var (
		accepted      int
		lastFailure   error
		lastPermanent error
	)
	for _, to := range env.To {
		resp, err := c.roundTrip(RcptCommand(to))
		if err != nil {
			return result, err
		}

		rr := RecipientResult{Address: to, Response: resp}
		if resp.Is(CodeOK, CodeUserNotLocalWillForward) {
			rr.Accepted = true
			accepted++
		} else {
			rr.Err = replyError(resp)
			lastFailure = rr.Err
			if resp.Code.Severity == PermanentNegative {
				lastPermanent = rr.Err
			}
			c.logger.Warn("recipient rejected",
				slog.String("recipient", to.String()),
				slog.String("code", resp.Code.String()),
				slog.String("reply", resp.Message()),
			)
		}
		result.Recipients = append(result.Recipients, rr)

		if !rr.Accepted && opts.RequireAllRecipients {
			c.health = BrokenResponse
			return result, rr.Err
		}
	}

	if accepted == 0 {
		c.health = BrokenResponse
		if lastPermanent != nil {
			return result, lastPermanent
		}
		return result, lastFailure
	}
	c.session = StateRecipientSent

	if _, err := c.command(CmdData, CodeStartMailInput); err != nil {
		return result, err
	}
	c.session = StateDataSent

	if err := c.writeBody(body); err != nil {
		return result, err
	}

	resp, err := c.readReply()
	if err != nil {
		return result, err
	}
	if !resp.Is(CodeOK) {
		c.health = BrokenResponse
		return result, replyError(resp)
	}
	c.session = StateBodySent

	result.Response = resp
	result.MessageID = resp.MessageID()
	c.session = StateHelloSent
	return result, nil
}

// errRecorder remembers the first write error so a failing body reader can
// be told apart from a failing socket.
type errRecorder struct {
	w   io.Writer
	err error
}

func (e *errRecorder) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil && e.err == nil {
		e.err = err
	}
	return n, err
}

// writeBody streams body through the dot-stuffing encoder. Any failure
// leaves the server inside DATA, so the connection is broken.
func (c *Connection) writeBody(body io.Reader) error {
	c.health = Writing
	sink := &errRecorder{w: c.stream}
	dw := kestrelio.NewDotWriter(sink)

	if _, err := io.Copy(dw, body); err != nil {
		c.health = BrokenConnection
		if sink.err != nil {
			return networkError("writing body", sink.err)
		}
		return clientError("reading body", err)
	}
	if err := dw.Close(); err != nil {
		c.health = BrokenConnection
		return networkError("writing body", err)
	}
	if err := c.stream.Flush(); err != nil {
		c.health = BrokenConnection
		return networkError("writing body", err)
	}
	return nil
}
