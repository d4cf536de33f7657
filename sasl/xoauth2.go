package sasl

// xoauth2Client implements Google's XOAUTH2 mechanism. The whole exchange is
// the initial response; a challenge carries a JSON error description, which
// is acknowledged with an empty response so the server sends its final reply.
type xoauth2Client struct {
	user  string
	token string
	// serverError holds the last error description sent by the server.
	serverError []byte
}

func (x *xoauth2Client) Start() (string, []byte, error) {
	ir := "user=" + x.user + "\x01auth=Bearer " + x.token + "\x01\x01"
	return XOAuth2.String(), []byte(ir), nil
}

func (x *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	x.serverError = append(x.serverError[:0], challenge...)
	return []byte{}, nil
}

// ServerError returns the error description from the last challenge, or
// nil when the server sent none.
func (x *xoauth2Client) ServerError() []byte {
	return x.serverError
}
