package sasl

// Decoded challenge texts accepted by the LOGIN client. Servers disagree on
// the exact wording; only these forms are recognized.
var (
	usernamePrompts = []string{"Username", "Username:", "User Name"}
	passwordPrompts = []string{"Password", "Password:"}
)

// Base64 forms of the canonical LOGIN prompts.
const (
	LoginChallengeUsername = "VXNlcm5hbWU6"
	LoginChallengePassword = "UGFzc3dvcmQ6"
)

const (
	loginStateUsername = iota
	loginStatePassword
	loginStateDone
)

// loginClient implements the LOGIN mechanism. Unlike go-sasl's LOGIN client
// it sends no initial response and checks each prompt before answering.
type loginClient struct {
	username string
	password string
	state    int
}

func (l *loginClient) Start() (string, []byte, error) {
	l.state = loginStateUsername
	return Login.String(), nil, nil
}

func (l *loginClient) Next(challenge []byte) ([]byte, error) {
	prompt := string(challenge)

	switch l.state {
	case loginStateUsername:
		if !oneOf(prompt, usernamePrompts) {
			break
		}
		l.state = loginStatePassword
		return []byte(l.username), nil
	case loginStatePassword:
		if !oneOf(prompt, passwordPrompts) {
			break
		}
		l.state = loginStateDone
		return []byte(l.password), nil
	}

	l.state = loginStateDone
	return nil, ErrUnexpectedChallenge
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
