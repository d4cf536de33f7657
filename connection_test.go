package kestrel

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/synqronlabs/kestrel/sasl"
)

const (
	greeting = "220 mx.example.test ESMTP ready\r\n"
	ehloLine = "EHLO client.example.com\r\n"
)

// connectMock opens a session over a scripted server transcript.
func connectMock(t *testing.T, script string, opts ...func(*ClientConfig)) (*Connection, *MockConn, error) {
	t.Helper()
	cfg := mockConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	stream, mc := NewMockStream(script)
	conn, err := ConnectStream(context.Background(), stream, cfg)
	return conn, mc, err
}

func mustConnectMock(t *testing.T, script string, opts ...func(*ClientConfig)) (*Connection, *MockConn) {
	t.Helper()
	conn, mc, err := connectMock(t, script, opts...)
	if err != nil {
		t.Fatalf("ConnectStream() error: %v", err)
	}
	return conn, mc
}

func withCredentials(identity, secret string, mechs ...sasl.Mechanism) func(*ClientConfig) {
	return func(cfg *ClientConfig) {
		creds := sasl.NewCredentials(identity, secret)
		cfg.Credentials = &creds
		cfg.Mechanisms = mechs
	}
}

func withTLS(mode TLSMode) func(*ClientConfig) {
	return func(cfg *ClientConfig) {
		cfg.TLS = TLSPolicy{Mode: mode}
	}
}

func simpleEnvelope(to ...string) Envelope {
	from := MustParseAddress("alice@example.test")
	env := Envelope{From: &from}
	for _, addr := range to {
		env.To = append(env.To, MustParseAddress(addr))
	}
	return env
}

func TestSendPlainSession(t *testing.T) {
	script := greeting +
		"250-mx.example.test\r\n250 8BITMIME\r\n" +
		"250 2.1.0 Sender OK\r\n" +
		"250 2.1.5 Recipient OK\r\n" +
		"354 Start mail input\r\n" +
		"250 2.0.0 Ok: queued as ABC123\r\n" +
		"221 2.0.0 Bye\r\n"
	conn, mc := mustConnectMock(t, script)

	result, err := conn.Send(context.Background(), simpleEnvelope("bob@example.test"), []byte("Hello"))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := conn.Quit(context.Background()); err != nil {
		t.Fatalf("Quit() error: %v", err)
	}

	want := ehloLine +
		"MAIL FROM:<alice@example.test>\r\n" +
		"RCPT TO:<bob@example.test>\r\n" +
		"DATA\r\n" +
		"Hello\r\n.\r\n" +
		"QUIT\r\n"
	if got := mc.Written(); got != want {
		t.Errorf("client wrote:\n%q\nwant:\n%q", got, want)
	}

	if result.Response.Code.Value() != CodeOK {
		t.Errorf("final reply = %v", result.Response)
	}
	if result.MessageID != "ABC123" {
		t.Errorf("MessageID = %q", result.MessageID)
	}
	if len(result.AcceptedRecipients()) != 1 {
		t.Errorf("accepted = %v", result.AcceptedRecipients())
	}
	if !mc.Closed() {
		t.Error("socket not closed after QUIT")
	}
	if _, err := conn.Send(context.Background(), simpleEnvelope("bob@example.test"), []byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after Quit: %v", err)
	}
}

func TestSendEightBitBody(t *testing.T) {
	script := greeting +
		"250-mx.example.test\r\n250 8BITMIME\r\n" +
		"250 OK\r\n250 OK\r\n354 go\r\n250 OK\r\n"
	conn, mc := mustConnectMock(t, script)

	_, err := conn.Send(context.Background(), simpleEnvelope("bob@example.test"), []byte("Grüße\r\n"))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	want := ehloLine +
		"MAIL FROM:<alice@example.test> BODY=8BITMIME\r\n" +
		"RCPT TO:<bob@example.test>\r\n" +
		"DATA\r\n" +
		"Grüße\r\n\r\n.\r\n"
	if got := mc.Written(); got != want {
		t.Errorf("client wrote:\n%q\nwant:\n%q", got, want)
	}
}

func TestConnectTLSRequiredNotOffered(t *testing.T) {
	script := greeting + "250-mx.example.test\r\n250 8BITMIME\r\n"
	_, mc, err := connectMock(t, script, withTLS(TLSRequired))
	if !errors.Is(err, ErrTLSNotSupported) {
		t.Fatalf("err = %v, want ErrTLSNotSupported", err)
	}
	if !IsTLS(err) {
		t.Error("not classified as TLS error")
	}
	if got := mc.Written(); got != ehloLine {
		t.Errorf("client wrote %q, want only EHLO", got)
	}
	if !mc.Closed() {
		t.Error("socket not closed")
	}
}

func TestSendPartialRecipientFailure(t *testing.T) {
	script := greeting +
		"250 mx.example.test\r\n" +
		"250 OK\r\n" +
		"250 OK\r\n" +
		"550 5.2.2 Mailbox full\r\n" +
		"354 go\r\n" +
		"250 OK\r\n"
	conn, mc := mustConnectMock(t, script)

	env := simpleEnvelope("a@example.test", "b@example.test")
	result, err := conn.Send(context.Background(), env, []byte("Hi\r\n"))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if !strings.Contains(mc.Written(), "DATA\r\n") {
		t.Error("DATA not sent")
	}
	if len(result.Recipients) != 2 {
		t.Fatalf("Recipients = %v", result.Recipients)
	}
	if !result.Recipients[0].Accepted {
		t.Error("first recipient rejected")
	}
	rejected := result.RejectedRecipients()
	if len(rejected) != 1 || rejected[0].Address.String() != "b@example.test" {
		t.Fatalf("RejectedRecipients() = %v", rejected)
	}
	if rejected[0].Response.Code.Value() != CodeMailboxNotFound {
		t.Errorf("rejection code = %v", rejected[0].Response.Code)
	}
	if !IsPermanent(rejected[0].Err) {
		t.Errorf("rejection error = %v", rejected[0].Err)
	}
	if rejected[0].Response.EnhancedCode() != "5.2.2" {
		t.Errorf("EnhancedCode() = %q", rejected[0].Response.EnhancedCode())
	}
	if conn.HasBroken() {
		t.Error("connection broken after a partial failure")
	}
}

func TestSendRecipientWillForward(t *testing.T) {
	script := greeting + "250 mx.example.test\r\n" +
		"250 OK\r\n251 User not local; will forward\r\n354 go\r\n250 OK\r\n"
	conn, _ := mustConnectMock(t, script)

	result, err := conn.Send(context.Background(), simpleEnvelope("b@example.test"), []byte("Hi"))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !result.Recipients[0].Accepted {
		t.Error("251 not accepted")
	}
}

func TestSendAllRecipientsRejected(t *testing.T) {
	tests := []struct {
		name     string
		replies  string
		wantKind ErrorKind
		wantCode Code
	}{
		{
			name:     "permanent wins over later transient",
			replies:  "550 no such user\r\n450 try later\r\n",
			wantKind: KindPermanent,
			wantCode: 550,
		},
		{
			name:     "last transient",
			replies:  "450 try later\r\n451 local error\r\n",
			wantKind: KindTransient,
			wantCode: 451,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := greeting + "250 mx.example.test\r\n" +
				"250 OK\r\n" + tt.replies + "250 Reset OK\r\n"
			conn, mc := mustConnectMock(t, script)

			env := simpleEnvelope("a@example.test", "b@example.test")
			result, err := conn.Send(context.Background(), env, []byte("Hi"))
			if KindOf(err) != tt.wantKind {
				t.Fatalf("err = %v, want kind %v", err, tt.wantKind)
			}
			code, ok := ReplyCodeOf(err)
			if !ok || code.Value() != tt.wantCode {
				t.Errorf("reply code = %v", code)
			}
			if len(result.Recipients) != 2 {
				t.Errorf("Recipients = %v", result.Recipients)
			}

			written := mc.Written()
			if strings.Contains(written, "DATA") {
				t.Error("DATA sent without accepted recipients")
			}
			if !strings.HasSuffix(written, "RSET\r\n") {
				t.Errorf("no RSET after failure: %q", written)
			}
			if conn.HasBroken() {
				t.Error("connection not recovered by RSET")
			}
			if conn.Session() != StateHelloSent {
				t.Errorf("Session() = %v", conn.Session())
			}
		})
	}
}

func TestSendRequireAllRecipients(t *testing.T) {
	script := greeting + "250 mx.example.test\r\n" +
		"250 OK\r\n250 OK\r\n550 no\r\n250 Reset OK\r\n"
	conn, mc := mustConnectMock(t, script)

	env := simpleEnvelope("a@example.test", "b@example.test")
	_, err := conn.SendWithOptions(context.Background(), env, strings.NewReader("Hi"),
		SendOptions{Size: -1, RequireAllRecipients: true})
	if !IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
	if strings.Contains(mc.Written(), "DATA") {
		t.Error("DATA sent")
	}
	if conn.HasBroken() {
		t.Error("not recovered")
	}
}

func TestSendMailRejected(t *testing.T) {
	script := greeting + "250 mx.example.test\r\n" +
		"553 5.1.8 Sender address rejected\r\n250 Reset OK\r\n"
	conn, mc := mustConnectMock(t, script)

	_, err := conn.Send(context.Background(), simpleEnvelope("b@example.test"), []byte("Hi"))
	if !IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
	if strings.Contains(mc.Written(), "RCPT") {
		t.Error("RCPT sent after MAIL was rejected")
	}
	if conn.HasBroken() {
		t.Error("not recovered")
	}
}

func TestSendRefusesLineBreakInAddress(t *testing.T) {
	conn, mc := mustConnectMock(t, greeting+"250 mx.example.test\r\n")

	from := Address{LocalPart: "alice>\r\nRCPT TO:<victim", Domain: "evil.test"}
	env := Envelope{From: &from, To: []Address{MustParseAddress("bob@example.test")}}
	_, err := conn.Send(context.Background(), env, []byte("Hi"))
	if !errors.Is(err, ErrCommandLineBreak) {
		t.Fatalf("err = %v, want ErrCommandLineBreak", err)
	}
	if got := mc.Written(); got != ehloLine {
		t.Errorf("client wrote %q, want only EHLO", got)
	}
	if conn.HasBroken() {
		t.Error("connection marked broken")
	}
}

func TestSendDotStuffing(t *testing.T) {
	script := greeting + "250 mx.example.test\r\n" +
		"250 OK\r\n250 OK\r\n354 go\r\n250 OK\r\n"
	conn, mc := mustConnectMock(t, script)

	body := ".start\r\nmiddle\r\n.\r\n..two\r\nend"
	if _, err := conn.Send(context.Background(), simpleEnvelope("b@example.test"), []byte(body)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	want := "DATA\r\n" + "..start\r\nmiddle\r\n..\r\n...two\r\nend\r\n.\r\n"
	if got := mc.Written(); !strings.HasSuffix(got, want) {
		t.Errorf("client wrote %q, want suffix %q", got, want)
	}
}

func TestSendNullSender(t *testing.T) {
	script := greeting + "250 mx.example.test\r\n" +
		"250 OK\r\n250 OK\r\n354 go\r\n250 OK\r\n"
	conn, mc := mustConnectMock(t, script)

	env := Envelope{To: []Address{MustParseAddress("b@example.test")}}
	if _, err := conn.Send(context.Background(), env, []byte("bounce")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(mc.Written(), "MAIL FROM:<>\r\n") {
		t.Errorf("client wrote %q", mc.Written())
	}
}

func TestSendNoRecipients(t *testing.T) {
	conn, mc := mustConnectMock(t, greeting+"250 mx.example.test\r\n")
	_, err := conn.Send(context.Background(), simpleEnvelope(), []byte("x"))
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("err = %v", err)
	}
	if mc.Written() != ehloLine {
		t.Errorf("client wrote %q", mc.Written())
	}
}

func TestSendSizeParameter(t *testing.T) {
	script := greeting + "250-mx.example.test\r\n250 SIZE 1000\r\n" +
		"250 OK\r\n250 OK\r\n354 go\r\n250 OK\r\n"
	conn, mc := mustConnectMock(t, script)

	if _, err := conn.Send(context.Background(), simpleEnvelope("b@example.test"), []byte("Hello")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(mc.Written(), "MAIL FROM:<alice@example.test> SIZE=5\r\n") {
		t.Errorf("client wrote %q", mc.Written())
	}
}

func TestSendMessageTooLarge(t *testing.T) {
	script := greeting + "250-mx.example.test\r\n250 SIZE 10\r\n"
	conn, mc := mustConnectMock(t, script)

	_, err := conn.Send(context.Background(), simpleEnvelope("b@example.test"), []byte("0123456789A"))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
	if mc.Written() != ehloLine {
		t.Errorf("client wrote %q", mc.Written())
	}
	if conn.HasBroken() {
		t.Error("connection broken by a local size check")
	}
}

func TestSendSMTPUTF8(t *testing.T) {
	script := greeting + "250-mx.example.test\r\n250-8BITMIME\r\n250 SMTPUTF8\r\n" +
		"250 OK\r\n250 OK\r\n354 go\r\n250 OK\r\n"
	conn, mc := mustConnectMock(t, script)

	from := MustParseAddress("用户@example.test")
	env := Envelope{From: &from, To: []Address{MustParseAddress("bob@example.test")}}
	if _, err := conn.Send(context.Background(), env, []byte("Grüße")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(mc.Written(), "MAIL FROM:<用户@example.test> BODY=8BITMIME SMTPUTF8\r\n") {
		t.Errorf("client wrote %q", mc.Written())
	}
}

func TestSendSubmitterParameter(t *testing.T) {
	script := greeting + "250-mx.example.test\r\n250 AUTH PLAIN\r\n" +
		"235 2.7.0 Authentication successful\r\n" +
		"250 OK\r\n250 OK\r\n354 go\r\n250 OK\r\n"
	conn, mc := mustConnectMock(t, script, withCredentials("alice", "hunter2"))

	from := MustParseAddress("alice@example.test")
	_, err := conn.SendWithOptions(context.Background(), simpleEnvelope("b@example.test"),
		strings.NewReader("Hi"), SendOptions{Size: -1, Submitter: &from})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(mc.Written(), "MAIL FROM:<alice@example.test> AUTH=alice@example.test\r\n") {
		t.Errorf("client wrote %q", mc.Written())
	}
}

func TestSendMalformedReplyRecovers(t *testing.T) {
	script := greeting + "250 mx.example.test\r\n" +
		"250 OK\r\n" +
		"25O bogus\r\n" +
		"250 Reset OK\r\n"
	conn, _ := mustConnectMock(t, script)

	_, err := conn.Send(context.Background(), simpleEnvelope("b@example.test"), []byte("Hi"))
	if KindOf(err) != KindResponse {
		t.Fatalf("err = %v, want response error", err)
	}
	if conn.State() != ProbablyConnected {
		t.Errorf("State() = %v after RSET", conn.State())
	}
}

func TestSendConnectionLostAfterBody(t *testing.T) {
	script := greeting + "250 mx.example.test\r\n" +
		"250 OK\r\n250 OK\r\n354 go\r\n"
	conn, mc := mustConnectMock(t, script)

	_, err := conn.Send(context.Background(), simpleEnvelope("b@example.test"), []byte("Hi"))
	if KindOf(err) != KindNetwork {
		t.Fatalf("err = %v, want network error", err)
	}
	if conn.State() != BrokenConnection || !conn.HasBroken() {
		t.Errorf("State() = %v", conn.State())
	}
	if !mc.Closed() {
		t.Error("broken connection not aborted")
	}
	if strings.Contains(mc.Written(), "RSET") {
		t.Error("RSET sent on a dead connection")
	}
}

func TestSendBodyReaderFailure(t *testing.T) {
	script := greeting + "250 mx.example.test\r\n" +
		"250 OK\r\n250 OK\r\n354 go\r\n"
	conn, mc := mustConnectMock(t, script)

	diskErr := errors.New("disk gone")
	_, err := conn.SendWithOptions(context.Background(), simpleEnvelope("b@example.test"),
		iotest.ErrReader(diskErr), SendOptions{Size: -1})
	if KindOf(err) != KindClient || !errors.Is(err, diskErr) {
		t.Fatalf("err = %v", err)
	}
	if !mc.Closed() {
		t.Error("connection left inside DATA was not aborted")
	}
}

func TestSendFinalReplyRejected(t *testing.T) {
	script := greeting + "250 mx.example.test\r\n" +
		"250 OK\r\n250 OK\r\n354 go\r\n554 5.7.1 Spam detected\r\n250 Reset OK\r\n"
	conn, mc := mustConnectMock(t, script)

	_, err := conn.Send(context.Background(), simpleEnvelope("b@example.test"), []byte("Hi"))
	if !IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
	if !strings.HasSuffix(mc.Written(), "RSET\r\n") {
		t.Error("no RSET after rejected body")
	}
	if conn.HasBroken() {
		t.Error("not recovered")
	}
}

func TestConnectHeloFallback(t *testing.T) {
	script := greeting +
		"500 5.5.1 Command unrecognized\r\n" +
		"250 mx.example.test\r\n" +
		"250 OK\r\n250 OK\r\n354 go\r\n250 OK\r\n"
	conn, mc := mustConnectMock(t, script)

	info := conn.ServerInfo()
	if info.Supports(EightBitMIME) || info.Supports(Size) {
		t.Error("HELO session reports extensions")
	}
	if _, err := conn.Send(context.Background(), simpleEnvelope("b@example.test"), []byte("Grüße")); err != nil {
		t.Fatal(err)
	}

	want := ehloLine + "HELO client.example.com\r\n" + "MAIL FROM:<alice@example.test>\r\n"
	if got := mc.Written(); !strings.HasPrefix(got, want) {
		t.Errorf("client wrote %q", got)
	}
}

func TestConnectFailures(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		wantKind ErrorKind
	}{
		{name: "banner rejected", script: "554 5.3.2 No service\r\n", wantKind: KindPermanent},
		{name: "banner busy", script: "421 4.3.2 Busy\r\n", wantKind: KindTransient},
		{name: "banner malformed", script: "hello there\r\n", wantKind: KindResponse},
		{name: "no banner", script: "", wantKind: KindNetwork},
		{name: "ehlo transient", script: greeting + "421 4.3.0 Shutting down\r\n", wantKind: KindTransient},
		{name: "helo rejected", script: greeting + "500 no\r\n550 go away\r\n", wantKind: KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, mc, err := connectMock(t, tt.script)
			if conn != nil {
				t.Error("connection returned with error")
			}
			if KindOf(err) != tt.wantKind {
				t.Errorf("err = %v, want kind %v", err, tt.wantKind)
			}
			if !mc.Closed() {
				t.Error("socket not closed")
			}
		})
	}
}

func TestConnectStartTLSFlow(t *testing.T) {
	script := greeting +
		"250-mx.example.test\r\n250 STARTTLS\r\n" +
		"220 2.0.0 Ready to start TLS\r\n" +
		"250-mx.example.test\r\n250 8BITMIME\r\n"
	conn, mc := mustConnectMock(t, script, withTLS(TLSRequired))

	want := ehloLine + "STARTTLS\r\n" + ehloLine
	if got := mc.Written(); got != want {
		t.Errorf("client wrote %q, want %q", got, want)
	}
	info := conn.ServerInfo()
	if !info.Supports(EightBitMIME) || info.Supports(StartTLS) {
		t.Errorf("ServerInfo not replaced after STARTTLS: %v", info)
	}
}

func TestConnectStartTLSRefused(t *testing.T) {
	script := greeting +
		"250-mx.example.test\r\n250 STARTTLS\r\n" +
		"454 4.7.0 TLS not available\r\n"
	_, _, err := connectMock(t, script, withTLS(TLSRequired))
	if !IsTransient(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestConnectOpportunisticWithoutStartTLS(t *testing.T) {
	conn, mc := mustConnectMock(t, greeting+"250 mx.example.test\r\n", withTLS(TLSOpportunistic))
	if conn.IsEncrypted() {
		t.Error("mock stream reports TLS")
	}
	if mc.Written() != ehloLine {
		t.Errorf("client wrote %q", mc.Written())
	}
}

func TestAuthPlain(t *testing.T) {
	logs := &syncBuffer{}
	script := greeting + "250-mx.example.test\r\n250 AUTH PLAIN LOGIN\r\n" +
		"235 2.7.0 Authentication successful\r\n"
	conn, mc := mustConnectMock(t, script, withCredentials("alice", "hunter2"), func(cfg *ClientConfig) {
		cfg.Logger = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})

	if !conn.IsAuthenticated() {
		t.Error("IsAuthenticated() = false")
	}
	want := ehloLine + "AUTH PLAIN AGFsaWNlAGh1bnRlcjI=\r\n"
	if got := mc.Written(); got != want {
		t.Errorf("client wrote %q, want %q", got, want)
	}

	out := logs.String()
	if strings.Contains(out, "hunter2") || strings.Contains(out, "AGFsaWNlAGh1bnRlcjI=") {
		t.Errorf("credentials leaked into logs:\n%s", out)
	}
	if !strings.Contains(out, "AUTH PLAIN ***") {
		t.Errorf("redacted AUTH line missing from logs:\n%s", out)
	}
}

func TestAuthLogin(t *testing.T) {
	script := greeting + "250-mx.example.test\r\n250 AUTH LOGIN\r\n" +
		"334 VXNlcm5hbWU6\r\n" +
		"334 UGFzc3dvcmQ6\r\n" +
		"235 2.7.0 Authentication successful\r\n"
	conn, mc := mustConnectMock(t, script, withCredentials("alice", "secret"))

	want := ehloLine + "AUTH LOGIN\r\n" + "YWxpY2U=\r\n" + "c2VjcmV0\r\n"
	if got := mc.Written(); got != want {
		t.Errorf("client wrote %q, want %q", got, want)
	}
	if !conn.IsAuthenticated() || conn.Session() != StateHelloSent {
		t.Errorf("authenticated=%v session=%v", conn.IsAuthenticated(), conn.Session())
	}
}

func TestAuthRejected(t *testing.T) {
	script := greeting + "250-mx.example.test\r\n250 AUTH PLAIN\r\n" +
		"535 5.7.8 Authentication credentials invalid\r\n"
	_, mc, err := connectMock(t, script, withCredentials("alice", "wrong"))
	if !IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
	code, _ := ReplyCodeOf(err)
	if code.Value() != CodeAuthCredentialsInvalid {
		t.Errorf("code = %v", code)
	}
	if !mc.Closed() {
		t.Error("socket not closed")
	}
}

func TestAuthNoCommonMechanism(t *testing.T) {
	script := greeting + "250-mx.example.test\r\n250 AUTH CRAM-MD5\r\n"
	_, mc, err := connectMock(t, script, withCredentials("alice", "secret"))
	if !errors.Is(err, ErrNoMechanism) {
		t.Fatalf("err = %v", err)
	}
	if strings.Contains(mc.Written(), "AUTH") {
		t.Error("AUTH sent without a common mechanism")
	}
}

func TestAuthLoginUnexpectedPrompt(t *testing.T) {
	script := greeting + "250-mx.example.test\r\n250 AUTH LOGIN\r\n" +
		"334 V2hvIGFyZSB5b3U/\r\n" +
		"501 5.7.0 Authentication cancelled\r\n"
	_, mc, err := connectMock(t, script, withCredentials("alice", "secret"))
	if KindOf(err) != KindClient {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, sasl.ErrUnexpectedChallenge) {
		t.Errorf("cause = %v", err)
	}
	if !strings.HasSuffix(mc.Written(), "AUTH LOGIN\r\n*\r\n") {
		t.Errorf("client wrote %q", mc.Written())
	}
}

func TestAuthBadChallengeEncoding(t *testing.T) {
	script := greeting + "250-mx.example.test\r\n250 AUTH LOGIN\r\n" +
		"334 !!!not-base64\r\n" +
		"501 cancelled\r\n"
	_, mc, err := connectMock(t, script, withCredentials("alice", "secret"))
	if KindOf(err) != KindClient {
		t.Fatalf("err = %v", err)
	}
	if !strings.HasSuffix(mc.Written(), "*\r\n") {
		t.Errorf("client wrote %q", mc.Written())
	}
}

func TestAuthXOAuth2Failure(t *testing.T) {
	script := greeting + "250-mx.example.test\r\n250 AUTH XOAUTH2\r\n" +
		"334 eyJzdGF0dXMiOiI0MDEifQ==\r\n" +
		"535 5.7.8 Invalid token\r\n"
	_, mc, err := connectMock(t, script, withCredentials("alice", "tok", sasl.XOAuth2))
	if !IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
	want := ehloLine + "AUTH XOAUTH2 dXNlcj1hbGljZQFhdXRoPUJlYXJlciB0b2sBAQ==\r\n" + "\r\n"
	if got := mc.Written(); got != want {
		t.Errorf("client wrote %q, want %q", got, want)
	}
	if !strings.Contains(err.Error(), `XOAUTH2: {"status":"401"}`) {
		t.Errorf("error %q does not carry the server's description", err)
	}
}

func TestTestConnected(t *testing.T) {
	conn, mc := mustConnectMock(t, greeting+"250 mx.example.test\r\n250 2.0.0 OK\r\n421 4.4.2 Timeout\r\n")

	if err := conn.TestConnected(context.Background()); err != nil {
		t.Fatalf("first NOOP: %v", err)
	}
	err := conn.TestConnected(context.Background())
	if !IsTransient(err) {
		t.Fatalf("second NOOP: %v", err)
	}
	if !conn.HasBroken() {
		t.Error("connection usable after 421")
	}
	if mc.Written() != ehloLine+"NOOP\r\nNOOP\r\n" {
		t.Errorf("client wrote %q", mc.Written())
	}
}

func TestQuitUnexpectedReplyStillCloses(t *testing.T) {
	conn, mc := mustConnectMock(t, greeting+"250 mx.example.test\r\n500 what\r\n")
	if err := conn.Quit(context.Background()); err == nil {
		t.Error("Quit() accepted 500")
	}
	if !mc.Closed() {
		t.Error("socket not closed")
	}
	if err := conn.Quit(context.Background()); err != nil {
		t.Errorf("second Quit() = %v", err)
	}
}

func TestConnectCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream, mc := NewMockStream(greeting + "250 mx.example.test\r\n")
	_, err := ConnectStream(ctx, stream, mockConfig())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if mc.Written() != "" {
		t.Errorf("client wrote %q", mc.Written())
	}
}

func TestSendTimeoutOnSilentServer(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		r := bufio.NewReader(server)
		server.Write([]byte(greeting))
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		server.Write([]byte("250 mx.example.test\r\n"))
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
	}()

	conn, err := ConnectStream(context.Background(), NewStream(client), mockConfig())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = conn.Send(ctx, simpleEnvelope("b@example.test"), []byte("Hi"))
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("context deadline not honoured")
	}
	if conn.State() != BrokenConnection {
		t.Errorf("State() = %v", conn.State())
	}
}
