package capsasl

import (
	"testing"

	"github.com/edgeof8/pyrc-core/internal/eventbus"
	"github.com/edgeof8/pyrc-core/internal/hub"
	"github.com/edgeof8/pyrc-core/internal/state"
	"github.com/edgeof8/pyrc-core/internal/wire"
)

func newTestNegotiator(creds Credentials) (*Negotiator, *[]string) {
	var sent []string
	send := func(line string) error {
		sent = append(sent, line)
		return nil
	}
	n := New(creds, send, hub.Noop(), eventbus.New(), state.New(nil), nil)
	return n, &sent
}

func mustParse(t *testing.T, line string) *wire.Message {
	t.Helper()
	msg, err := wire.ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine(%q): %v", line, err)
	}
	return msg
}

// TestSASLAutoJoinScenario exercises spec §8 scenario 1 end to end: CAP
// negotiation, SASL PLAIN auth, CAP END, NICK/USER, and RPL_WELCOME.
func TestSASLAutoJoinScenario(t *testing.T) {
	creds := Credentials{
		Nick: "alice", Username: "alice", Realname: "alice",
		SASLUsername: "alice", SASLPassword: "secret",
		DesiredCaps: []string{"sasl", "server-time"},
	}
	n, sent := newTestNegotiator(creds)

	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if (*sent)[len(*sent)-1] != "CAP LS 302" {
		t.Fatalf("expected CAP LS 302, got %v", *sent)
	}

	if _, err := n.HandleLine(mustParse(t, ":irc.example.net CAP * LS :sasl server-time multi-prefix")); err != nil {
		t.Fatalf("CAP LS: %v", err)
	}
	if (*sent)[len(*sent)-1] != "CAP REQ :sasl server-time" {
		t.Fatalf("expected CAP REQ, got %v", *sent)
	}

	if _, err := n.HandleLine(mustParse(t, ":irc.example.net CAP * ACK :sasl server-time")); err != nil {
		t.Fatalf("CAP ACK: %v", err)
	}
	if (*sent)[len(*sent)-1] != "AUTHENTICATE PLAIN" {
		t.Fatalf("expected AUTHENTICATE PLAIN, got %v", *sent)
	}

	if _, err := n.HandleLine(mustParse(t, "AUTHENTICATE +")); err != nil {
		t.Fatalf("AUTHENTICATE +: %v", err)
	}
	want := "AUTHENTICATE AGFsaWNlAGFsaWNlAHNlY3JldA=="
	if (*sent)[len(*sent)-1] != want {
		t.Fatalf("expected %q, got %v", want, *sent)
	}

	if _, err := n.HandleLine(mustParse(t, ":irc.example.net 903 alice :SASL authentication successful")); err != nil {
		t.Fatalf("903: %v", err)
	}
	tail := (*sent)[len(*sent)-3:]
	if tail[0] != "CAP END" || tail[1] != "NICK alice" {
		t.Fatalf("unexpected post-SASL sequence: %v", tail)
	}
	if n.State() != WaitingWelcome {
		t.Fatalf("expected WAITING_WELCOME, got %v", n.State())
	}

	if _, err := n.HandleLine(mustParse(t, ":irc.example.net 001 alice :Welcome to the network")); err != nil {
		t.Fatalf("001: %v", err)
	}
	if n.State() != Registered {
		t.Fatalf("expected REGISTERED, got %v", n.State())
	}
	if n.CurrentNick() != "alice" {
		t.Fatalf("expected nick alice, got %s", n.CurrentNick())
	}
}

// TestNickCollisionMangling exercises spec §8 scenario 2: bob -> bob_ -> bob1.
func TestNickCollisionMangling(t *testing.T) {
	creds := Credentials{Nick: "bob", Username: "bob", Realname: "bob"}
	n, sent := newTestNegotiator(creds)
	n.currentNick = "bob"

	if _, err := n.HandleLine(mustParse(t, ":irc.example.net 433 * bob :Nickname is already in use")); err != nil {
		t.Fatalf("433: %v", err)
	}
	if (*sent)[len(*sent)-1] != "NICK bob_" {
		t.Fatalf("expected NICK bob_, got %v", *sent)
	}

	if _, err := n.HandleLine(mustParse(t, ":irc.example.net 433 * bob_ :Nickname is already in use")); err != nil {
		t.Fatalf("433 again: %v", err)
	}
	if (*sent)[len(*sent)-1] != "NICK bob1" {
		t.Fatalf("expected NICK bob1, got %v", *sent)
	}
}

func TestNextNickCandidateTruncates(t *testing.T) {
	got := nextNickCandidate("abcdefghi", "abcdefghi")
	if len(got) > 9 {
		t.Fatalf("expected truncation to 9 chars, got %q (%d)", got, len(got))
	}
}

func TestSASLFailureAbortsWhenConfigured(t *testing.T) {
	creds := Credentials{
		Nick: "alice", Username: "alice", Realname: "alice",
		SASLUsername: "alice", SASLPassword: "bad", SASLAbortOnFail: true,
		DesiredCaps: []string{"sasl"},
	}
	n, _ := newTestNegotiator(creds)
	n.st = SASLAuthenticating

	_, err := n.HandleLine(mustParse(t, ":irc.example.net 904 alice :SASL authentication failed"))
	if err == nil {
		t.Fatal("expected abort error")
	}
	if _, ok := err.(*ErrSASLAborted); !ok {
		t.Fatalf("expected ErrSASLAborted, got %T", err)
	}
}
