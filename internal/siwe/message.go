// Package siwe parses, renders and checks Sign-In with Ethereum (EIP-4361) messages.
package siwe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	headerSuffix = " wants you to sign in with your Ethereum account:"

	uriTag            = "URI: "
	versionTag        = "Version: "
	chainIDTag        = "Chain ID: "
	nonceTag          = "Nonce: "
	issuedAtTag       = "Issued At: "
	expirationTimeTag = "Expiration Time: "
	notBeforeTag      = "Not Before: "
	requestIDTag      = "Request ID: "
	resourcesTag      = "Resources:"

	// Version is the only message version accepted.
	Version = "1"
)

var (
	// ErrMalformedMessage is returned when a message does not match the grammar.
	ErrMalformedMessage = errors.New("siwe: malformed message")
	// ErrUnsupportedVersion is returned for any Version other than "1".
	ErrUnsupportedVersion = errors.New("siwe: unsupported version")
	// ErrExpired is returned when Expiration Time is in the past.
	ErrExpired = errors.New("siwe: message expired")
	// ErrIssuedInFuture is returned when Issued At exceeds the allowed clock skew.
	ErrIssuedInFuture = errors.New("siwe: issued-at is in the future")
	// ErrNotYetValid is returned when Not Before has not been reached.
	ErrNotYetValid = errors.New("siwe: message not yet valid")
)

// Message is a parsed SIWE message.
type Message struct {
	Domain         string
	Address        string
	Statement      string
	URI            string
	Version        string
	ChainID        int64
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime *time.Time
	NotBefore      *time.Time
	RequestID      string
	Resources      []string
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// Parse parses raw strictly. Every line must match the grammar; unknown or
// out-of-order lines are rejected.
func Parse(raw string) (*Message, error) {
	lines := strings.Split(raw, "\n")
	// A single trailing newline is tolerated.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	p := &lineReader{lines: lines}
	msg := &Message{}

	header, ok := p.next()
	if !ok || !strings.HasSuffix(header, headerSuffix) {
		return nil, malformed("missing header line")
	}
	msg.Domain = strings.TrimSuffix(header, headerSuffix)
	if msg.Domain == "" || strings.ContainsAny(msg.Domain, " \t") {
		return nil, malformed("invalid domain")
	}

	address, ok := p.next()
	if !ok || address == "" {
		return nil, malformed("missing address line")
	}
	msg.Address = address

	if blank, ok := p.next(); !ok || blank != "" {
		return nil, malformed("expected blank line after address")
	}

	// The statement slot sits between two blank lines; without a statement the slot is a
	// second blank line. A single blank line before URI is also accepted.
	if line, ok := p.peek(); ok && !strings.HasPrefix(line, uriTag) {
		p.next()
		if line != "" {
			msg.Statement = line
			if blank, ok := p.next(); !ok || blank != "" {
				return nil, malformed("expected blank line after statement")
			}
		}
	}

	var err error
	if msg.URI, err = p.required(uriTag); err != nil {
		return nil, err
	}
	if msg.Version, err = p.required(versionTag); err != nil {
		return nil, err
	}

	chainID, err := p.required(chainIDTag)
	if err != nil {
		return nil, err
	}
	if msg.ChainID, err = strconv.ParseInt(chainID, 10, 64); err != nil || msg.ChainID <= 0 {
		return nil, malformed("invalid chain id %q", chainID)
	}

	if msg.Nonce, err = p.required(nonceTag); err != nil {
		return nil, err
	}
	if len(msg.Nonce) < 8 {
		return nil, malformed("nonce too short")
	}

	issuedAt, err := p.required(issuedAtTag)
	if err != nil {
		return nil, err
	}
	if msg.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, malformed("invalid issued-at %q", issuedAt)
	}

	if v, ok := p.optional(expirationTimeTag); ok {
		t, err := parseTime(v)
		if err != nil {
			return nil, malformed("invalid expiration time %q", v)
		}
		msg.ExpirationTime = &t
	}
	if v, ok := p.optional(notBeforeTag); ok {
		t, err := parseTime(v)
		if err != nil {
			return nil, malformed("invalid not-before %q", v)
		}
		msg.NotBefore = &t
	}
	if v, ok := p.optional(requestIDTag); ok {
		msg.RequestID = v
	}
	if line, ok := p.peek(); ok && line == resourcesTag {
		p.next()
		for {
			line, ok := p.peek()
			if !ok || !strings.HasPrefix(line, "- ") {
				break
			}
			p.next()
			msg.Resources = append(msg.Resources, strings.TrimPrefix(line, "- "))
		}
	}

	if line, ok := p.next(); ok {
		return nil, malformed("unexpected line %q", line)
	}
	return msg, nil
}

// String renders the message in canonical form; Parse(m.String()) round-trips.
func (m *Message) String() string {
	var b strings.Builder
	b.WriteString(m.Domain)
	b.WriteString(headerSuffix)
	b.WriteString("\n")
	b.WriteString(m.Address)
	b.WriteString("\n\n")
	if m.Statement != "" {
		b.WriteString(m.Statement)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(uriTag + m.URI + "\n")
	b.WriteString(versionTag + m.Version + "\n")
	b.WriteString(chainIDTag + strconv.FormatInt(m.ChainID, 10) + "\n")
	b.WriteString(nonceTag + m.Nonce + "\n")
	b.WriteString(issuedAtTag + formatTime(m.IssuedAt))
	if m.ExpirationTime != nil {
		b.WriteString("\n" + expirationTimeTag + formatTime(*m.ExpirationTime))
	}
	if m.NotBefore != nil {
		b.WriteString("\n" + notBeforeTag + formatTime(*m.NotBefore))
	}
	if m.RequestID != "" {
		b.WriteString("\n" + requestIDTag + m.RequestID)
	}
	if len(m.Resources) > 0 {
		b.WriteString("\n" + resourcesTag)
		for _, r := range m.Resources {
			b.WriteString("\n- " + r)
		}
	}
	return b.String()
}

// CheckVersion rejects anything but version 1.
func (m *Message) CheckVersion() error {
	if m.Version != Version {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, m.Version)
	}
	return nil
}

// CheckTimes validates the message timestamps against now with the given skew.
func (m *Message) CheckTimes(now time.Time, skew time.Duration) error {
	if m.IssuedAt.IsZero() {
		return malformed("missing issued-at")
	}
	if m.IssuedAt.After(now.Add(skew)) {
		return ErrIssuedInFuture
	}
	if m.ExpirationTime != nil && !now.Before(*m.ExpirationTime) {
		return ErrExpired
	}
	if m.NotBefore != nil && now.Add(skew).Before(*m.NotBefore) {
		return ErrNotYetValid
	}
	return nil
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

type lineReader struct {
	lines []string
	pos   int
}

func (r *lineReader) next() (string, bool) {
	if r.pos >= len(r.lines) {
		return "", false
	}
	line := r.lines[r.pos]
	r.pos++
	return line, true
}

func (r *lineReader) peek() (string, bool) {
	if r.pos >= len(r.lines) {
		return "", false
	}
	return r.lines[r.pos], true
}

func (r *lineReader) required(tag string) (string, error) {
	line, ok := r.next()
	if !ok || !strings.HasPrefix(line, tag) {
		return "", malformed("missing %q", strings.TrimSpace(tag))
	}
	value := strings.TrimPrefix(line, tag)
	if value == "" {
		return "", malformed("empty %q", strings.TrimSpace(tag))
	}
	return value, nil
}

func (r *lineReader) optional(tag string) (string, bool) {
	line, ok := r.peek()
	if !ok || !strings.HasPrefix(line, tag) {
		return "", false
	}
	r.pos++
	return strings.TrimPrefix(line, tag), true
}
