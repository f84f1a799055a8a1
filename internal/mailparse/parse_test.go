package mailparse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlainText(t *testing.T) {
	raw := strings.Join([]string{
		"From: sender@example.com",
		"To: alice@turbo.mail",
		"Subject: hello",
		"",
		"plain body",
	}, "\r\n")

	parsed, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "sender@example.com", parsed.From)
	assert.Equal(t, []string{"alice@turbo.mail"}, parsed.To)
	assert.Equal(t, "hello", parsed.Subject)
	assert.Equal(t, "plain body", parsed.Text)
	assert.Empty(t, parsed.HTML)
}

func TestParseMultipleRecipients(t *testing.T) {
	raw := strings.Join([]string{
		"From: sender@example.com",
		"To: alice@turbo.mail, Bob <bob@turbo.mail>",
		"Subject: fanout",
		"",
		"body",
	}, "\r\n")

	parsed, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@turbo.mail", "bob@turbo.mail"}, parsed.To)
}

func TestParseMultipartAlternative(t *testing.T) {
	raw := strings.Join([]string{
		"From: sender@example.com",
		"To: alice@turbo.mail",
		"Subject: multi",
		`Content-Type: multipart/alternative; boundary="xyz"`,
		"",
		"--xyz",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"text version",
		"--xyz",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html version</p>",
		"--xyz--",
		"",
	}, "\r\n")

	parsed, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "text version", strings.TrimSpace(parsed.Text))
	assert.Equal(t, "<p>html version</p>", strings.TrimSpace(parsed.HTML))
}

func TestParseQuotedPrintable(t *testing.T) {
	raw := strings.Join([]string{
		"From: sender@example.com",
		"To: alice@turbo.mail",
		"Subject: qp",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"caf=C3=A9",
	}, "\r\n")

	parsed, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "café", strings.TrimSpace(parsed.Text))
}

func TestParseEncodedSubject(t *testing.T) {
	raw := strings.Join([]string{
		"From: sender@example.com",
		"To: alice@turbo.mail",
		"Subject: =?utf-8?B?5L2g5aW9?=",
		"",
		"body",
	}, "\r\n")

	parsed, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "你好", parsed.Subject)
}

func TestParseLenientFallsBackToHeaderSplit(t *testing.T) {
	// 畸形的头部让 net/mail 解析失败
	raw := "From: sender@example.com\nTo: alice@turbo.mail\nbroken header line\n\nthe body"

	parsed := ParseLenient([]byte(raw))
	assert.Equal(t, "sender@example.com", parsed.From)
	assert.Equal(t, []string{"alice@turbo.mail"}, parsed.To)
	assert.Equal(t, "the body", parsed.Text)
}

func TestParseLenientNoHeaders(t *testing.T) {
	parsed := ParseLenient([]byte("just some bytes"))
	assert.Empty(t, parsed.From)
	assert.Equal(t, "just some bytes", parsed.Text)
}
