package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
)

// Draft is the content of an email draft.
type Draft struct {
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Body    string
	// MessageID is the RFC 822 Message-ID header, including angle brackets.
	MessageID string
}

// MessageIDFor derives the Message-ID used for an idempotency key.
func MessageIDFor(key string) string {
	return fmt.Sprintf("<%s@researchmail.local>", key)
}

// Raw renders the draft as a base64url encoded RFC 822 message, the form the
// Gmail API expects.
func (d Draft) Raw() (string, error) {
	var buf bytes.Buffer

	header := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, stripNewlines(v))
	}

	header("To", strings.Join(d.To, ", "))

	if len(d.Cc) > 0 {
		header("Cc", strings.Join(d.Cc, ", "))
	}

	if len(d.Bcc) > 0 {
		header("Bcc", strings.Join(d.Bcc, ", "))
	}

	header("Subject", mime.QEncoding.Encode("utf-8", stripNewlines(d.Subject)))

	if d.MessageID != "" {
		header("Message-ID", d.MessageID)
	}

	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(d.Body)); err != nil {
		return "", err
	}

	if err := qp.Close(); err != nil {
		return "", err
	}

	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func stripNewlines(s string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(s)
}
