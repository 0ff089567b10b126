package notify

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/rotisserie/eris"
)

const lineLen = 76

// buildRawMessage renders msg as a multipart/mixed MIME document with a
// plain-text part and one base64 attachment.
func buildRawMessage(from string, msg Message) ([]byte, error) {
	for _, addr := range append(append([]string{from}, msg.To...), msg.CC...) {
		if strings.ContainsAny(addr, "\r\n") {
			return nil, eris.Errorf("notify: address %q contains a line break", addr)
		}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.CC) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.CC, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", w.Boundary())

	text, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=UTF-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, eris.Wrap(err, "notify: mime text part")
	}
	if _, err := text.Write([]byte(msg.Body)); err != nil {
		return nil, eris.Wrap(err, "notify: mime text body")
	}

	att := msg.Attachment
	ctype := att.ContentType
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {mime.FormatMediaType(ctype, map[string]string{"name": att.Filename})},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename})},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, eris.Wrap(err, "notify: mime attachment part")
	}
	encoded := base64.StdEncoding.EncodeToString(att.Data)
	for len(encoded) > lineLen {
		if _, err := part.Write([]byte(encoded[:lineLen] + "\r\n")); err != nil {
			return nil, eris.Wrap(err, "notify: mime attachment body")
		}
		encoded = encoded[lineLen:]
	}
	if _, err := part.Write([]byte(encoded)); err != nil {
		return nil, eris.Wrap(err, "notify: mime attachment body")
	}

	if err := w.Close(); err != nil {
		return nil, eris.Wrap(err, "notify: mime close")
	}
	return buf.Bytes(), nil
}
