/*
imap.go - IMAP-backed code source

Polls a mailbox for the portal's verification email. Two rules keep a stale or
replayed code from ever being submitted:

  FRESHNESS: only messages dated after the sentAfter floor count. The caller
  passes the login attempt's start (minus a small skew allowance), so codes
  from earlier attempts are never picked up.

  REPLAY: every message whose body was actually considered is remembered for
  the lifetime of the source and never considered again, even across
  WaitForCode calls. Messages left unread because a code had already been
  chosen in the same batch stay eligible for the next attempt.
*/
package mfa

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

// IMAPConfig locates the mailbox the portal sends codes to.
type IMAPConfig struct {
	// Addr is host:port for an implicit-TLS IMAP endpoint.
	Addr     string
	Username string
	Password string

	// Mailbox defaults to INBOX.
	Mailbox string

	// FromFilter, when set, restricts the search to messages from this
	// sender.
	FromFilter string

	// PollInterval defaults to 5s.
	PollInterval time.Duration

	Log *logrus.Entry
}

// IMAPSource implements the portal's CodeSource contract over IMAP.
type IMAPSource struct {
	cfg IMAPConfig
	log *logrus.Entry

	// Message IDs already considered; never revisited.
	seen map[string]bool
}

func NewIMAPSource(cfg IMAPConfig) *IMAPSource {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logrus.WithField("component", "mfa")
	}
	return &IMAPSource{cfg: cfg, log: log, seen: map[string]bool{}}
}

// WaitForCode polls until a fresh message yields a code or ctx expires.
func (s *IMAPSource) WaitForCode(ctx context.Context, sentAfter time.Time) (string, error) {
	c, err := client.DialTLS(s.cfg.Addr, nil)
	if err != nil {
		return "", fmt.Errorf("dial imap %s: %w", s.cfg.Addr, err)
	}
	defer c.Logout()

	if err := c.Login(s.cfg.Username, s.cfg.Password); err != nil {
		return "", fmt.Errorf("imap login for %s: %w", s.cfg.Username, err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		code, err := s.checkOnce(c, sentAfter)
		if err != nil {
			return "", err
		}
		if code != "" {
			return code, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no verification email arrived: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *IMAPSource) checkOnce(c *client.Client, sentAfter time.Time) (string, error) {
	if _, err := c.Select(s.cfg.Mailbox, false); err != nil {
		return "", fmt.Errorf("select mailbox %s: %w", s.cfg.Mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	// IMAP SINCE is date-granular; the exact time filter happens per message.
	criteria.Since = sentAfter.Truncate(24 * time.Hour)
	if s.cfg.FromFilter != "" {
		criteria.Header.Add("From", s.cfg.FromFilter)
	}

	ids, err := c.Search(criteria)
	if err != nil {
		return "", fmt.Errorf("search mailbox: %w", err)
	}
	if len(ids) == 0 {
		return "", nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	fetchItems := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, fetchItems, messages)
	}()

	// Drain the whole channel first so the fetch goroutine always finishes,
	// then decide; deciding mid-drain marked messages seen that were never
	// considered.
	var items []batchItem
	for msg := range messages {
		if msg.Envelope == nil {
			continue
		}
		id := msg.Envelope.MessageId
		if id == "" {
			id = fmt.Sprintf("uid-%d", msg.Uid)
		}
		literal := msg.GetBody(section)
		items = append(items, batchItem{
			id:   id,
			date: msg.Envelope.Date,
			body: func() (string, error) {
				if literal == nil {
					return "", fmt.Errorf("message %s has no body section", id)
				}
				return messageText(literal)
			},
		})
	}
	if err := <-done; err != nil {
		return "", fmt.Errorf("fetch messages: %w", err)
	}
	return s.pickCode(items, sentAfter), nil
}

// batchItem is one fetched message reduced to what code selection needs.
type batchItem struct {
	id   string
	date time.Time
	body func() (string, error)
}

// pickCode applies the freshness and replay rules to one fetched batch. A
// message is marked seen only when its body is considered; once a code is
// chosen, the rest of the batch stays eligible for the next attempt.
func (s *IMAPSource) pickCode(items []batchItem, sentAfter time.Time) string {
	for _, it := range items {
		if s.seen[it.id] || it.date.Before(sentAfter) {
			continue
		}

		body, err := it.body()
		if err != nil {
			s.seen[it.id] = true
			s.log.WithError(err).Debug("could not decode message body")
			continue
		}
		s.seen[it.id] = true

		if code, err := ExtractCode(body); err == nil {
			s.log.WithField("message_id", it.id).Info("verification code received")
			return code
		}
	}
	return ""
}

// =============================================================================
// MIME DECODING
// =============================================================================

// messageText extracts the readable text of an email: every text/* part of a
// multipart message, or the whole decoded body otherwise.
func messageText(r io.Reader) (string, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return "", err
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return multipartText(msg.Body, params["boundary"])
	}
	return decodePart(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
}

func multipartText(body io.Reader, boundary string) (string, error) {
	if boundary == "" {
		return "", fmt.Errorf("multipart message without boundary")
	}

	var out strings.Builder
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out.String(), nil // salvage whatever parsed
		}

		partType, params, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		switch {
		case strings.HasPrefix(partType, "multipart/"):
			nested, _ := multipartText(part, params["boundary"])
			out.WriteString(nested)
		case strings.HasPrefix(partType, "text/") || partType == "":
			text, err := decodePart(part, part.Header.Get("Content-Transfer-Encoding"))
			if err == nil {
				out.WriteString(text)
				out.WriteString("\n")
			}
		}
	}
	return out.String(), nil
}

func decodePart(r io.Reader, encoding string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
