package mfa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func literalBody(text string) func() (string, error) {
	return func() (string, error) { return text, nil }
}

func TestPickCode_SecondCodeInBatchSurvivesForNextAttempt(t *testing.T) {
	// GIVEN: Two fresh verification emails fetched in one batch
	// WHEN: Picking a code, then picking again for a later attempt
	// THEN: The first pick consumes only the first message; the second code is
	//       still usable afterwards

	s := NewIMAPSource(IMAPConfig{Addr: "imap.example:993"})
	now := time.Now()
	items := []batchItem{
		{id: "<m1>", date: now, body: literalBody("Your verification code is 111222")},
		{id: "<m2>", date: now.Add(time.Second), body: literalBody("Your verification code is 333444")},
	}
	floor := now.Add(-time.Minute)

	require.Equal(t, "111222", s.pickCode(items, floor))
	assert.Equal(t, "333444", s.pickCode(items, floor), "the unconsumed code must survive the first pick")
	assert.Equal(t, "", s.pickCode(items, floor), "both codes consumed")
}

func TestPickCode_StaleMessagesNeverConsidered(t *testing.T) {
	s := NewIMAPSource(IMAPConfig{Addr: "imap.example:993"})
	now := time.Now()
	items := []batchItem{
		{id: "<old>", date: now.Add(-time.Hour), body: literalBody("Your verification code is 999999")},
	}

	assert.Equal(t, "", s.pickCode(items, now))
}

func TestPickCode_CodelessMessageIsConsumed(t *testing.T) {
	// A fresh message with no code (a receipt, say) is considered once and
	// never re-read on later polls.
	s := NewIMAPSource(IMAPConfig{Addr: "imap.example:993"})
	now := time.Now()
	reads := 0
	items := []batchItem{
		{id: "<receipt>", date: now, body: func() (string, error) {
			reads++
			return "Thanks for your payment!", nil
		}},
	}
	floor := now.Add(-time.Minute)

	assert.Equal(t, "", s.pickCode(items, floor))
	assert.Equal(t, "", s.pickCode(items, floor))
	assert.Equal(t, 1, reads, "a considered message must not be decoded twice")
}
