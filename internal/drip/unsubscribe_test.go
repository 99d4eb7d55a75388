package drip

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-unsubscribe-secret"

func newTestTokens(t *testing.T) *UnsubscribeTokens {
	t.Helper()
	tokens, err := NewUnsubscribeTokens(testSecret, "https://drip.example.com/unsubscribe")
	require.NoError(t, err)
	tokens.now = func() time.Time { return t0 }
	return tokens
}

type fakeWriter struct {
	name  string
	err   error
	calls []string
}

func (w *fakeWriter) Name() string { return w.name }

func (w *fakeWriter) Unsubscribe(_ context.Context, email string) error {
	w.calls = append(w.calls, email)
	return w.err
}

func TestNewUnsubscribeTokens_RequiresSecret(t *testing.T) {
	_, err := NewUnsubscribeTokens("", "https://drip.example.com/unsubscribe")
	require.Error(t, err)
}

func TestUnsubscribeTokens_IssueVerify(t *testing.T) {
	tokens := newTestTokens(t)

	token, err := tokens.Issue(" Ann@Example.com")
	require.NoError(t, err)

	email, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", email)
}

func TestUnsubscribeTokens_VerifyRejects(t *testing.T) {
	tokens := newTestTokens(t)
	token, err := tokens.Issue("ann@example.com")
	require.NoError(t, err)

	other, err := NewUnsubscribeTokens("another-secret", "https://drip.example.com/unsubscribe")
	require.NoError(t, err)
	other.now = tokens.now

	t.Run("wrong secret", func(t *testing.T) {
		_, err := other.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidUnsubscribeToken)
	})

	t.Run("expired", func(t *testing.T) {
		later := newTestTokens(t)
		later.now = func() time.Time { return t0.Add(366 * Day) }
		_, err := later.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidUnsubscribeToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := tokens.Verify("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidUnsubscribeToken)
	})

	t.Run("tampered", func(t *testing.T) {
		_, err := tokens.Verify(token + "x")
		assert.ErrorIs(t, err, ErrInvalidUnsubscribeToken)
	})
}

func TestUnsubscribeTokens_URL(t *testing.T) {
	tokens := newTestTokens(t)

	link, err := tokens.URL("Ann@Example.com")
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "drip.example.com", u.Host)
	assert.Equal(t, "/unsubscribe", u.Path)
	assert.Equal(t, "ann@example.com", u.Query().Get("email"))

	email, err := tokens.Verify(u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", email)
}

func TestUnsubscriber_Unsubscribe(t *testing.T) {
	tokens := newTestTokens(t)
	token, err := tokens.Issue("ann@example.com")
	require.NoError(t, err)

	t.Run("records opt-out and writes back", func(t *testing.T) {
		store := newMemStore()
		crm := &fakeWriter{name: "crm"}

		email, err := NewUnsubscriber(tokens, store, crm).Unsubscribe(context.Background(), "ann@example.com", token, "link")
		require.NoError(t, err)
		assert.Equal(t, "ann@example.com", email)

		optedOut, err := store.IsOptedOut(context.Background(), "ann@example.com")
		require.NoError(t, err)
		assert.True(t, optedOut)
		assert.Equal(t, "link", store.optOuts["ann@example.com"])
		assert.Equal(t, []string{"ann@example.com"}, crm.calls)
	})

	t.Run("writer failure is not fatal", func(t *testing.T) {
		store := newMemStore()
		broken := &fakeWriter{name: "crm", err: errBoom}
		next := &fakeWriter{name: "other"}

		_, err := NewUnsubscriber(tokens, store, broken, next).Unsubscribe(context.Background(), "", token, "one_click")
		require.NoError(t, err)
		assert.Len(t, next.calls, 1)
		assert.Equal(t, "one_click", store.optOuts["ann@example.com"])
	})

	t.Run("email mismatch", func(t *testing.T) {
		store := newMemStore()

		_, err := NewUnsubscriber(tokens, store).Unsubscribe(context.Background(), "bob@example.com", token, "link")
		require.ErrorIs(t, err, ErrInvalidUnsubscribeToken)
		assert.Empty(t, store.optOuts)
	})

	t.Run("invalid token", func(t *testing.T) {
		store := newMemStore()
		crm := &fakeWriter{name: "crm"}

		_, err := NewUnsubscriber(tokens, store, crm).Unsubscribe(context.Background(), "ann@example.com", "bogus", "link")
		require.ErrorIs(t, err, ErrInvalidUnsubscribeToken)
		assert.Empty(t, store.optOuts)
		assert.Empty(t, crm.calls)
	})
}
