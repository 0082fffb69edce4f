package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwilioSenderRequestShape(t *testing.T) {
	var gotPath, gotUser, gotPass string
	var gotForm url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewTwilioSender("AC123", "token", "+4700000001", "+4700000002")
	s.apiBase = srv.URL

	err := s.Send(context.Background(), "BTC-EUR trade completed")
	require.NoError(t, err)

	assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", gotPath)
	assert.Equal(t, "AC123", gotUser)
	assert.Equal(t, "token", gotPass)
	assert.Equal(t, "+4700000001", gotForm.Get("From"))
	assert.Equal(t, "+4700000002", gotForm.Get("To"))
	assert.Equal(t, "BTC-EUR trade completed", gotForm.Get("Body"))
}

func TestTwilioSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid number"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewTwilioSender("AC123", "token", "+4700000001", "bogus")
	s.apiBase = srv.URL

	err := s.Send(context.Background(), "hello")
	assert.ErrorContains(t, err, "status 400")
}

type recordingSender struct {
	name     string
	messages []string
	err      error
}

func (r *recordingSender) Send(ctx context.Context, message string) error {
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingSender) Name() string { return r.name }

func TestNotifierFiltersEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sender := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{sender}, []string{EventTradeCompleted}, logger)

	require.NoError(t, n.Notify(context.Background(), EventTradeCompleted, "done"))
	require.NoError(t, n.Notify(context.Background(), EventMonitorAlert, "filtered"))

	assert.Equal(t, []string{"done"}, sender.messages)
}

func TestNotifierEmptyFilterAllowsAll(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sender := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{sender}, nil, logger)

	require.NoError(t, n.Notify(context.Background(), EventMonitorAlert, "anything"))
	assert.Len(t, sender.messages, 1)
}

func TestNotifierPartialFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bad := &recordingSender{name: "bad", err: assert.AnError}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, logger)

	err := n.Notify(context.Background(), EventTradeAborted, "msg")
	assert.Error(t, err)
	assert.Equal(t, []string{"msg"}, good.messages)
}
