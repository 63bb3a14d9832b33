package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialnet/internal/observability"
)

func TestRedactDenylistedFields(t *testing.T) {
	changes := map[string]any{
		"password":      "hunter2",
		"new_password":  "hunter3",
		"display_name":  "alice",
		"refresh_token": "jwt-here",
		"api-key":       "k",
		"nested": map[string]any{
			"secret": "totp",
			"bio":    "hello",
			"deeper": []any{
				map[string]any{"token": "abc", "count": 3},
				"plain",
			},
		},
	}

	redacted := Redact(changes)

	assert.Equal(t, Placeholder, redacted["password"])
	assert.Equal(t, Placeholder, redacted["new_password"])
	assert.Equal(t, Placeholder, redacted["refresh_token"])
	assert.Equal(t, Placeholder, redacted["api-key"])
	assert.Equal(t, "alice", redacted["display_name"])

	nested := redacted["nested"].(map[string]any)
	assert.Equal(t, Placeholder, nested["secret"])
	assert.Equal(t, "hello", nested["bio"])

	deeper := nested["deeper"].([]any)
	inner := deeper[0].(map[string]any)
	assert.Equal(t, Placeholder, inner["token"])
	assert.Equal(t, 3, inner["count"])
	assert.Equal(t, "plain", deeper[1])

	// Original payload untouched.
	assert.Equal(t, "hunter2", changes["password"])
	assert.Equal(t, "totp", changes["nested"].(map[string]any)["secret"])
}

type captureSink struct {
	mu      sync.Mutex
	records []Record
	fail    bool
}

func (s *captureSink) Emit(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.records = append(s.records, record)
	return nil
}

func (s *captureSink) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func TestRecorderPersistsRedactedRecord(t *testing.T) {
	sink := &captureSink{}
	recorder := NewRecorder(sink, observability.NewLogger(), 8)

	recorder.Log("acct-1", ActionLogin, "account", "acct-1",
		map[string]any{"password": "hunter2", "ip_country": "CL"}, "1.2.3.4", "test-agent")
	recorder.Close()

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "acct-1", records[0].AccountID)
	assert.Equal(t, ActionLogin, records[0].Action)
	assert.Equal(t, Placeholder, records[0].Changes["password"])
	assert.Equal(t, "CL", records[0].Changes["ip_country"])
	assert.NotEmpty(t, records[0].ID)
	assert.False(t, records[0].CreatedAt.IsZero())
}

func TestRecorderNeverBlocksOnFailingSink(t *testing.T) {
	sink := &captureSink{fail: true}
	recorder := NewRecorder(sink, observability.NewLogger(), 1)
	defer recorder.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			recorder.Log("acct-1", ActionLoginFailed, "account", "", nil, "1.2.3.4", "agent")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on a failing sink")
	}
}

func TestRecorderDropsWhenBufferFull(t *testing.T) {
	block := make(chan struct{})
	sink := &blockingSink{release: block}
	recorder := NewRecorder(sink, observability.NewLogger(), 1)

	for i := 0; i < 10; i++ {
		recorder.Log("acct-1", ActionLogin, "account", "", nil, "1.2.3.4", "agent")
	}
	close(block)
	recorder.Close()

	assert.Greater(t, recorder.Dropped(), uint64(0))
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Emit(context.Context, Record) error {
	<-s.release
	return nil
}
