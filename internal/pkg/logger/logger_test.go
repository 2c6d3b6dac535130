package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactEmail(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
	}
	for _, c := range cases {
		if got := RedactEmail(c.in); got != c.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLoggerRedactsSenderFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, INFO)

	l.Info("ingested", "sender", "alice@corp.example")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "al***@corp.example", entry["sender"])
	require.Equal(t, "INFO", entry["level"])
}

func TestLoggerRedactsEmbeddedAddresses(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, INFO)

	l.Info("parsed", "subject", "Re: quote for bob@buyer.example please")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Contains(t, entry["subject"], "bo***@buyer.example")
}

func TestWithFieldsPropagate(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, INFO).With("worker_id", "w-1")

	l.Info("leased job", "job_id", "j-9")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "w-1", entry["worker_id"])
	require.Equal(t, "j-9", entry["job_id"])
}

func TestContextCarriesLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, INFO).With("request_id", "r-1")

	ctx := WithContext(context.Background(), l)
	FromContext(ctx).Info("handled")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "r-1", entry["request_id"])

	require.Same(t, defaultLogger, FromContext(context.Background()),
		"bare contexts fall back to the default logger")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WARN)

	l.Info("should not appear")
	require.Zero(t, buf.Len())

	l.Warn("should appear")
	require.NotZero(t, buf.Len())
}
