package recovery

import (
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reserved := sql.NullString{String: "RESERVED", Valid: true}
	committed := sql.NullString{String: "COMMITTED", Valid: true}
	expired := sql.NullTime{Time: now.Add(-time.Minute), Valid: true}
	live := sql.NullTime{Time: now.Add(time.Minute), Valid: true}

	tests := []struct {
		name string
		c    candidate
		want action
	}{
		{
			name: "expired reservation is released",
			c:    candidate{execState: "DISPATCHED", resState: reserved, expiryAt: expired},
			want: actionRelease,
		},
		{
			name: "live reservation is left for the in-flight request",
			c:    candidate{execState: "DISPATCHED", resState: reserved, expiryAt: live},
			want: actionNone,
		},
		{
			name: "reservation without expiry is left alone",
			c:    candidate{execState: "DISPATCHED", resState: reserved},
			want: actionNone,
		},
		{
			name: "interrupted during reserving fails",
			c:    candidate{execState: "RESERVING"},
			want: actionFail,
		},
		{
			name: "dispatched without reservation fails",
			c:    candidate{execState: "DISPATCHED"},
			want: actionFail,
		},
		{
			name: "response received without reservation fails",
			c:    candidate{execState: "RESPONSE_RECEIVED"},
			want: actionFail,
		},
		{
			name: "settled reservation row is skipped",
			c:    candidate{execState: "DISPATCHED", resState: committed},
			want: actionNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.c, now))
		})
	}
}

func TestPidAlive(t *testing.T) {
	assert.True(t, pidAlive(os.Getpid()))
	assert.False(t, pidAlive(0))
	assert.False(t, pidAlive(-1))
	// PID max on linux is bounded well below this.
	assert.False(t, pidAlive(1<<22+12345))
}
