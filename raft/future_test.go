package raft

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFuture_ResolvesOnce(t *testing.T) {
	f := newFuture()
	f.Fulfill([]byte("first"), nil)
	f.Fulfill([]byte("second"), errors.New("late"))

	value, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(value) != "first" {
		t.Errorf("value want: first, get: %s", value)
	}
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	f := newFuture()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want deadline exceeded, get: %v", err)
	}
}

func TestNotLeaderError(t *testing.T) {
	tests := []struct {
		leader uint64
		want   string
	}{
		{0, "not leader; no leader known"},
		{3, "not leader; try 3"},
	}

	for i, test := range tests {
		err := &NotLeaderError{Leader: test.leader}
		if err.Error() != test.want {
			t.Errorf("#%d: want: %q, get: %q", i, test.want, err.Error())
		}
	}
}
