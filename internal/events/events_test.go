package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestEncodeDecode(t *testing.T) {
	evt := JobCreated{JobID: "job-1", TenantID: "tenant-1", CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	data, err := Encode(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.JobID != evt.JobID || got.TenantID != evt.TenantID || !got.CreatedAt.Equal(evt.CreatedAt) {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestDecodeRejectsMissingJobID(t *testing.T) {
	for _, payload := range []string{`{}`, `{"jobId":"  "}`, `not json`} {
		if _, err := Decode([]byte(payload)); err == nil {
			t.Fatalf("expected error for %q", payload)
		}
	}
	if _, err := Encode(JobCreated{}); err == nil {
		t.Fatalf("expected encode error without job id")
	}
}

func TestLocalBusDeliversAfterCallerCancels(t *testing.T) {
	bus := NewLocalBus(zerolog.Nop())
	var calls atomic.Int32
	bus.Subscribe(func(ctx context.Context, evt JobCreated) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		calls.Add(1)
		return errors.New("logged, not returned")
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := bus.PublishJobCreated(ctx, JobCreated{JobID: "job-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	cancel()
	bus.Wait()
	if calls.Load() != 1 {
		t.Fatalf("expected one delivery, got %d", calls.Load())
	}
}

func TestLocalBusWithoutSubscriberDrops(t *testing.T) {
	bus := NewLocalBus(zerolog.Nop())
	if err := bus.PublishJobCreated(context.Background(), JobCreated{JobID: "job-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	bus.Wait()
}
