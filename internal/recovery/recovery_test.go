package recovery

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "radio.readLoop")
		panic("test panic")
	}()

	wg.Wait()

	output := buf.String()
	for _, want := range []string{"panic recovered", "component=radio.readLoop", "test panic", "stack="} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "normal")
	}()

	wg.Wait()

	if buf.Len() > 0 {
		t.Errorf("expected no output when no panic, got: %s", buf.String())
	}
}

func TestRecoverWithLog_NilLogger(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer RecoverWithLog(nil, "nil")
		panic("no sink")
	}()
	<-done
}

func TestCall(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ran := false
	if err := Call(logger, "handler.OnData", func() { ran = true }); err != nil || !ran {
		t.Errorf("Call() = %v, ran = %v", err, ran)
	}
	if buf.Len() > 0 {
		t.Errorf("unexpected output: %s", buf.String())
	}

	err := Call(logger, "handler.OnData", func() { panic("boom") })
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("Call() = %v, want ErrPanic", err)
	}
	if !strings.Contains(err.Error(), "handler.OnData") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %q", err)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}
