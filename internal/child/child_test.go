package child

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestSpawn_Roundtrip(t *testing.T) {
	t.Parallel()

	c, err := Spawn("cat", "test cat")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if c.State() != Running {
		t.Errorf("state after spawn = %s, want running", c.State())
	}
	if c.Pid() == 0 {
		t.Error("expected a nonzero pid after spawn")
	}

	input := "hello\nworld\n"
	if _, err := io.WriteString(c.Stdin(), input); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	if err := c.CloseStdin(); err != nil {
		t.Fatalf("close stdin: %v", err)
	}
	if c.State() != StdinClosed {
		t.Errorf("state after close = %s, want stdin-closed", c.State())
	}

	out, err := io.ReadAll(c.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	c.MarkDrained()
	if string(out) != input {
		t.Errorf("stdout = %q, want %q", out, input)
	}

	if err := c.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
	if c.State() != Reaped {
		t.Errorf("state after wait = %s, want reaped", c.State())
	}
}

func TestSpawn_NonZeroExit(t *testing.T) {
	t.Parallel()

	c, err := Spawn("false", "failing folder")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	c.CloseStdin()
	io.Copy(io.Discard, c.Stdout())
	c.MarkDrained()

	err = c.Wait()
	if err == nil {
		t.Fatal("expected error from non-zero exit")
	}
	if !strings.Contains(err.Error(), "failing folder") {
		t.Errorf("error %q does not name the child", err)
	}
	if !strings.Contains(err.Error(), "false") {
		t.Errorf("error %q does not name the command", err)
	}
}

func TestCloseStdin_Idempotent(t *testing.T) {
	t.Parallel()

	c, err := Spawn("cat", "idempotent")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	first := c.CloseStdin()
	second := c.CloseStdin()
	if first != second {
		t.Errorf("repeated CloseStdin returned %v then %v", first, second)
	}

	io.Copy(io.Discard, c.Stdout())
	c.MarkDrained()
	if err := c.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
}

func TestKill_UnblocksWait(t *testing.T) {
	t.Parallel()

	c, err := Spawn("sleep 60", "sleeper")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	c.CloseStdin()

	done := make(chan error, 1)
	go func() {
		io.Copy(io.Discard, c.Stdout())
		c.MarkDrained()
		done <- c.Wait()
	}()

	c.Kill()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error from killed child")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Kill")
	}
}

func TestSpawn_StderrDoesNotBlockExit(t *testing.T) {
	t.Parallel()

	// A child writing plenty of stderr must still be reapable: the drainer
	// keeps the pipe from backing up.
	c, err := Spawn("i=0; while [ $i -lt 2000 ]; do echo noisy line $i >&2; i=$((i+1)); done", "noisy")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	c.CloseStdin()
	io.Copy(io.Discard, c.Stdout())
	c.MarkDrained()

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("child with noisy stderr never reaped")
	}
}
