package orchestrator

import (
	"fmt"
	"testing"
)

func TestOutputHub_SubscribeReceivesLiveLines(t *testing.T) {
	h := NewOutputHub(10)
	h.Begin("a/b#1")
	h.Publish("a/b#1", "stdout", "first")

	backlog, lines, cancel := h.Subscribe("a/b#1")
	defer cancel()
	if len(backlog) != 1 || backlog[0].Line != "first" {
		t.Fatalf("backlog = %+v", backlog)
	}
	if lines == nil {
		t.Fatal("expected live channel for an active run")
	}

	h.Publish("a/b#1", "stderr", "second")
	got := <-lines
	if got.Line != "second" || got.Stream != "stderr" {
		t.Errorf("line = %+v", got)
	}

	h.End("a/b#1")
	if _, ok := <-lines; ok {
		t.Error("channel should be closed after End")
	}
	if h.Active("a/b#1") {
		t.Error("run still active after End")
	}
}

func TestOutputHub_BacklogIsBounded(t *testing.T) {
	h := NewOutputHub(3)
	h.Begin("x")
	for i := 0; i < 5; i++ {
		h.Publish("x", "stdout", fmt.Sprintf("line %d", i))
	}
	h.End("x")

	backlog, lines, cancel := h.Subscribe("x")
	defer cancel()
	if lines != nil {
		t.Error("finished run should not hand out a live channel")
	}
	if len(backlog) != 3 || backlog[0].Line != "line 2" || backlog[2].Line != "line 4" {
		t.Errorf("backlog = %+v", backlog)
	}
}

func TestOutputHub_BeginClearsPreviousRun(t *testing.T) {
	h := NewOutputHub(0)
	h.Begin("x")
	h.Publish("x", "stdout", "old")
	h.End("x")
	h.Begin("x")

	backlog, _, cancel := h.Subscribe("x")
	defer cancel()
	if len(backlog) != 0 {
		t.Errorf("backlog = %+v, want empty", backlog)
	}
}

func TestOutputHub_CancelIsIdempotent(t *testing.T) {
	h := NewOutputHub(0)
	h.Begin("x")
	_, lines, cancel := h.Subscribe("x")
	cancel()
	cancel()
	if _, ok := <-lines; ok {
		t.Error("channel should be closed after cancel")
	}
	h.Publish("x", "stdout", "after cancel")
	h.End("x")
}
