package log

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestHex(t *testing.T) {
	cases := map[uint32]string{
		0:          "0x0",
		0x8:        "0x8",
		0x08000009: "0x8000009",
		0xffffffff: "0xffffffff",
	}
	for in, want := range cases {
		if got := Hex(in); got != want {
			t.Errorf("Hex(%#x) = %q, want %q", in, got, want)
		}
	}
}

func TestEventCallback(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{Logger: zap.New(core)}

	var gotPC uint32
	var gotName string
	l.SetOnEvent(func(pc uint32, category, name, detail string) {
		gotPC = pc
		gotName = name
	})

	l.Event(0x08000010, "intercept", "RCC_CR", "value=0x0")

	if gotPC != 0x08000010 || gotName != "RCC_CR" {
		t.Errorf("callback got pc=%#x name=%q", gotPC, gotName)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.ContextMap()["pc"] != "0x8000010" {
		t.Errorf("pc field = %v", entry.ContextMap()["pc"])
	}
}

func TestGetWithoutInit(t *testing.T) {
	if Get() == nil {
		t.Fatal("Get returned nil")
	}
}
