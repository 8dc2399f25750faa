package main

import (
	"testing"
	"time"
)

func TestIntEnv(t *testing.T) {
	t.Setenv("QUICKTABD_TEST_INT", "42")
	if got := intEnv("QUICKTABD_TEST_INT", 7); got != 42 {
		t.Fatalf("intEnv = %d, want 42", got)
	}
	t.Setenv("QUICKTABD_TEST_INT", "not-a-number")
	if got := intEnv("QUICKTABD_TEST_INT", 7); got != 7 {
		t.Fatalf("intEnv fallback = %d, want 7", got)
	}
	if got := intEnv("QUICKTABD_TEST_INT_UNSET", 7); got != 7 {
		t.Fatalf("intEnv unset = %d, want 7", got)
	}
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("QUICKTABD_TEST_DUR", "250ms")
	if got := durationEnv("QUICKTABD_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Fatalf("durationEnv = %s, want 250ms", got)
	}
	t.Setenv("QUICKTABD_TEST_DUR", "soon")
	if got := durationEnv("QUICKTABD_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("durationEnv fallback = %s, want 1s", got)
	}
}

func TestContainersFromEnv(t *testing.T) {
	t.Setenv("QUICKTABD_CONTAINERS", `{"7":{"id":"work","name":"Work"},"oops":{"id":"x"}}`)
	directory := containersFromEnv()
	container, err := directory.ContainerForTab(nil, 7)
	if err != nil || container.ID != "work" {
		t.Fatalf("container for 7 = %+v, %v", container, err)
	}
	container, err = directory.ContainerForTab(nil, 99)
	if err != nil || container.ID != "" {
		t.Fatalf("unmapped tab = %+v, %v", container, err)
	}

	t.Setenv("QUICKTABD_CONTAINERS", "{broken")
	if directory := containersFromEnv(); directory == nil {
		t.Fatal("invalid JSON should fall back to an empty directory")
	}
}
