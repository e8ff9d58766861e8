package engine

import (
	"io"
	"os"
	"testing"
)

func TestReadPasswordPipedInput(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	old := os.Stdin
	os.Stdin = r
	t.Cleanup(func() {
		os.Stdin = old
		r.Close()
	})

	go func() {
		io.WriteString(w, "sk-piped-secret\n")
		w.Close()
	}()

	got, err := ReadPassword("API key: ")
	if err != nil {
		t.Fatalf("ReadPassword() error = %v", err)
	}
	if got != "sk-piped-secret" {
		t.Errorf("password = %q, want the piped value without its newline", got)
	}
}

func TestIsTerminalPipedStdin(t *testing.T) {
	r, _, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	old := os.Stdin
	os.Stdin = r
	t.Cleanup(func() {
		os.Stdin = old
		r.Close()
	})

	if IsTerminal() {
		t.Error("pipe-backed stdin reported as a terminal")
	}
}
