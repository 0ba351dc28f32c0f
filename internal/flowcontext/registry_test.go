package flowcontext

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestArgsGetParsesJSONAndRawStrings(t *testing.T) {
	r := New([]string{"42", "hello"}, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{})
	impl, ok := r.Lookup("context://args/get")
	if !ok {
		t.Fatal("expected context://args/get to be registered")
	}
	out, runAgain, err := impl.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runAgain {
		t.Fatal("args/get must not request to run again")
	}
	var parsed struct {
		JSON   []interface{} `json:"json"`
		String []string      `json:"string"`
	}
	if err := json.Unmarshal(*out, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.JSON[0] != float64(42) {
		t.Fatalf("expected first arg parsed as number, got %v", parsed.JSON[0])
	}
	if parsed.JSON[1] != "hello" {
		t.Fatalf("expected second arg as string, got %v", parsed.JSON[1])
	}
}

func TestStdoutWritesValue(t *testing.T) {
	var buf bytes.Buffer
	r := New(nil, strings.NewReader(""), &buf, &bytes.Buffer{})
	impl, _ := r.Lookup("context://stdio/stdout")
	input, _ := json.Marshal("hello world")
	_, _, err := impl.Run(context.Background(), [][]byte{input})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if buf.String() != "hello world\n" {
		t.Fatalf("got %q", buf.String())
	}
}
