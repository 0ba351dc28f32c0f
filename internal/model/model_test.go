package model

import (
	"encoding/json"
	"testing"
)

func TestNameValidate(t *testing.T) {
	cases := []struct {
		name    Name
		wantErr bool
	}{
		{"add", false},
		{"", true},
		{"a/b", true},
	}
	for _, c := range cases {
		err := c.name.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("Name(%q).Validate() err=%v, wantErr=%v", c.name, err, c.wantErr)
		}
	}
}

func TestRouteJoinAndParent(t *testing.T) {
	r := Route("").Join("main").Join("add")
	if r != "/main/add" {
		t.Fatalf("Join got %q", r)
	}
	parent, last := r.Parent()
	if parent != "/main" || last != "add" {
		t.Fatalf("Parent got (%q, %q)", parent, last)
	}
}

func TestDataTypeArrayDepth(t *testing.T) {
	dt := ArrayOf(ArrayOf(TypeNumber))
	if dt != "Array/Array/Number" {
		t.Fatalf("ArrayOf got %q", dt)
	}
	if dt.Depth() != 2 {
		t.Fatalf("Depth got %d", dt.Depth())
	}
	if dt.Base() != TypeNumber {
		t.Fatalf("Base got %q", dt.Base())
	}
	inner, ok := dt.IsArray()
	if !ok || inner != ArrayOf(TypeNumber) {
		t.Fatalf("IsArray got (%q, %v)", inner, ok)
	}
}

func TestConnectionKeyIgnoresSubRoute(t *testing.T) {
	a := Connection{FromRoute: "/a", ToRoute: "/b", SubRoute: "x"}
	b := Connection{FromRoute: "/a", ToRoute: "/b", SubRoute: "y"}
	if a.Key() != b.Key() {
		t.Fatalf("expected identical dedup keys, got %q vs %q", a.Key(), b.Key())
	}
}

func TestResultMarshalRoundTripOk(t *testing.T) {
	v := Value([]byte(`3.5`))
	want := Result{JobID: 42, Outcome: Outcome{Value: &v, RunAgain: true}}

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Result
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.JobID != want.JobID || got.Outcome.RunAgain != want.Outcome.RunAgain {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if string(*got.Outcome.Value) != string(*want.Outcome.Value) {
		t.Fatalf("got value %s, want %s", *got.Outcome.Value, *want.Outcome.Value)
	}
}

func TestResultMarshalRoundTripErr(t *testing.T) {
	want := Result{JobID: 5, ErrMsg: "divide by zero"}

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Result
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ErrMsg != want.ErrMsg || got.Outcome.Value != nil {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestValidatorCatchesDuplicateAlias(t *testing.T) {
	fl := &FlowDefinition{
		Name: "main",
		Processes: []ProcessReference{
			{Alias: "a"},
			{Alias: "a"},
		},
	}
	v := NewValidator()
	if err := v.ValidateProcess(&Process{Flow: fl}); err == nil {
		t.Fatal("expected duplicate alias to be rejected")
	}
}
