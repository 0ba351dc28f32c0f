package compiler

import (
	"testing"

	"github.com/flowmesh/flowrun/internal/model"
)

// buildTwoFunctionFlow constructs a minimal two-function chain:
// "gen" (impure source) -> "sink" (impure sink).
func buildTwoFunctionFlow() *model.Process {
	gen := &model.Process{Function: &model.FunctionDefinition{
		Name:     "gen",
		Route:    "/root/gen",
		IsImpure: true,
		Outputs:  []model.IO{{Name: "out", DataType: model.TypeNumber}},
	}}
	sink := &model.Process{Function: &model.FunctionDefinition{
		Name:     "sink",
		Route:    "/root/sink",
		IsImpure: true,
		Inputs:   []model.IO{{Name: "in", DataType: model.TypeNumber}},
	}}
	root := &model.FlowDefinition{
		Name:  "root",
		Route: "/root",
		Processes: []model.ProcessReference{
			{Alias: "gen", Resolved: gen},
			{Alias: "sink", Resolved: sink},
		},
		Connections: []model.FlowConnection{
			{From: "gen/out", To: "sink/in"},
		},
		Children: map[model.Name]*model.Process{
			"gen":  gen,
			"sink": sink,
		},
	}
	return &model.Process{Flow: root}
}

func TestCompileTwoFunctionChain(t *testing.T) {
	tables, err := Compile(buildTwoFunctionFlow())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(tables.Functions) != 2 {
		t.Fatalf("expected 2 surviving functions, got %d", len(tables.Functions))
	}
	if len(tables.CollapsedConnections) != 1 {
		t.Fatalf("expected 1 collapsed connection, got %d", len(tables.CollapsedConnections))
	}
	conn := tables.CollapsedConnections[0]
	if conn.FromRoute != "/root/gen/out" || conn.ToRoute != "/root/sink/in" {
		t.Fatalf("unexpected connection endpoints: %+v", conn)
	}
}

func TestCompileDropsDeadFunction(t *testing.T) {
	dead := &model.Process{Function: &model.FunctionDefinition{
		Name:    "dead",
		Route:   "/root/dead",
		Outputs: []model.IO{{Name: "out", DataType: model.TypeNumber}},
	}}
	gen := &model.Process{Function: &model.FunctionDefinition{
		Name:     "gen",
		Route:    "/root/gen",
		IsImpure: true,
		Outputs:  []model.IO{{Name: "out", DataType: model.TypeNumber}},
	}}
	sink := &model.Process{Function: &model.FunctionDefinition{
		Name:     "sink",
		Route:    "/root/sink",
		IsImpure: true,
		Inputs:   []model.IO{{Name: "in", DataType: model.TypeNumber}},
	}}
	root := &model.FlowDefinition{
		Name:  "root",
		Route: "/root",
		Processes: []model.ProcessReference{
			{Alias: "dead", Resolved: dead},
			{Alias: "gen", Resolved: gen},
			{Alias: "sink", Resolved: sink},
		},
		Connections: []model.FlowConnection{
			{From: "gen/out", To: "sink/in"},
		},
		Children: map[model.Name]*model.Process{
			"dead": dead, "gen": gen, "sink": sink,
		},
	}

	tables, err := Compile(&model.Process{Flow: root})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(tables.Functions) != 2 {
		t.Fatalf("expected dead function to be pruned, got %d functions", len(tables.Functions))
	}
	for _, f := range tables.Functions {
		if f.Name == "dead" {
			t.Fatalf("dead function should have been eliminated")
		}
	}
}

func TestCompileRejectsCompetingInputs(t *testing.T) {
	a := &model.Process{Function: &model.FunctionDefinition{
		Name:     "a",
		Route:    "/root/a",
		IsImpure: true,
		Outputs:  []model.IO{{Name: "out", DataType: model.TypeNumber}},
	}}
	b := &model.Process{Function: &model.FunctionDefinition{
		Name:     "b",
		Route:    "/root/b",
		IsImpure: true,
		Outputs:  []model.IO{{Name: "out", DataType: model.TypeNumber}},
	}}
	sink := &model.Process{Function: &model.FunctionDefinition{
		Name:     "sink",
		Route:    "/root/sink",
		IsImpure: true,
		Inputs:   []model.IO{{Name: "in", DataType: model.TypeNumber}},
	}}
	root := &model.FlowDefinition{
		Name:  "root",
		Route: "/root",
		Processes: []model.ProcessReference{
			{Alias: "a", Resolved: a},
			{Alias: "b", Resolved: b},
			{Alias: "sink", Resolved: sink},
		},
		Connections: []model.FlowConnection{
			{From: "a/out", To: "sink/in"},
			{From: "b/out", To: "sink/in"},
		},
		Children: map[model.Name]*model.Process{
			"a": a, "b": b, "sink": sink,
		},
	}

	_, err := Compile(&model.Process{Flow: root})
	if err == nil {
		t.Fatal("expected competing-input error")
	}
}

func TestInferSerdeArraySerializeAndWrap(t *testing.T) {
	serde, level, err := inferSerde(model.ArrayOf(model.TypeNumber), model.TypeNumber)
	if err != nil || serde != model.SerdeArraySerialize || level != 1 {
		t.Fatalf("got (%v, %d, %v)", serde, level, err)
	}
	serde, level, err = inferSerde(model.TypeNumber, model.ArrayOf(model.TypeNumber))
	if err != nil || serde != model.SerdeWrapAsArray || level != 1 {
		t.Fatalf("got (%v, %d, %v)", serde, level, err)
	}
}

func TestInferSerdeRejectsIncompatibleTypes(t *testing.T) {
	_, _, err := inferSerde(model.TypeString, model.TypeNumber)
	if err == nil {
		t.Fatal("expected incompatible-type error")
	}
}
