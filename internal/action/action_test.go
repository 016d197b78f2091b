package action

import (
	"context"
	"testing"

	"github.com/autopr/autopr/internal/errkind"
	"github.com/autopr/autopr/internal/schema"
)

func testDef(name string) Def {
	return Def{
		Name: name,
		Inputs: schema.MustCompile(1, []schema.Field{
			{Name: "repo", Type: schema.TypeString, Required: true},
			{Name: "limit", Type: schema.TypeInt, Default: 10},
		}),
		Outputs: schema.MustCompile(1, []schema.Field{
			{Name: "count", Type: schema.TypeInt, Required: true},
		}),
		Idempotency: Read,
		Handler: func(_ context.Context, in Inputs) (Outputs, error) {
			return Outputs{"count": in["limit"]}, nil
		},
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testDef("fetch_pr")); err != nil {
		t.Fatal(err)
	}
	err := r.Register(testDef("fetch_pr"))
	if errkind.KindOf(err) != errkind.InvalidInput {
		t.Fatalf("duplicate registration: kind=%q", errkind.KindOf(err))
	}
}

func TestRegisterAfterSealFails(t *testing.T) {
	r := NewRegistry()
	r.Seal()
	if err := r.Register(testDef("late")); err == nil {
		t.Fatalf("sealed registry accepted a registration")
	}
}

func TestExecuteValidatesAndDefaults(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testDef("fetch_pr")); err != nil {
		t.Fatal(err)
	}

	out, err := r.Execute(context.Background(), "fetch_pr", Inputs{"repo": "acme/api"})
	if err != nil {
		t.Fatal(err)
	}
	if out["count"] != 10 {
		t.Fatalf("default not applied: %v", out["count"])
	}

	_, err = r.Execute(context.Background(), "fetch_pr", Inputs{})
	if errkind.KindOf(err) != errkind.InvalidInput {
		t.Fatalf("missing required input: kind=%q", errkind.KindOf(err))
	}

	_, err = r.Execute(context.Background(), "missing_action", Inputs{})
	if errkind.KindOf(err) != errkind.InvalidWorkflow {
		t.Fatalf("unknown action: kind=%q", errkind.KindOf(err))
	}
}

func TestExecuteOutputMismatch(t *testing.T) {
	r := NewRegistry()
	def := testDef("broken")
	def.Handler = func(_ context.Context, _ Inputs) (Outputs, error) {
		return Outputs{"count": "not-a-number"}, nil
	}
	if err := r.Register(def); err != nil {
		t.Fatal(err)
	}
	_, err := r.Execute(context.Background(), "broken", Inputs{"repo": "a/b"})
	if errkind.KindOf(err) != errkind.SchemaMismatch {
		t.Fatalf("bad outputs: kind=%q", errkind.KindOf(err))
	}
}
