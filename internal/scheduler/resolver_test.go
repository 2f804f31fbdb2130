package scheduler

import (
	"errors"
	"strings"
	"testing"

	"github.com/aristath/taskflow/internal/taskerr"
)

// TestDetectCycles covers proposed dependency sets against an existing tree.
func TestDetectCycles(t *testing.T) {
	tree := []*Task{pending("A"), pending("B", "A"), pending("C", "B")}

	tests := []struct {
		name      string
		taskID    string
		proposed  []Dependency
		wantCycle bool
		wantPath  string
	}{
		{name: "no change", taskID: "C", proposed: req("B")},
		{name: "extra edge to root", taskID: "C", proposed: req("A", "B")},
		{name: "closes path to ancestor", taskID: "A", proposed: req("C"), wantCycle: true, wantPath: "A -> C -> B -> A"},
		{name: "two-node cycle", taskID: "A", proposed: req("B"), wantCycle: true, wantPath: "A -> B -> A"},
		{name: "unknown task is its own node", taskID: "D", proposed: req("C")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DetectCycles(tt.taskID, tt.proposed, tree)
			if !tt.wantCycle {
				if err != nil {
					t.Fatalf("DetectCycles() unexpected error = %v", err)
				}
				return
			}

			var cycle *taskerr.CycleError
			if !errors.As(err, &cycle) {
				t.Fatalf("expected CycleError, got %v", err)
			}
			if got := strings.Join(cycle.Path, " -> "); got != tt.wantPath {
				t.Errorf("cycle path = %q, expected %q", got, tt.wantPath)
			}
		})
	}
}

// TestDetectCycles_DiamondIsNotACycle verifies finished nodes reached twice
// are not reported.
func TestDetectCycles_DiamondIsNotACycle(t *testing.T) {
	tree := []*Task{pending("A"), pending("B", "A"), pending("C", "A"), pending("D")}
	if err := DetectCycles("D", req("B", "C"), tree); err != nil {
		t.Fatalf("DetectCycles() error = %v", err)
	}
}

// TestDetectCycles_ExistingTasksUnchanged verifies the stored deps of the
// checked task are replaced by the proposal.
func TestDetectCycles_ExistingTasksUnchanged(t *testing.T) {
	// Stored deps of A would form a cycle; the proposal removes it.
	tree := []*Task{pending("A", "B"), pending("B", "A")}
	if err := DetectCycles("A", nil, tree); err != nil {
		t.Fatalf("DetectCycles() error = %v", err)
	}
}

// TestValidateReferences covers malformed dependency lists.
func TestValidateReferences(t *testing.T) {
	tree := []*Task{pending("A"), pending("B")}

	tests := []struct {
		name     string
		proposed []Dependency
		reason   string
	}{
		{name: "valid", proposed: req("A")},
		{name: "empty id", proposed: []Dependency{{ID: ""}}, reason: "no id"},
		{name: "self", proposed: req("B"), reason: "itself"},
		{name: "unknown", proposed: req("Z"), reason: "no such task"},
		{name: "duplicate", proposed: req("A", "A"), reason: "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReferences("B", tt.proposed, tree)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("ValidateReferences() error = %v", err)
				}
				return
			}

			var ref *taskerr.ReferenceError
			if !errors.As(err, &ref) {
				t.Fatalf("expected ReferenceError, got %v", err)
			}
			if !strings.Contains(ref.Reason, tt.reason) {
				t.Errorf("reason %q does not contain %q", ref.Reason, tt.reason)
			}
		})
	}
}

// TestFindExecutingDependents verifies only in-progress direct dependents
// are returned.
func TestFindExecutingDependents(t *testing.T) {
	b := pending("B", "A")
	b.Status = TaskInProgress
	c := pending("C", "A")
	d := pending("D", "B")
	d.Status = TaskInProgress
	tree := []*Task{pending("A"), b, c, d}

	got := FindExecutingDependents("A", tree)
	if len(got) != 1 || got[0] != "B" {
		t.Errorf("FindExecutingDependents(A) = %v, expected [B]", got)
	}
	if got := FindExecutingDependents("C", tree); len(got) != 0 {
		t.Errorf("FindExecutingDependents(C) = %v, expected none", got)
	}
}

// TestIsReady covers required and optional dependencies.
func TestIsReady(t *testing.T) {
	done := pending("done")
	done.Status = TaskCompleted
	failed := pending("failed")
	failed.Status = TaskFailed
	byID := IndexByID([]*Task{done, failed})

	tests := []struct {
		name string
		deps []Dependency
		want bool
	}{
		{name: "no deps", want: true},
		{name: "required completed", deps: req("done"), want: true},
		{name: "required failed", deps: req("failed"), want: false},
		{name: "required missing", deps: req("ghost"), want: false},
		{name: "optional failed", deps: []Dependency{{ID: "failed"}}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &Task{ID: "x", Dependencies: tt.deps}
			if got := IsReady(task, byID); got != tt.want {
				t.Errorf("IsReady() = %v, expected %v", got, tt.want)
			}
		})
	}
}

// TestAggregationMembers covers explicit dependencies, siblings and children.
func TestAggregationMembers(t *testing.T) {
	root := pending("root")
	a := pending("a")
	a.ParentID = "root"
	b := pending("b")
	b.ParentID = "root"
	agg := pending("agg")
	agg.ParentID = "root"
	agg.Role = RoleAggregate
	explicit := pending("explicit", "a")
	explicit.ParentID = "root"
	explicit.Role = RoleAggregate
	byID := IndexByID([]*Task{root, a, b, agg, explicit})

	if got := AggregationMembers(explicit, byID); strings.Join(got, ",") != "a" {
		t.Errorf("explicit members = %v, expected [a]", got)
	}
	if got := AggregationMembers(agg, byID); strings.Join(got, ",") != "a,b,explicit" {
		t.Errorf("sibling members = %v, expected [a b explicit]", got)
	}

	rootAgg := pending("root")
	rootAgg.Role = RoleAggregate
	byID["root"] = rootAgg
	if got := AggregationMembers(rootAgg, byID); strings.Join(got, ",") != "a,agg,b,explicit" {
		t.Errorf("root members = %v, expected its children", got)
	}
}

// TestDispatchable_Aggregator waits for terminal members, failed or not.
func TestDispatchable_Aggregator(t *testing.T) {
	a := pending("a")
	a.Status = TaskFailed
	b := pending("b")
	agg := pending("agg", "a", "b")
	agg.Role = RoleAggregate
	byID := IndexByID([]*Task{a, b, agg})

	if Dispatchable(agg, byID) {
		t.Fatal("aggregator should wait for b")
	}
	b.Status = TaskCompleted
	if !Dispatchable(agg, byID) {
		t.Error("aggregator should be dispatchable once every member is terminal")
	}
	if IsReady(agg, byID) {
		t.Error("plain readiness still requires completed dependencies")
	}

	agg.AllowPartial = true
	if !Dispatchable(agg, byID) {
		t.Error("partial aggregator should be dispatchable with a failed required member")
	}
}
