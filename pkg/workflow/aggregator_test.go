package workflow

import "testing"

func TestReportAggregatorAddGetList(t *testing.T) {
	a := NewReportAggregator(2)

	a.Add("run-1", &WorkflowReport{WorkflowName: "w1", Status: reportStatusCompleted, TotalDurationMS: 100})
	a.Add("run-2", &WorkflowReport{WorkflowName: "w2", Status: reportStatusFailed, TotalDurationMS: 200})

	r, ok := a.Get("run-1")
	if !ok || r.WorkflowName != "w1" {
		t.Fatalf("expected run-1 to be retained, got %+v ok=%v", r, ok)
	}

	if len(a.List()) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(a.List()))
	}

	stats := a.Stats()
	if stats["total"] != 2 || stats["completed"] != 1 || stats["failed"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats["avg_duration_ms"] != 150 {
		t.Fatalf("expected avg_duration_ms 150, got %d", stats["avg_duration_ms"])
	}
}

func TestReportAggregatorEvictsAtCapacity(t *testing.T) {
	a := NewReportAggregator(1)

	a.Add("run-1", &WorkflowReport{WorkflowName: "w1", Status: reportStatusCompleted})
	a.Add("run-2", &WorkflowReport{WorkflowName: "w2", Status: reportStatusCompleted})

	if len(a.List()) != 1 {
		t.Fatalf("expected capacity to cap retained reports at 1, got %d", len(a.List()))
	}
	if _, ok := a.Get("run-2"); !ok {
		t.Fatal("expected the most recently added report to survive eviction")
	}
}

func TestNewEnginePopulatesDefaultAggregator(t *testing.T) {
	e := NewEngine(nil)
	if e.Aggregator == nil {
		t.Fatal("expected NewEngine to populate a default Aggregator")
	}
}
