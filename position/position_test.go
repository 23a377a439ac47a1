package position

import "testing"

func TestAddOrdersToPosition_ClassifiesAndIndexes(t *testing.T) {
	m := NewInMemory()

	if err := m.AddOrdersToPosition("AAPL", RoleMain, []string{"o1"}); err != nil {
		t.Fatalf("AddOrdersToPosition: %v", err)
	}
	if err := m.AddOrdersToPosition("AAPL", RoleStop, []string{"o2"}); err != nil {
		t.Fatalf("AddOrdersToPosition: %v", err)
	}

	if role := m.ClassifyOrder("AAPL", "o1"); role != RoleMain {
		t.Errorf("ClassifyOrder(o1) = %s, want main", role)
	}
	if role := m.ClassifyOrder("AAPL", "o2"); role != RoleStop {
		t.Errorf("ClassifyOrder(o2) = %s, want stop", role)
	}
	if role := m.ClassifyOrder("AAPL", "unknown"); role != RoleUnknown {
		t.Errorf("ClassifyOrder(unknown) = %s, want unknown", role)
	}

	p, ok := m.FindPositionByOrder("o2")
	if !ok || p.Symbol != "AAPL" {
		t.Errorf("FindPositionByOrder(o2) = (%v, %v), want AAPL position", p, ok)
	}
}

func TestAddOrdersToPosition_RejectsUnknownRole(t *testing.T) {
	m := NewInMemory()
	if err := m.AddOrdersToPosition("AAPL", RoleUnknown, []string{"o1"}); err == nil {
		t.Error("expected an error classifying under the unknown role")
	}
}

func TestRemoveOrder_ClearsFromAllBucketsAndIndex(t *testing.T) {
	m := NewInMemory()
	_ = m.AddOrdersToPosition("AAPL", RoleMain, []string{"o1"})

	if err := m.RemoveOrder("AAPL", "o1"); err != nil {
		t.Fatalf("RemoveOrder: %v", err)
	}
	if role := m.ClassifyOrder("AAPL", "o1"); role != RoleUnknown {
		t.Errorf("ClassifyOrder after removal = %s, want unknown", role)
	}
	if _, ok := m.FindPositionByOrder("o1"); ok {
		t.Error("reverse index should no longer resolve a removed order")
	}
}

func TestClosePosition_MarksStatusClosed(t *testing.T) {
	m := NewInMemory()
	m.OpenPosition("AAPL")

	if err := m.ClosePosition("AAPL"); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	p, _ := m.GetPosition("AAPL")
	if p.Status != StatusClosed {
		t.Errorf("Status = %s, want closed", p.Status)
	}
}

func TestClosePosition_UnknownSymbolErrors(t *testing.T) {
	m := NewInMemory()
	if err := m.ClosePosition("GOOG"); err == nil {
		t.Error("expected an error closing an unopened position")
	}
}

func TestOpenPosition_IsIdempotent(t *testing.T) {
	m := NewInMemory()
	p1 := m.OpenPosition("AAPL")
	p2 := m.OpenPosition("AAPL")
	if p1 != p2 {
		t.Error("OpenPosition should return the same instance on repeat calls")
	}
}
