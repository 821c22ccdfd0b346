package compartment

import "testing"

func TestLoad_ParsesEmbeddedDefinition(t *testing.T) {
	m, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := m.Params("Observation")
	want := []string{"subject", "performer"}
	if len(got) != len(want) {
		t.Fatalf("Observation params = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Observation params[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestIsMember(t *testing.T) {
	m, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !m.IsMember("Condition") {
		t.Error("expected Condition to be a compartment member")
	}
	if m.IsMember("Questionnaire") {
		t.Error("expected Questionnaire to not be a compartment member")
	}
}

func TestParams_UnknownResourceTypeReturnsNil(t *testing.T) {
	m, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if params := m.Params("StructureMap"); params != nil {
		t.Errorf("expected nil params for StructureMap, got %v", params)
	}
}
