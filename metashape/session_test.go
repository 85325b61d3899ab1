package metashape

import (
	"reflect"
	"testing"
)

func TestSessionStateTerminal(t *testing.T) {
	tests := []struct {
		state SessionState
		want  bool
	}{
		{StateSeeded, false},
		{StateAligning, false},
		{StateEvaluating, false},
		{StateGrowing, false},
		{StateRollingBack, false},
		{StateDone, true},
		{StateAborted, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestNewDecisionReport(t *testing.T) {
	t.Run("nil decisions", func(t *testing.T) {
		rep := NewDecisionReport(nil)
		if rep.Retained != nil {
			t.Errorf("Retained = %v, want nil", rep.Retained)
		}
		if rep.Discarded == nil || len(rep.Discarded) != 0 {
			t.Errorf("Discarded = %v, want empty initialized map", rep.Discarded)
		}
	})

	t.Run("flattens by rule", func(t *testing.T) {
		points := []TiePoint{
			{ID: 1, Valid: true, Observations: []Observation{obs("c1", 0.2)}},
			{ID: 2, Valid: true, Observations: []Observation{obs("c1", 9.0)}},
		}
		metrics := mustMetrics(t, points)
		decisions, err := ApplyPointFilter(points, metrics, FilterConfig{
			MaxReprojectionError: 1.0,
			MaxUncertainty:       30.0,
		})
		if err != nil {
			t.Fatalf("ApplyPointFilter() error = %v", err)
		}

		rep := NewDecisionReport(decisions)
		if !reflect.DeepEqual(rep.Retained, []uint32{1}) {
			t.Errorf("Retained = %v, want [1]", rep.Retained)
		}
		want := map[string][]uint32{string(RuleThreshold): {2}}
		if !reflect.DeepEqual(rep.Discarded, want) {
			t.Errorf("Discarded = %v, want %v", rep.Discarded, want)
		}
	})
}
