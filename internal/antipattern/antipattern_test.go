package antipattern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minipipe/minipipe/internal/model"
)

func TestEvaluateDetectsPlanningLoop(t *testing.T) {
	t.Parallel()
	d := New()
	stats := model.RunStats{PlanningAttempts: 3, PatchesApplied: 0}

	dets := d.Evaluate(stats, nil, time.Now())
	require.Len(t, dets, 1)
	require.Equal(t, model.APPlanningLoop, dets[0].Kind)
	require.Equal(t, model.SeverityCritical, dets[0].Severity)
}

func TestEvaluateDetectsHallucinatedSuccess(t *testing.T) {
	t.Parallel()
	d := New()
	now := time.Now()
	events := []model.Event{
		{Kind: model.EventStepFailed, Fields: map[string]string{"reason": "hallucinated_success"}, At: now},
		{Kind: model.EventStepFailed, Fields: map[string]string{"reason": "hallucinated_success"}, At: now},
	}

	dets := d.Evaluate(model.RunStats{}, events, now)
	require.Len(t, dets, 1)
	require.Equal(t, model.APHallucinatedSuccess, dets[0].Kind)
}

func TestEvaluateDetectsStuckRun(t *testing.T) {
	t.Parallel()
	d := New()
	now := time.Now()
	events := []model.Event{
		{Kind: model.EventStepStarted, At: now.Add(-10 * time.Minute)},
	}

	dets := d.Evaluate(model.RunStats{}, events, now)
	require.Len(t, dets, 1)
	require.Equal(t, model.APStuck, dets[0].Kind)
	require.Equal(t, model.SeverityAdvisory, dets[0].Severity)
}

func TestEvaluateNoDetectionsOnHealthyRun(t *testing.T) {
	t.Parallel()
	d := New()
	now := time.Now()
	events := []model.Event{
		{Kind: model.EventStepStarted, At: now.Add(-1 * time.Minute)},
		{Kind: model.EventLedgerTransitioned, Fields: map[string]string{"to": string(model.LedgerCommitted)}, At: now.Add(-30 * time.Second)},
	}

	dets := d.Evaluate(model.RunStats{PatchesApplied: 1}, events, now)
	require.Empty(t, dets)
}
