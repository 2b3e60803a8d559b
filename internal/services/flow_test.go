package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/soaringjerry/Sensora/internal/models"
)

type flowHarness struct {
	*panelFixture
	flow  *FlowController
	guard *MemoryInFlight
}

func newFlowHarness(t *testing.T, status models.EventStatus) *flowHarness {
	t.Helper()
	f := newPanelFixture(t, status)
	guard := NewMemoryInFlight()
	flow := NewFlowController(f.store, NewSequencer(f.store, nopLogger()), newTestGateway(f.store), guard, 30*time.Second, nopLogger())
	return &flowHarness{panelFixture: f, flow: flow, guard: guard}
}

func (h *flowHarness) submit(t *testing.T, sess Session, a models.Assignment, pt *models.ProductType) *SubmitResult {
	t.Helper()
	res, err := h.flow.Submit(context.Background(), sess, SubmitRequest{
		Token: "req-" + a.SampleID, SampleID: a.SampleID, Hedonic: goodScores(), JAR: goodJAR(pt),
	})
	if err != nil {
		t.Fatalf("Submit(%s) returned error: %v", a.SampleID, err)
	}
	return res
}

func TestFlowYogurtThenCheeseWithReveals(t *testing.T) {
	ctx := context.Background()
	h := newFlowHarness(t, models.EventActive)
	sess := Session{UserID: "u4", EventID: h.event.ID, Position: 4}
	yogurt := h.sequence(t, "yogurt", 4)
	cheese := h.sequence(t, "cheese", 4)

	state, err := h.flow.State(ctx, sess)
	if err != nil {
		t.Fatalf("State returned error: %v", err)
	}
	if state.Kind != FlowInTask || state.Task.SampleID != yogurt[0].SampleID {
		t.Fatalf("initial state = %+v, want in_task on %s", state, yogurt[0].SampleID)
	}
	if state.Total != 5 || state.Completed != 0 {
		t.Fatalf("progress = %d/%d, want 0/5", state.Completed, state.Total)
	}

	var res *SubmitResult
	for _, a := range yogurt {
		res = h.submit(t, sess, a, h.yogurt)
	}
	if res.State.Kind != FlowRevealPending {
		t.Fatalf("state after yogurt = %s, want reveal_pending", res.State.Kind)
	}
	reveal := res.State.Reveal
	if reveal.ProductType.ID != "yogurt" || len(reveal.Samples) != 3 {
		t.Fatalf("unexpected reveal %+v", reveal)
	}
	for i, entry := range reveal.Samples {
		if entry.SampleID != yogurt[i].SampleID || entry.BlindCode != yogurt[i].BlindCode {
			t.Fatalf("reveal[%d] = %+v, want sample %s code %s", i, entry, yogurt[i].SampleID, yogurt[i].BlindCode)
		}
		if entry.Brand == "" || entry.RetailerCode == "" {
			t.Fatalf("reveal[%d] missing brand mapping: %+v", i, entry)
		}
	}

	_, err = h.flow.Submit(ctx, sess, SubmitRequest{SampleID: cheese[0].SampleID, Hedonic: goodScores()})
	if !errors.Is(err, ErrRevealPending) {
		t.Fatalf("Submit during reveal error = %v, want ErrRevealPending", err)
	}
	if _, err := h.flow.ContinueAfterReveal(ctx, sess, "cheese"); !errors.Is(err, ErrNoRevealPending) {
		t.Fatalf("ContinueAfterReveal(cheese) error = %v, want ErrNoRevealPending", err)
	}

	state, err = h.flow.ContinueAfterReveal(ctx, sess, "yogurt")
	if err != nil {
		t.Fatalf("ContinueAfterReveal returned error: %v", err)
	}
	if state.Kind != FlowInTask || state.Task.SampleID != cheese[0].SampleID {
		t.Fatalf("state after reveal = %+v, want in_task on %s", state, cheese[0].SampleID)
	}
	again, err := h.flow.ContinueAfterReveal(ctx, sess, "yogurt")
	if err != nil {
		t.Fatalf("repeated ContinueAfterReveal returned error: %v", err)
	}
	if again.Kind != FlowInTask {
		t.Fatalf("repeated ContinueAfterReveal moved state to %s", again.Kind)
	}

	for _, a := range cheese {
		res = h.submit(t, sess, a, h.cheese)
	}
	// The last product type is revealed too, even though nothing follows it.
	if res.State.Kind != FlowRevealPending || res.State.Reveal.ProductType.ID != "cheese" {
		t.Fatalf("state after cheese = %+v, want reveal_pending for cheese", res.State)
	}
	done, err := h.flow.IsComplete(ctx, sess.UserID, sess.EventID)
	if err != nil || !done {
		t.Fatalf("IsComplete = %v, %v; want true, nil", done, err)
	}

	state, err = h.flow.ContinueAfterReveal(ctx, sess, "cheese")
	if err != nil {
		t.Fatalf("ContinueAfterReveal(cheese) returned error: %v", err)
	}
	if state.Kind != FlowComplete || state.Completed != 5 {
		t.Fatalf("final state = %+v, want complete 5/5", state)
	}
	_, err = h.flow.Submit(ctx, sess, SubmitRequest{SampleID: "cheese-unknown", Hedonic: goodScores()})
	if !errors.Is(err, ErrFlowComplete) {
		t.Fatalf("Submit after completion error = %v, want ErrFlowComplete", err)
	}
	// Completion is derived from storage and stays true.
	for i := 0; i < 3; i++ {
		state, err = h.flow.State(ctx, sess)
		if err != nil || state.Kind != FlowComplete {
			t.Fatalf("State #%d = %+v, %v; want complete", i, state, err)
		}
	}
}

func TestFlowRejectsOutOfSequenceSample(t *testing.T) {
	h := newFlowHarness(t, models.EventActive)
	sess := Session{UserID: "u2", EventID: h.event.ID, Position: 2}
	yogurt := h.sequence(t, "yogurt", 2)

	_, err := h.flow.Submit(context.Background(), sess, SubmitRequest{
		SampleID: yogurt[1].SampleID, Hedonic: goodScores(), JAR: goodJAR(h.yogurt),
	})
	if !errors.Is(err, ErrOutOfSequence) {
		t.Fatalf("error = %v, want ErrOutOfSequence", err)
	}
	if h.store.evaluationCount() != 0 {
		t.Fatalf("evaluations = %d, want 0", h.store.evaluationCount())
	}
}

func TestFlowSubmissionInProgress(t *testing.T) {
	ctx := context.Background()
	h := newFlowHarness(t, models.EventActive)
	sess := Session{UserID: "u3", EventID: h.event.ID, Position: 3}
	first := h.sequence(t, "yogurt", 3)[0]
	key := InFlightKey(sess.EventID, first.SampleID, sess.UserID)

	if ok, _ := h.guard.Acquire(ctx, key, "other-request", time.Minute); !ok {
		t.Fatalf("pre-acquire failed")
	}
	_, err := h.flow.Submit(ctx, sess, SubmitRequest{Token: "mine", SampleID: first.SampleID, Hedonic: goodScores(), JAR: goodJAR(h.yogurt)})
	if !errors.Is(err, ErrSubmissionInProgress) {
		t.Fatalf("error = %v, want ErrSubmissionInProgress", err)
	}
	if h.store.evaluationCount() != 0 {
		t.Fatalf("evaluations = %d, want 0", h.store.evaluationCount())
	}
	_ = h.guard.Release(ctx, key, "other-request")
	h.submit(t, sess, first, h.yogurt)
}

func TestFlowReleasesMarkerAfterRejectedSubmission(t *testing.T) {
	ctx := context.Background()
	h := newFlowHarness(t, models.EventActive)
	sess := Session{UserID: "u5", EventID: h.event.ID, Position: 5}
	first := h.sequence(t, "yogurt", 5)[0]

	_, err := h.flow.Submit(ctx, sess, SubmitRequest{SampleID: first.SampleID, Hedonic: goodScores(), JAR: map[string]int{"jar-sweet": 6, "jar-acid": 3}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	res := h.submit(t, sess, first, h.yogurt)
	if res.State.Task == nil || res.State.Task.Index != 2 {
		t.Fatalf("state after retry = %+v, want second yogurt task", res.State)
	}
}

func TestFlowStaleCompletionMismatch(t *testing.T) {
	h := newFlowHarness(t, models.EventActive)
	sess := Session{UserID: "u6", EventID: h.event.ID, Position: 6}
	// Five stored rows that match no sample of the plan: the count says done
	// while the sequencer still has work.
	h.store.listEvalsOverride = func(eventID, userID string) []*models.Evaluation {
		out := make([]*models.Evaluation, 0, 5)
		for i := 1; i <= 5; i++ {
			out = append(out, &models.Evaluation{ID: fmt.Sprintf("ghost-%d", i), SampleID: fmt.Sprintf("ghost-s%d", i), UserID: userID, EventID: eventID})
		}
		return out
	}
	_, err := h.flow.State(context.Background(), sess)
	if !errors.Is(err, ErrStaleCompletionMismatch) {
		t.Fatalf("error = %v, want ErrStaleCompletionMismatch", err)
	}
	if !IsFatal(err) {
		t.Fatalf("expected mismatch to be fatal")
	}
}

func TestFlowEventNotStarted(t *testing.T) {
	h := newFlowHarness(t, models.EventPreparation)
	_, err := h.flow.State(context.Background(), Session{UserID: "u1", EventID: h.event.ID, Position: 1})
	if !errors.Is(err, ErrEventNotActive) {
		t.Fatalf("error = %v, want ErrEventNotActive", err)
	}
}

func TestFlowClosedEventRefusesSubmissions(t *testing.T) {
	h := newFlowHarness(t, models.EventCompleted)
	sess := Session{UserID: "u1", EventID: h.event.ID, Position: 1}
	state, err := h.flow.State(context.Background(), sess)
	if err != nil {
		t.Fatalf("State returned error: %v", err)
	}
	_, err = h.flow.Submit(context.Background(), sess, SubmitRequest{SampleID: state.Task.SampleID, Hedonic: goodScores(), JAR: goodJAR(h.yogurt)})
	if !errors.Is(err, ErrEventNotActive) {
		t.Fatalf("error = %v, want ErrEventNotActive", err)
	}
}

func TestFlowResubmitIsDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newFlowHarness(t, models.EventActive)
	sess := Session{UserID: "u7", EventID: h.event.ID, Position: 7}
	yogurt := h.sequence(t, "yogurt", 7)
	cheese := h.sequence(t, "cheese", 7)
	h.submit(t, sess, yogurt[0], h.yogurt)

	resubmit := func(a models.Assignment, pt *models.ProductType) error {
		_, err := h.flow.Submit(ctx, sess, SubmitRequest{Token: "new-" + a.SampleID, SampleID: a.SampleID, Hedonic: goodScores(), JAR: goodJAR(pt)})
		return err
	}
	if err := resubmit(yogurt[0], h.yogurt); !errors.Is(err, ErrDuplicateEvaluation) {
		t.Fatalf("resubmit in task error = %v, want ErrDuplicateEvaluation", err)
	}
	if h.store.evaluationCount() != 1 {
		t.Fatalf("evaluations = %d, want 1", h.store.evaluationCount())
	}

	for _, a := range yogurt[1:] {
		h.submit(t, sess, a, h.yogurt)
	}
	if err := resubmit(yogurt[2], h.yogurt); !errors.Is(err, ErrDuplicateEvaluation) {
		t.Fatalf("resubmit during reveal error = %v, want ErrDuplicateEvaluation", err)
	}

	if _, err := h.flow.ContinueAfterReveal(ctx, sess, "yogurt"); err != nil {
		t.Fatalf("ContinueAfterReveal returned error: %v", err)
	}
	for _, a := range cheese {
		h.submit(t, sess, a, h.cheese)
	}
	if _, err := h.flow.ContinueAfterReveal(ctx, sess, "cheese"); err != nil {
		t.Fatalf("ContinueAfterReveal(cheese) returned error: %v", err)
	}
	if err := resubmit(cheese[0], h.cheese); !errors.Is(err, ErrDuplicateEvaluation) {
		t.Fatalf("resubmit after completion error = %v, want ErrDuplicateEvaluation", err)
	}
	if h.store.evaluationCount() != 5 {
		t.Fatalf("evaluations = %d, want 5", h.store.evaluationCount())
	}
}

func TestFlowSubmitSucceedsWhenNextStateFails(t *testing.T) {
	h := newFlowHarness(t, models.EventActive)
	sess := Session{UserID: "u8", EventID: h.event.ID, Position: 8}
	first := h.sequence(t, "yogurt", 8)[0]
	// After the row is written, reads disagree with the plan and the state
	// cannot be derived.
	h.store.insertHook = func() {
		h.store.listEvalsOverride = func(eventID, userID string) []*models.Evaluation {
			out := make([]*models.Evaluation, 0, 5)
			for i := 1; i <= 5; i++ {
				out = append(out, &models.Evaluation{ID: fmt.Sprintf("ghost-%d", i), SampleID: fmt.Sprintf("ghost-s%d", i), UserID: userID, EventID: eventID})
			}
			return out
		}
	}

	res, err := h.flow.Submit(context.Background(), sess, SubmitRequest{Token: "t1", SampleID: first.SampleID, Hedonic: goodScores(), JAR: goodJAR(h.yogurt)})
	if err != nil {
		t.Fatalf("Submit returned error %v for a committed write", err)
	}
	if res.Evaluation == nil || res.Evaluation.SampleID != first.SampleID {
		t.Fatalf("evaluation = %+v, want sample %s", res.Evaluation, first.SampleID)
	}
	if res.State != nil {
		t.Fatalf("state = %+v, want nil", res.State)
	}
	if h.store.evaluationCount() != 1 {
		t.Fatalf("evaluations = %d, want 1", h.store.evaluationCount())
	}
}

func TestFlowIsCompleteNeedsSamples(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	_ = store.CreateEvent(ctx, &models.Event{ID: "bare", Name: "Bare", Status: models.EventActive})
	flow := NewFlowController(store, NewSequencer(store, nopLogger()), newTestGateway(store), NewMemoryInFlight(), time.Minute, nopLogger())

	done, err := flow.IsComplete(ctx, "u1", "bare")
	if err != nil || done {
		t.Fatalf("IsComplete(no samples) = %v, %v; want false, nil", done, err)
	}
	_, err = flow.IsComplete(ctx, "u1", "missing")
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorNotFound {
		t.Fatalf("IsComplete(missing) error = %v, want not_found", err)
	}
}
