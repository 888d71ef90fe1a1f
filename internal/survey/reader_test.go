package survey_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"

	"github.com/bs-education/feedback-dispatch/internal/db/dbtest"
	"github.com/bs-education/feedback-dispatch/internal/survey"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad_NotFound(t *testing.T) {
	f := dbtest.New()
	f.Fail["ListSessionsWithInstructor"] = errors.New("must not be called")

	_, err := survey.NewReader(f, discardLogger()).Load(context.Background(), uuid.New())
	if !errors.Is(err, survey.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoad_OnlyTestResponsesIsEmpty(t *testing.T) {
	f := dbtest.New()
	sid := f.AddSurvey("리더십 과정")
	f.AddResponses(sid, uuid.Nil, 3, true)

	_, err := survey.NewReader(f, discardLogger()).Load(context.Background(), sid)
	if !errors.Is(err, survey.ErrNoResponses) {
		t.Fatalf("expected ErrNoResponses, got %v", err)
	}
}

func TestLoad_DeduplicatesInstructorsAcrossSources(t *testing.T) {
	f := dbtest.New()
	sid := f.AddSurvey("리더십 과정")
	kim := f.AddInstructor("Kim", "kim@example.com")
	lee := f.AddInstructor("Lee", "lee@example.com")
	park := f.AddInstructor("Park", "")

	s := f.Surveys[sid]
	s.InstructorID = uuid.NullUUID{UUID: kim, Valid: true}
	f.Surveys[sid] = s
	f.SurveyInstructor[sid] = []uuid.UUID{kim, park}

	sessA := f.AddSession(sid, "리더십 기초", kim)
	sessB := f.AddSession(sid, "코칭 실습", lee)
	f.AddSession(sid, "오리엔테이션", uuid.Nil)
	f.AddResponses(sid, sessA, 1, false)

	g, err := survey.NewReader(f, discardLogger()).Load(context.Background(), sid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []uuid.UUID{kim, park, lee}
	if len(g.Instructors) != len(want) {
		t.Fatalf("instructors = %d, want %d", len(g.Instructors), len(want))
	}
	for i, id := range want {
		if g.Instructors[i].ID != id {
			t.Errorf("instructors[%d] = %s, want %s", i, g.Instructors[i].Name, id)
		}
	}
	if g.SessionInstructorID[sessB] != lee {
		t.Error("session B must map to Lee")
	}
	if g.SessionInstructorName[sessA] != "Kim" {
		t.Errorf("session A name = %q", g.SessionInstructorName[sessA])
	}
	if len(g.SessionInstructorID) != 2 {
		t.Errorf("unlinked session must not be mapped, got %d entries", len(g.SessionInstructorID))
	}
	if got := g.InstructorNames(); len(got) != 3 {
		t.Errorf("names = %v", got)
	}
}

func TestGraph_ResponseSetByInstructor(t *testing.T) {
	f := dbtest.New()
	sid := f.AddSurvey("리더십 과정")
	kim := f.AddInstructor("Kim", "kim@example.com")
	lee := f.AddInstructor("Lee", "lee@example.com")
	sessA := f.AddSession(sid, "A", kim)
	sessB := f.AddSession(sid, "B", lee)
	f.AddResponses(sid, sessA, 6, false)
	f.AddResponses(sid, sessB, 4, false)
	f.AddResponses(sid, uuid.Nil, 2, false)
	f.AddResponses(sid, sessA, 5, true)

	g, err := survey.NewReader(f, discardLogger()).Load(context.Background(), sid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all := len(g.ResponseSet(nil))
	perKim := len(g.ResponseSet(&kim))
	perLee := len(g.ResponseSet(&lee))
	if all != 12 {
		t.Errorf("all = %d, want 12 (test responses excluded)", all)
	}
	if perKim != 6 || perLee != 4 {
		t.Errorf("kim=%d lee=%d, want 6 and 4", perKim, perLee)
	}
	if perKim+perLee > all {
		t.Error("per-instructor shares exceed the total")
	}

	nobody := uuid.New()
	if n := len(g.ResponseSet(&nobody)); n != 0 {
		t.Errorf("unknown instructor share = %d, want 0", n)
	}
}

func TestLoad_MissingAssignedInstructorIsTolerated(t *testing.T) {
	f := dbtest.New()
	sid := f.AddSurvey("리더십 과정")
	s := f.Surveys[sid]
	s.InstructorID = uuid.NullUUID{UUID: uuid.New(), Valid: true}
	s.Title = null.StringFrom("")
	f.Surveys[sid] = s
	f.AddResponses(sid, uuid.Nil, 1, false)

	g, err := survey.NewReader(f, discardLogger()).Load(context.Background(), sid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Instructors) != 0 {
		t.Errorf("instructors = %d, want 0", len(g.Instructors))
	}
	if g.Survey.DisplayTitle() != "리더십 과정" {
		t.Errorf("title fallback = %q", g.Survey.DisplayTitle())
	}
}
