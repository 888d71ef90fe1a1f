package report_test

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bs-education/feedback-dispatch/internal/aggregate"
	"github.com/bs-education/feedback-dispatch/internal/report"
)

type builder struct {
	answers   []aggregate.Answer
	responses []uuid.UUID
}

func (b *builder) rate(q, session uuid.UUID, cat aggregate.Category, scores ...int) {
	for _, s := range scores {
		r := uuid.New()
		b.responses = append(b.responses, r)
		b.answers = append(b.answers, aggregate.Answer{
			ResponseID:   r,
			QuestionID:   q,
			QuestionText: "강사의 전달력은 어떠했습니까?",
			QuestionType: aggregate.TypeRating,
			Category:     cat,
			SessionID:    uuid.NullUUID{UUID: session, Valid: session != uuid.Nil},
			Value:        json.RawMessage(strconv.Itoa(s)),
		})
	}
}

func (b *builder) comment(q uuid.UUID, text string) {
	r := uuid.New()
	b.responses = append(b.responses, r)
	b.answers = append(b.answers, aggregate.Answer{
		ResponseID: r, QuestionID: q, QuestionText: "기타 의견", QuestionType: aggregate.TypeText, Text: text,
	})
}

func build(t *testing.T, b *builder, names map[uuid.UUID]string) report.Content {
	t.Helper()
	year, round := 2025, 3
	c, err := report.Build(report.Input{
		Title:              "2025-3 리더십 과정",
		Year:               &year,
		Round:              &round,
		InstructorNames:    []string{"Kim", "Lee"},
		Result:             aggregate.Aggregate(b.answers, aggregate.NewResponseSet(b.responses...)),
		SessionNames:       names,
		SessionInstructors: names,
		GeneratedAt:        time.Date(2025, 3, 14, 1, 0, 0, 0, time.UTC),
		DashboardURL:       "https://feedback.example.com",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return c
}

func TestSubject(t *testing.T) {
	tests := []struct{ title, course, want string }{
		{"리더십", "코스", "📊 설문 결과 발송: 리더십"},
		{"", "코스", "📊 설문 결과 발송: 코스"},
		{"", "", "📊 설문 결과 발송: 설문"},
	}
	for _, tt := range tests {
		if got := report.Subject(tt.title, tt.course); got != tt.want {
			t.Errorf("Subject(%q,%q) = %q, want %q", tt.title, tt.course, got, tt.want)
		}
	}
}

func TestBuild_AverageLineAndSummary(t *testing.T) {
	var b builder
	sess := uuid.New()
	b.rate(uuid.New(), sess, aggregate.CategoryInstructor, 8, 9, 10, 7, 8, 9)

	c := build(t, &b, map[uuid.UUID]string{sess: "Kim"})

	for _, want := range []string{"평균 점수:", "8.5점", "(6명 응답)", "2025년 (3차)", "2025. 3. 14.", "Kim, Lee", "6명"} {
		if !strings.Contains(c.HTML, want) {
			t.Errorf("html missing %q", want)
		}
	}
	if !strings.Contains(c.Text, "-> 평균: 8.5점 (6명)") {
		t.Errorf("text body missing average line:\n%s", c.Text)
	}
	if strings.Contains(c.HTML, "low-satisfaction") {
		t.Error("8.5 must not be flagged low")
	}
}

func TestBuild_LowSatisfactionHeader(t *testing.T) {
	var b builder
	sess := uuid.New()
	b.rate(uuid.New(), sess, aggregate.CategoryInstructor, 6, 7, 6, 5)

	c := build(t, &b, map[uuid.UUID]string{sess: "Lee"})

	if !strings.Contains(c.HTML, "low-satisfaction") || !strings.Contains(c.HTML, "#b91c1c") {
		t.Error("6.0 session must use the low-satisfaction header")
	}
	if !strings.Contains(c.HTML, "⚠️ 만족도 6.0") {
		t.Error("missing warning badge")
	}
	if !strings.Contains(c.Text, "⚠️ 만족도: 6.0점") {
		t.Errorf("text body missing flagged session line:\n%s", c.Text)
	}
}

func TestBuild_SessionHeaderOncePerSession(t *testing.T) {
	var b builder
	a, bb := uuid.New(), uuid.New()
	b.rate(uuid.New(), a, aggregate.CategoryInstructor, 9)
	b.rate(uuid.New(), bb, aggregate.CategoryInstructor, 8)
	b.rate(uuid.New(), a, aggregate.CategoryCourse, 7)

	c := build(t, &b, map[uuid.UUID]string{a: "세션A", bb: "세션B"})

	if n := strings.Count(c.HTML, `class="session-header`); n != 2 {
		t.Errorf("session headers = %d, want 2", n)
	}
	// Both session A questions render before session B's header.
	first := strings.Index(c.HTML, "세션A")
	second := strings.Index(c.HTML, "세션B")
	if first < 0 || second < 0 || first > second {
		t.Error("session A must come first")
	}
	if strings.Count(c.HTML, "평균 점수:") != 3 {
		t.Error("expected three question blocks")
	}
}

func TestBuild_DistributionRows(t *testing.T) {
	q := uuid.New()
	var answers []aggregate.Answer
	var ids []uuid.UUID
	for _, label := range []string{"만족", "만족", "보통", "만족"} {
		r := uuid.New()
		ids = append(ids, r)
		answers = append(answers, aggregate.Answer{
			ResponseID: r, QuestionID: q, QuestionText: "전반적 만족도",
			QuestionType: aggregate.TypeSingleChoice, Value: json.RawMessage(`"` + label + `"`),
		})
	}

	c, err := report.Build(report.Input{
		Title:  "설문",
		Result: aggregate.Aggregate(answers, aggregate.NewResponseSet(ids...)),
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"3명 (75.0%)", "1명 (25.0%)", "width:75%", "width:25%"} {
		if !strings.Contains(c.HTML, want) {
			t.Errorf("html missing %q", want)
		}
	}
	if !strings.Contains(c.Text, "   - 만족: 3명") {
		t.Errorf("text missing distribution row:\n%s", c.Text)
	}
	if strings.Contains(c.HTML, "시스템 바로가기") {
		t.Error("link must be omitted without a dashboard url")
	}
}

func TestBuild_EscapesFreeText(t *testing.T) {
	var b builder
	q := uuid.New()
	b.comment(q, "<script>alert(1)</script>")
	b.comment(q, "좋았습니다")

	c := build(t, &b, nil)

	if strings.Contains(c.HTML, "<script>") {
		t.Error("free text must be escaped")
	}
	if !strings.Contains(c.HTML, "2건의 의견:") || !strings.Contains(c.HTML, "#2") {
		t.Error("missing numbered comments")
	}
	if !strings.Contains(c.Text, "   2) 좋았습니다") {
		t.Errorf("text missing numbered comment:\n%s", c.Text)
	}
}

func TestBuild_NoInstructorsFallback(t *testing.T) {
	c, err := report.Build(report.Input{Title: "설문"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(c.HTML, "미등록") {
		t.Error("expected 미등록 when no instructor names")
	}
	if !strings.Contains(c.HTML, "0명") {
		t.Error("expected zero respondents")
	}
}
