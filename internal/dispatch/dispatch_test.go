package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bs-education/feedback-dispatch/internal/alert"
	"github.com/bs-education/feedback-dispatch/internal/db"
	"github.com/bs-education/feedback-dispatch/internal/db/dbtest"
	"github.com/bs-education/feedback-dispatch/internal/dispatch"
	"github.com/bs-education/feedback-dispatch/internal/email"
	"github.com/bs-education/feedback-dispatch/internal/store"
	"github.com/bs-education/feedback-dispatch/internal/survey"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ─── STUB SENDER ──────────────────────────────────────────────────────────────

type stubSender struct {
	mu    sync.Mutex
	sent  []email.Message
	fails map[string]error
}

func newStubSender() *stubSender {
	return &stubSender{fails: make(map[string]error)}
}

func (s *stubSender) Send(_ context.Context, m email.Message) (email.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fails[m.To]; err != nil {
		return email.Result{}, err
	}
	s.sent = append(s.sent, m)
	return email.Result{ID: "msg-" + m.To}, nil
}

func (s *stubSender) to(addr string) (email.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.sent {
		if m.To == addr {
			return m, true
		}
	}
	return email.Message{}, false
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// slowSender holds every call for delay and records the peak number of calls
// in flight at once.
type slowSender struct {
	delay time.Duration

	mu       sync.Mutex
	inflight int
	peak     int
	calls    int
}

func (s *slowSender) Send(_ context.Context, m email.Message) (email.Result, error) {
	s.mu.Lock()
	s.inflight++
	s.calls++
	s.peak = max(s.peak, s.inflight)
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
	return email.Result{ID: "msg-" + m.To}, nil
}

func (s *slowSender) stats() (calls, peak int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.peak
}

// ─── FIXTURE ──────────────────────────────────────────────────────────────────

type fixture struct {
	db       *dbtest.Fake
	sender   *stubSender
	surveyID uuid.UUID
	kim, lee uuid.UUID
	sessA    uuid.UUID
	sessB    uuid.UUID
}

// newS1 builds two sessions: A taught by Kim with six responses and B taught
// by Lee with four, one instructor rating question each, and one director.
func newS1() *fixture {
	f := dbtest.New()
	fx := &fixture{db: f, sender: newStubSender()}

	fx.surveyID = f.AddSurvey("2025-1 리더십 과정")
	fx.kim = f.AddInstructor("Kim", "kim@x.com")
	fx.lee = f.AddInstructor("Lee", "lee@x.com")
	fx.sessA = f.AddSession(fx.surveyID, "세션A", fx.kim)
	fx.sessB = f.AddSession(fx.surveyID, "세션B", fx.lee)

	a := f.AddResponses(fx.surveyID, fx.sessA, 6, false)
	b := f.AddResponses(fx.surveyID, fx.sessB, 4, false)
	f.AddRatings("강사 A 만족도", "instructor", fx.sessA, a, 8, 9, 10, 7, 8, 9)
	f.AddRatings("강사 B 만족도", "instructor", fx.sessB, b, 6, 7, 6, 5)

	f.AddUser("boss@x.com", uuid.Nil, db.RoleDirector)
	return fx
}

func (fx *fixture) dispatcher(cfg dispatch.Config) *dispatch.Dispatcher {
	if cfg.Interval == 0 {
		cfg.Interval = time.Millisecond
	}
	return dispatch.New(fx.db, fx.sender, store.New(nil, fx.db), alert.Nop{}, cfg, discardLogger())
}

func (fx *fixture) auditPayload(t *testing.T) map[string]any {
	t.Helper()
	require.Len(t, fx.db.Logs, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(fx.db.Logs[0].Results.RawMessage, &payload))
	return payload
}

// ─── SEND ─────────────────────────────────────────────────────────────────────

func TestSend_DirectorAndInstructors(t *testing.T) {
	fx := newS1()
	d := fx.dispatcher(dispatch.Config{})

	del, err := d.Send(context.Background(), dispatch.Request{
		SurveyID:   fx.surveyID,
		Recipients: []string{"director", "instructor"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, del.SentCount)
	assert.Equal(t, 0, del.FailedCount)
	assert.Equal(t, dispatch.RunSuccess, del.Status)
	assert.Len(t, del.Results, 3)
	assert.NotNil(t, del.LogID)

	kim, ok := fx.sender.to("kim@x.com")
	require.True(t, ok, "kim must receive mail")
	assert.Contains(t, kim.HTML, "8.5점")
	assert.Contains(t, kim.HTML, "(6명 응답)")
	assert.NotContains(t, kim.HTML, "세션B")
	assert.Equal(t, "📊 설문 결과 발송: 2025-1 리더십 과정", kim.Subject)
	assert.NotEmpty(t, kim.Text)

	lee, ok := fx.sender.to("lee@x.com")
	require.True(t, ok, "lee must receive mail")
	assert.Contains(t, lee.HTML, "6점")
	assert.Contains(t, lee.HTML, "(4명 응답)")
	assert.Contains(t, lee.HTML, "low-satisfaction")

	boss, ok := fx.sender.to("boss@x.com")
	require.True(t, ok, "director must receive mail")
	assert.Contains(t, boss.HTML, "7.5")
	assert.Contains(t, boss.HTML, "세션A")
	assert.Contains(t, boss.HTML, "세션B")

	log := fx.db.Logs[0]
	assert.Equal(t, 3, log.SentCount)
	assert.Equal(t, "success", log.Status)
	assert.ElementsMatch(t, []string{"boss@x.com", "kim@x.com", "lee@x.com"}, []string(log.Recipients))

	stats := fx.auditPayload(t)["statistics"].(map[string]any)
	assert.Equal(t, map[string]any{"full": float64(1), "filtered": float64(2)}, stats["by_scope"])
	assert.Equal(t, float64(3), stats["sent"])
}

func TestSend_ResultOrderFollowsJobOrder(t *testing.T) {
	fx := newS1()
	d := fx.dispatcher(dispatch.Config{Strategy: dispatch.StrategySequential})

	del, err := d.Send(context.Background(), dispatch.Request{
		SurveyID:   fx.surveyID,
		Recipients: []string{"director", "instructor", "guest@x.com"},
	})
	require.NoError(t, err)

	var got []string
	for _, o := range del.Details {
		got = append(got, o.Email)
	}
	assert.Equal(t, []string{"boss@x.com", "kim@x.com", "lee@x.com", "guest@x.com"}, got)
}

func TestSend_SkipsInstructorWithoutResponses(t *testing.T) {
	fx := newS1()
	park := fx.db.AddInstructor("Park", "park@x.com")
	fx.db.AddSession(fx.surveyID, "세션C", park)

	d := fx.dispatcher(dispatch.Config{})
	del, err := d.Send(context.Background(), dispatch.Request{
		SurveyID:            fx.surveyID,
		Recipients:          []string{"instructor"},
		TargetInstructorIDs: []uuid.UUID{park},
	})
	require.NoError(t, err)

	require.Len(t, del.Details, 1)
	assert.Equal(t, dispatch.StatusSkipped, del.Details[0].Status)
	assert.Equal(t, dispatch.ReasonNoResponses, del.Details[0].Reason)
	assert.Equal(t, 0, fx.sender.count(), "no provider call for an empty share")
	assert.Equal(t, dispatch.RunFailed, del.Status)
	assert.Empty(t, del.Results)
}

func TestSend_DuplicatesSentOnce(t *testing.T) {
	fx := newS1()
	d := fx.dispatcher(dispatch.Config{})

	del, err := d.Send(context.Background(), dispatch.Request{
		SurveyID:   fx.surveyID,
		Recipients: []string{"boss@x.com", "BOSS@x.com", "director"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fx.sender.count())
	assert.Equal(t, 1, del.SentCount)

	stats := fx.auditPayload(t)["statistics"].(map[string]any)
	assert.Equal(t, float64(2), stats["duplicate_blocked"])
}

func TestSend_EmptySurveyNeverSends(t *testing.T) {
	f := dbtest.New()
	sid := f.AddSurvey("빈 설문")
	f.AddResponses(sid, uuid.Nil, 2, true)
	sender := newStubSender()

	d := dispatch.New(f, sender, store.New(nil, f), alert.Nop{}, dispatch.Config{}, discardLogger())
	_, err := d.Send(context.Background(), dispatch.Request{SurveyID: sid, Recipients: []string{"a@x.com"}})

	assert.ErrorIs(t, err, survey.ErrNoResponses)
	assert.Equal(t, 0, sender.count())
	assert.Equal(t, 0, f.LogCount())
}

func TestSend_MailerNotConfigured(t *testing.T) {
	fx := newS1()
	d := dispatch.New(fx.db, nil, store.New(nil, fx.db), alert.Nop{}, dispatch.Config{}, discardLogger())

	_, err := d.Send(context.Background(), dispatch.Request{SurveyID: fx.surveyID, Recipients: []string{"director"}})
	assert.ErrorIs(t, err, dispatch.ErrMailerNotConfigured)

	_, err = d.Preview(context.Background(), dispatch.Request{SurveyID: fx.surveyID})
	assert.ErrorIs(t, err, dispatch.ErrMailerNotConfigured)
}

func TestSend_PartialFailure(t *testing.T) {
	fx := newS1()
	fx.sender.fails["kim@x.com"] = &email.ProviderError{Provider: "resend", StatusCode: 422, Message: "invalid"}
	fx.sender.fails["lee@x.com"] = errors.New("connection reset")

	d := fx.dispatcher(dispatch.Config{})
	del, err := d.Send(context.Background(), dispatch.Request{
		SurveyID:   fx.surveyID,
		Recipients: []string{"director", "instructor"},
	})
	require.NoError(t, err)

	statuses := map[string]dispatch.Status{}
	for _, o := range del.Details {
		statuses[o.Email] = o.Status
	}
	assert.Equal(t, dispatch.StatusSent, statuses["boss@x.com"])
	assert.Equal(t, dispatch.StatusFailed, statuses["kim@x.com"])
	assert.Equal(t, dispatch.StatusError, statuses["lee@x.com"])

	assert.Equal(t, dispatch.RunPartial, del.Status)
	assert.Equal(t, 1, del.SentCount)
	assert.Equal(t, 2, del.FailedCount)
	assert.Equal(t, "partial", fx.db.Logs[0].Status)
	assert.Equal(t, 2, fx.db.Logs[0].FailedCount)
}

func TestSend_AdminExcludedUnlessEnabled(t *testing.T) {
	fx := newS1()
	fx.db.AddUser("root@x.com", uuid.Nil, db.RoleAdmin)

	del, err := fx.dispatcher(dispatch.Config{}).Send(context.Background(), dispatch.Request{
		SurveyID:   fx.surveyID,
		Recipients: []string{"admin"},
	})
	require.NoError(t, err)
	require.Len(t, del.Details, 1)
	assert.Equal(t, dispatch.StatusSkipped, del.Details[0].Status)
	assert.Equal(t, dispatch.ReasonAdminExcluded, del.Details[0].Reason)
	assert.Equal(t, 0, fx.sender.count())

	del, err = fx.dispatcher(dispatch.Config{IncludeAdmin: true}).Send(context.Background(), dispatch.Request{
		SurveyID:   fx.surveyID,
		Recipients: []string{"admin"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, del.SentCount)
	assert.Equal(t, dispatch.ScopeFull, del.Details[0].Scope)
}

type recordingReporter struct {
	alert.Nop
	errs []error
}

func (r *recordingReporter) Error(_ context.Context, err error, _ map[string]any) {
	r.errs = append(r.errs, err)
}

func TestSend_AuditFailureDoesNotFailRun(t *testing.T) {
	fx := newS1()
	fx.db.Fail["InsertEmailLog"] = errors.New("disk full")
	rep := &recordingReporter{}

	d := dispatch.New(fx.db, fx.sender, store.New(nil, fx.db), rep, dispatch.Config{Interval: time.Millisecond}, discardLogger())
	del, err := d.Send(context.Background(), dispatch.Request{SurveyID: fx.surveyID, Recipients: []string{"director"}})

	require.NoError(t, err)
	assert.Equal(t, 1, del.SentCount)
	assert.Nil(t, del.LogID)
	assert.Len(t, rep.errs, 1)
}

func TestSend_CancelledCallerStillFinishes(t *testing.T) {
	fx := newS1()
	ctx, cancel := context.WithCancel(context.Background())

	d := fx.dispatcher(dispatch.Config{Strategy: dispatch.StrategySequential, Interval: 5 * time.Millisecond})
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()
	del, err := d.Send(ctx, dispatch.Request{SurveyID: fx.surveyID, Recipients: []string{"director", "instructor"}})

	require.NoError(t, err)
	assert.Equal(t, 3, del.SentCount)
}

func literalRecipients(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("r%02d@x.com", i)
	}
	return out
}

func TestSend_BatchBoundsInFlightCalls(t *testing.T) {
	cases := []struct {
		name     string
		strategy dispatch.Strategy
		maxPeak  int
	}{
		{"batched", dispatch.StrategyBatched, 5},
		{"sequential", dispatch.StrategySequential, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newS1()
			sender := &slowSender{delay: 20 * time.Millisecond}
			cfg := dispatch.Config{Strategy: tc.strategy, Interval: time.Millisecond}
			d := dispatch.New(fx.db, sender, store.New(nil, fx.db), alert.Nop{}, cfg, discardLogger())

			del, err := d.Send(context.Background(), dispatch.Request{
				SurveyID:   fx.surveyID,
				Recipients: literalRecipients(12),
			})
			require.NoError(t, err)
			assert.Equal(t, 12, del.SentCount)

			calls, peak := sender.stats()
			assert.Equal(t, 12, calls)
			assert.LessOrEqual(t, peak, tc.maxPeak)
			if tc.maxPeak > 1 {
				assert.Greater(t, peak, 1, "batch members should run concurrently")
			}
		})
	}
}

func TestSend_DefaultPresetPacesProviderCalls(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the real send interval")
	}

	fx := newS1()
	sender := &slowSender{delay: 20 * time.Millisecond}
	size, interval := dispatch.Preset(dispatch.StrategyBatched)
	d := dispatch.New(fx.db, sender, store.New(nil, fx.db), alert.Nop{}, dispatch.Config{}, discardLogger())

	const n = 12
	start := time.Now()
	del, err := d.Send(context.Background(), dispatch.Request{
		SurveyID:   fx.surveyID,
		Recipients: literalRecipients(n),
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, n, del.SentCount)

	_, peak := sender.stats()
	assert.LessOrEqual(t, peak, size)
	assert.GreaterOrEqual(t, elapsed, time.Duration(n-size)*interval)
}

// ─── PREVIEW ──────────────────────────────────────────────────────────────────

func TestPreview_UsesFirstInstructorScope(t *testing.T) {
	fx := newS1()
	d := fx.dispatcher(dispatch.Config{})

	p, err := d.Preview(context.Background(), dispatch.Request{
		SurveyID:   fx.surveyID,
		Recipients: []string{"director", "instructor"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"boss@x.com", "kim@x.com", "lee@x.com"}, p.Recipients)
	require.NotNil(t, p.InstructorID)
	assert.Equal(t, fx.kim, *p.InstructorID)
	assert.Equal(t, "미리보기: 강사님께는 본인의 과목 결과만 전송됩니다.", p.Note)
	assert.Contains(t, p.HTML, "8.5점")
	assert.False(t, strings.Contains(p.HTML, "세션B"))

	assert.Equal(t, 0, fx.sender.count(), "preview never sends")
	assert.Equal(t, 0, fx.db.LogCount(), "preview never logs")
}

func TestPreview_FullScopeNote(t *testing.T) {
	fx := newS1()
	p, err := fx.dispatcher(dispatch.Config{}).Preview(context.Background(), dispatch.Request{
		SurveyID:   fx.surveyID,
		Recipients: []string{"director"},
	})
	require.NoError(t, err)
	assert.Nil(t, p.InstructorID)
	assert.Equal(t, "미리보기: 전체 결과가 표시됩니다.", p.Note)
	assert.Contains(t, p.HTML, "세션B")
}

// ─── AUDIT PAYLOAD ────────────────────────────────────────────────────────────

func TestAuditPayload_AnalysisCoversAllResponses(t *testing.T) {
	fx := newS1()
	d := fx.dispatcher(dispatch.Config{})

	_, err := d.Send(context.Background(), dispatch.Request{SurveyID: fx.surveyID, Recipients: []string{"kim@x.com"}})
	require.NoError(t, err)

	payload := fx.auditPayload(t)
	info := payload["survey_info"].(map[string]any)
	assert.Equal(t, float64(10), info["response_count"])
	assert.Equal(t, "Unknown", info["author_name"])
	assert.Equal(t, "Kim, Lee", info["instructor"])

	analysis := payload["question_analysis"].(map[string]any)
	assert.Len(t, analysis, 2, "both sessions' questions, whatever kim was sent")

	byRole := payload["statistics"].(map[string]any)["by_role"].(map[string]any)
	assert.Contains(t, byRole, "instructor")
}
