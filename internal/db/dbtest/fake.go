// Package dbtest provides an in-memory db.Querier for tests in other
// packages. It models only the columns the service reads.
package dbtest

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bs-education/feedback-dispatch/internal/db"
)

// Fake is a db.Querier backed by slices and maps. Set Fail[method] to make a
// method return that error.
type Fake struct {
	mu sync.Mutex

	Surveys          map[uuid.UUID]db.Survey
	Sessions         []db.SessionWithInstructor
	Instructors      map[uuid.UUID]db.Instructor
	SurveyInstructor map[uuid.UUID][]uuid.UUID
	Responses        []db.Response
	Answers          []db.AnswerWithQuestion
	Roles            []db.UserRole
	Profiles         []db.Profile
	Logs             []db.EmailLog
	Settings         map[string]string
	Due              []db.DueSurvey

	Fail map[string]error
}

var _ db.Querier = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Surveys:          make(map[uuid.UUID]db.Survey),
		Instructors:      make(map[uuid.UUID]db.Instructor),
		SurveyInstructor: make(map[uuid.UUID][]uuid.UUID),
		Settings:         make(map[string]string),
		Fail:             make(map[string]error),
	}
}

func (f *Fake) fail(method string) error {
	return f.Fail[method]
}

// ─── SURVEY GRAPH ─────────────────────────────────────────────────────────────

func (f *Fake) GetSurvey(_ context.Context, id uuid.UUID) (db.Survey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetSurvey"); err != nil {
		return db.Survey{}, err
	}
	s, ok := f.Surveys[id]
	if !ok {
		return db.Survey{}, sql.ErrNoRows
	}
	return s, nil
}

func (f *Fake) ListSessionsWithInstructor(_ context.Context, surveyID uuid.UUID) ([]db.SessionWithInstructor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListSessionsWithInstructor"); err != nil {
		return nil, err
	}
	var out []db.SessionWithInstructor
	for _, s := range f.Sessions {
		if s.SurveyID != surveyID {
			continue
		}
		if s.InstructorID.Valid {
			if inst, ok := f.Instructors[s.InstructorID.UUID]; ok {
				s.InstructorName, s.InstructorEmail = inst.Name, inst.Email
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *Fake) GetInstructor(_ context.Context, id uuid.UUID) (db.Instructor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetInstructor"); err != nil {
		return db.Instructor{}, err
	}
	i, ok := f.Instructors[id]
	if !ok {
		return db.Instructor{}, sql.ErrNoRows
	}
	return i, nil
}

func (f *Fake) ListSurveyInstructors(_ context.Context, surveyID uuid.UUID) ([]db.Instructor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListSurveyInstructors"); err != nil {
		return nil, err
	}
	var out []db.Instructor
	for _, id := range f.SurveyInstructor[surveyID] {
		if i, ok := f.Instructors[id]; ok {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *Fake) ListProductionResponses(_ context.Context, surveyID uuid.UUID) ([]db.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListProductionResponses"); err != nil {
		return nil, err
	}
	var out []db.Response
	for _, r := range f.Responses {
		if r.SurveyID == surveyID && !r.IsTest.Bool {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *Fake) ListAnswersByResponseIDs(_ context.Context, responseIDs []uuid.UUID) ([]db.AnswerWithQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListAnswersByResponseIDs"); err != nil {
		return nil, err
	}
	want := make(map[uuid.UUID]bool, len(responseIDs))
	for _, id := range responseIDs {
		want[id] = true
	}
	var out []db.AnswerWithQuestion
	for _, a := range f.Answers {
		if want[a.ResponseID] {
			out = append(out, a)
		}
	}
	return out, nil
}

// ─── ROLES / PROFILES ─────────────────────────────────────────────────────────

func (f *Fake) ListRolesOfUsersHoldingAny(_ context.Context, roles []db.Role) ([]db.UserRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListRolesOfUsersHoldingAny"); err != nil {
		return nil, err
	}
	holders := make(map[uuid.UUID]bool)
	for _, ur := range f.Roles {
		for _, r := range roles {
			if ur.Role == r {
				holders[ur.UserID] = true
			}
		}
	}
	var out []db.UserRole
	for _, ur := range f.Roles {
		if holders[ur.UserID] {
			out = append(out, ur)
		}
	}
	return out, nil
}

func (f *Fake) ListRolesByUserIDs(_ context.Context, userIDs []uuid.UUID) ([]db.UserRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListRolesByUserIDs"); err != nil {
		return nil, err
	}
	want := make(map[uuid.UUID]bool, len(userIDs))
	for _, id := range userIDs {
		want[id] = true
	}
	var out []db.UserRole
	for _, ur := range f.Roles {
		if want[ur.UserID] {
			out = append(out, ur)
		}
	}
	return out, nil
}

func (f *Fake) ListProfilesByIDs(_ context.Context, ids []uuid.UUID) ([]db.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListProfilesByIDs"); err != nil {
		return nil, err
	}
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []db.Profile
	for _, p := range f.Profiles {
		if want[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *Fake) ListProfilesByEmails(_ context.Context, emails []string) ([]db.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListProfilesByEmails"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(emails))
	for _, e := range emails {
		want[e] = true
	}
	var out []db.Profile
	for _, p := range f.Profiles {
		if want[strings.ToLower(p.Email.String)] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *Fake) ListInstructorEmails(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListInstructorEmails"); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, i := range f.Instructors {
		e := strings.ToLower(i.Email.String)
		if e != "" && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) ListProfileEmailsByRoles(_ context.Context, roles []db.Role) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListProfileEmailsByRoles"); err != nil {
		return nil, err
	}
	holders := make(map[uuid.UUID]bool)
	for _, ur := range f.Roles {
		for _, r := range roles {
			if ur.Role == r {
				holders[ur.UserID] = true
			}
		}
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range f.Profiles {
		e := strings.ToLower(p.Email.String)
		if holders[p.ID] && e != "" && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ─── EMAIL LOGS ───────────────────────────────────────────────────────────────

func (f *Fake) InsertEmailLog(_ context.Context, p db.InsertEmailLogParams) (db.EmailLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("InsertEmailLog"); err != nil {
		return db.EmailLog{}, err
	}
	l := db.EmailLog{
		ID:          uuid.New(),
		SurveyID:    p.SurveyID,
		Recipients:  p.Recipients,
		Status:      p.Status,
		SentCount:   p.SentCount,
		FailedCount: p.FailedCount,
		Results:     p.Results,
		CreatedAt:   time.Now(),
	}
	f.Logs = append(f.Logs, l)
	return l, nil
}

func (f *Fake) ListEmailLogs(_ context.Context, p db.ListEmailLogsParams) ([]db.EmailLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListEmailLogs"); err != nil {
		return nil, err
	}
	var out []db.EmailLog
	for i := len(f.Logs) - 1; i >= 0; i-- {
		l := f.Logs[i]
		if p.SurveyID.Valid && l.SurveyID != p.SurveyID.UUID {
			continue
		}
		if p.Status.Valid && l.Status != p.Status.String {
			continue
		}
		out = append(out, l)
		if p.Limit > 0 && len(out) == p.Limit {
			break
		}
	}
	return out, nil
}

// ─── SETTINGS ─────────────────────────────────────────────────────────────────

func (f *Fake) GetCronSetting(_ context.Context, key string) (db.CronSetting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("GetCronSetting"); err != nil {
		return db.CronSetting{}, err
	}
	v, ok := f.Settings[key]
	if !ok {
		return db.CronSetting{}, sql.ErrNoRows
	}
	return db.CronSetting{Key: key, Value: v}, nil
}

func (f *Fake) InsertCronSetting(_ context.Context, key, value string) (db.CronSetting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Settings[key] = value
	return db.CronSetting{Key: key, Value: value}, nil
}

func (f *Fake) UpdateCronSetting(_ context.Context, key, value string) (db.CronSetting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Settings[key]; !ok {
		return db.CronSetting{}, sql.ErrNoRows
	}
	f.Settings[key] = value
	return db.CronSetting{Key: key, Value: value}, nil
}

func (f *Fake) ListSurveysDueForAutoEmail(_ context.Context, since time.Time) ([]db.DueSurvey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListSurveysDueForAutoEmail"); err != nil {
		return nil, err
	}
	logged := make(map[uuid.UUID]bool)
	for _, l := range f.Logs {
		logged[l.SurveyID] = true
	}
	var out []db.DueSurvey
	for _, d := range f.Due {
		if !d.EndDate.Before(since) && !logged[d.ID] {
			out = append(out, d)
		}
	}
	return out, nil
}

// LogCount returns the number of inserted email_logs rows.
func (f *Fake) LogCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Logs)
}
