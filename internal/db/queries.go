package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// DBTX is satisfied by both *sqlx.DB and *sqlx.Tx.
type DBTX interface {
	sqlx.ExtContext
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries bound to tx.
func (q *Queries) WithTx(tx *sqlx.Tx) *Queries {
	return &Queries{db: tx}
}

// ─── SURVEY GRAPH ─────────────────────────────────────────────────────────────

const getSurvey = `
SELECT id, title, course_name, instructor_id, education_year, education_round,
       created_by_name, created_by_email, status, end_date,
       expected_participants, is_test
FROM surveys
WHERE id = $1`

func (q *Queries) GetSurvey(ctx context.Context, id uuid.UUID) (Survey, error) {
	var s Survey
	err := sqlx.GetContext(ctx, q.db, &s, getSurvey, id)
	return s, err
}

const listSessionsWithInstructor = `
SELECT ss.id, ss.survey_id, ss.session_name, ss.instructor_id,
       i.name AS instructor_name, i.email AS instructor_email
FROM survey_sessions ss
LEFT JOIN instructors i ON i.id = ss.instructor_id
WHERE ss.survey_id = $1
ORDER BY ss.session_order NULLS LAST, ss.id`

func (q *Queries) ListSessionsWithInstructor(ctx context.Context, surveyID uuid.UUID) ([]SessionWithInstructor, error) {
	var rows []SessionWithInstructor
	err := sqlx.SelectContext(ctx, q.db, &rows, listSessionsWithInstructor, surveyID)
	return rows, err
}

const getInstructor = `SELECT id, name, email FROM instructors WHERE id = $1`

func (q *Queries) GetInstructor(ctx context.Context, id uuid.UUID) (Instructor, error) {
	var i Instructor
	err := sqlx.GetContext(ctx, q.db, &i, getInstructor, id)
	return i, err
}

const listSurveyInstructors = `
SELECT i.id, i.name, i.email
FROM survey_instructors si
JOIN instructors i ON i.id = si.instructor_id
WHERE si.survey_id = $1`

func (q *Queries) ListSurveyInstructors(ctx context.Context, surveyID uuid.UUID) ([]Instructor, error) {
	var rows []Instructor
	err := sqlx.SelectContext(ctx, q.db, &rows, listSurveyInstructors, surveyID)
	return rows, err
}

const listProductionResponses = `
SELECT id, survey_id, session_id, submitted_at, is_test
FROM survey_responses
WHERE survey_id = $1 AND is_test IS NOT TRUE
ORDER BY submitted_at NULLS LAST, id`

func (q *Queries) ListProductionResponses(ctx context.Context, surveyID uuid.UUID) ([]Response, error) {
	var rows []Response
	err := sqlx.SelectContext(ctx, q.db, &rows, listProductionResponses, surveyID)
	return rows, err
}

const listAnswersByResponseIDs = `
SELECT qa.id, qa.response_id, qa.question_id, qa.answer_text, qa.answer_value,
       sq.question_text, sq.question_type, sq.satisfaction_type,
       sq.session_id AS question_session_id
FROM question_answers qa
JOIN survey_questions sq ON sq.id = qa.question_id
WHERE qa.response_id = ANY($1::uuid[])
ORDER BY sq.order_index NULLS LAST, qa.created_at`

func (q *Queries) ListAnswersByResponseIDs(ctx context.Context, responseIDs []uuid.UUID) ([]AnswerWithQuestion, error) {
	if len(responseIDs) == 0 {
		return nil, nil
	}
	var rows []AnswerWithQuestion
	err := sqlx.SelectContext(ctx, q.db, &rows, listAnswersByResponseIDs, pq.Array(uuidStrings(responseIDs)))
	return rows, err
}

// ─── ROLES / PROFILES ─────────────────────────────────────────────────────────

const listRolesOfUsersHoldingAny = `
SELECT ur.user_id, ur.role
FROM user_roles ur
WHERE ur.user_id IN (SELECT user_id FROM user_roles WHERE role::text = ANY($1))`

// ListRolesOfUsersHoldingAny returns every role row of every user that holds
// at least one of roles, so callers can apply multi-role precedence.
func (q *Queries) ListRolesOfUsersHoldingAny(ctx context.Context, roles []Role) ([]UserRole, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	var rows []UserRole
	err := sqlx.SelectContext(ctx, q.db, &rows, listRolesOfUsersHoldingAny, pq.Array(roleStrings(roles)))
	return rows, err
}

const listRolesByUserIDs = `SELECT user_id, role FROM user_roles WHERE user_id = ANY($1::uuid[])`

func (q *Queries) ListRolesByUserIDs(ctx context.Context, userIDs []uuid.UUID) ([]UserRole, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var rows []UserRole
	err := sqlx.SelectContext(ctx, q.db, &rows, listRolesByUserIDs, pq.Array(uuidStrings(userIDs)))
	return rows, err
}

const listProfilesByIDs = `SELECT id, email, instructor_id FROM profiles WHERE id = ANY($1::uuid[])`

func (q *Queries) ListProfilesByIDs(ctx context.Context, ids []uuid.UUID) ([]Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []Profile
	err := sqlx.SelectContext(ctx, q.db, &rows, listProfilesByIDs, pq.Array(uuidStrings(ids)))
	return rows, err
}

const listProfilesByEmails = `SELECT id, email, instructor_id FROM profiles WHERE lower(email) = ANY($1)`

func (q *Queries) ListProfilesByEmails(ctx context.Context, emails []string) ([]Profile, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	var rows []Profile
	err := sqlx.SelectContext(ctx, q.db, &rows, listProfilesByEmails, pq.Array(emails))
	return rows, err
}

const listInstructorEmails = `
SELECT DISTINCT lower(email) FROM instructors
WHERE email IS NOT NULL AND email <> ''`

func (q *Queries) ListInstructorEmails(ctx context.Context) ([]string, error) {
	var rows []string
	err := sqlx.SelectContext(ctx, q.db, &rows, listInstructorEmails)
	return rows, err
}

const listProfileEmailsByRoles = `
SELECT DISTINCT lower(p.email)
FROM profiles p
JOIN user_roles ur ON ur.user_id = p.id
WHERE ur.role::text = ANY($1) AND p.email IS NOT NULL AND p.email <> ''`

func (q *Queries) ListProfileEmailsByRoles(ctx context.Context, roles []Role) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	var rows []string
	err := sqlx.SelectContext(ctx, q.db, &rows, listProfileEmailsByRoles, pq.Array(roleStrings(roles)))
	return rows, err
}

// ─── EMAIL LOGS ───────────────────────────────────────────────────────────────

const insertEmailLog = `
INSERT INTO email_logs (survey_id, recipients, status, sent_count, failed_count, results)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, survey_id, recipients, status, sent_count, failed_count, results, created_at`

func (q *Queries) InsertEmailLog(ctx context.Context, p InsertEmailLogParams) (EmailLog, error) {
	var l EmailLog
	err := sqlx.GetContext(ctx, q.db, &l, insertEmailLog,
		p.SurveyID,
		pq.StringArray(p.Recipients),
		p.Status,
		p.SentCount,
		p.FailedCount,
		p.Results,
	)
	return l, err
}

const listEmailLogs = `
SELECT id, survey_id, recipients, status, sent_count, failed_count, results, created_at
FROM email_logs
WHERE ($1::uuid IS NULL OR survey_id = $1)
  AND ($2::text IS NULL OR status = $2)
ORDER BY created_at DESC
LIMIT $3`

func (q *Queries) ListEmailLogs(ctx context.Context, p ListEmailLogsParams) ([]EmailLog, error) {
	var rows []EmailLog
	err := sqlx.SelectContext(ctx, q.db, &rows, listEmailLogs, p.SurveyID, p.Status, p.Limit)
	return rows, err
}

// ─── SETTINGS ─────────────────────────────────────────────────────────────────

const getCronSetting = `SELECT key, value FROM cron_settings WHERE key = $1`

func (q *Queries) GetCronSetting(ctx context.Context, key string) (CronSetting, error) {
	var s CronSetting
	err := sqlx.GetContext(ctx, q.db, &s, getCronSetting, key)
	return s, err
}

const insertCronSetting = `
INSERT INTO cron_settings (key, value) VALUES ($1, $2)
RETURNING key, value`

func (q *Queries) InsertCronSetting(ctx context.Context, key, value string) (CronSetting, error) {
	var s CronSetting
	err := sqlx.GetContext(ctx, q.db, &s, insertCronSetting, key, value)
	return s, err
}

const updateCronSetting = `
UPDATE cron_settings SET value = $2 WHERE key = $1
RETURNING key, value`

func (q *Queries) UpdateCronSetting(ctx context.Context, key, value string) (CronSetting, error) {
	var s CronSetting
	err := sqlx.GetContext(ctx, q.db, &s, updateCronSetting, key, value)
	return s, err
}

const listSurveysDueForAutoEmail = `
SELECT s.id, s.end_date
FROM surveys s
WHERE s.end_date IS NOT NULL
  AND s.end_date <= now()
  AND s.end_date >= $1
  AND s.is_test IS NOT TRUE
  AND NOT EXISTS (SELECT 1 FROM email_logs el WHERE el.survey_id = s.id)
ORDER BY s.end_date`

func (q *Queries) ListSurveysDueForAutoEmail(ctx context.Context, since time.Time) ([]DueSurvey, error) {
	var rows []DueSurvey
	err := sqlx.SelectContext(ctx, q.db, &rows, listSurveysDueForAutoEmail, since)
	if err != nil {
		return nil, fmt.Errorf("list due surveys: %w", err)
	}
	return rows, nil
}

// ─── HELPERS ──────────────────────────────────────────────────────────────────

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func roleStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
