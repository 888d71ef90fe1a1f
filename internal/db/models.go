package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
	"github.com/volatiletech/null/v8"
)

// ─── ROLES ────────────────────────────────────────────────────────────────────

// Role mirrors the app_role enum stored in user_roles.role.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleOperator   Role = "operator"
	RoleDirector   Role = "director"
	RoleManager    Role = "manager"
	RoleInstructor Role = "instructor"
)

// ─── SURVEY GRAPH ─────────────────────────────────────────────────────────────

type Survey struct {
	ID                   uuid.UUID     `db:"id"`
	Title                null.String   `db:"title"`
	CourseName           null.String   `db:"course_name"`
	InstructorID         uuid.NullUUID `db:"instructor_id"`
	EducationYear        null.Int      `db:"education_year"`
	EducationRound       null.Int      `db:"education_round"`
	CreatedByName        null.String   `db:"created_by_name"`
	CreatedByEmail       null.String   `db:"created_by_email"`
	Status               null.String   `db:"status"`
	EndDate              null.Time     `db:"end_date"`
	ExpectedParticipants null.Int      `db:"expected_participants"`
	IsTest               null.Bool     `db:"is_test"`
}

// DisplayTitle returns the title, falling back to the course name.
func (s Survey) DisplayTitle() string {
	if s.Title.Valid && s.Title.String != "" {
		return s.Title.String
	}
	return s.CourseName.String
}

// SessionWithInstructor is a survey_sessions row LEFT JOINed to instructors.
type SessionWithInstructor struct {
	ID              uuid.UUID     `db:"id"`
	SurveyID        uuid.UUID     `db:"survey_id"`
	SessionName     null.String   `db:"session_name"`
	InstructorID    uuid.NullUUID `db:"instructor_id"`
	InstructorName  null.String   `db:"instructor_name"`
	InstructorEmail null.String   `db:"instructor_email"`
}

type Instructor struct {
	ID    uuid.UUID   `db:"id"`
	Name  null.String `db:"name"`
	Email null.String `db:"email"`
}

type Response struct {
	ID          uuid.UUID     `db:"id"`
	SurveyID    uuid.UUID     `db:"survey_id"`
	SessionID   uuid.NullUUID `db:"session_id"`
	SubmittedAt null.Time     `db:"submitted_at"`
	IsTest      null.Bool     `db:"is_test"`
}

// AnswerWithQuestion is a question_answers row joined to its survey_questions row.
type AnswerWithQuestion struct {
	ID                uuid.UUID             `db:"id"`
	ResponseID        uuid.UUID             `db:"response_id"`
	QuestionID        uuid.UUID             `db:"question_id"`
	AnswerText        null.String           `db:"answer_text"`
	AnswerValue       pqtype.NullRawMessage `db:"answer_value"`
	QuestionText      string                `db:"question_text"`
	QuestionType      string                `db:"question_type"`
	SatisfactionType  null.String           `db:"satisfaction_type"`
	QuestionSessionID uuid.NullUUID         `db:"question_session_id"`
}

// ─── ROLES / PROFILES ─────────────────────────────────────────────────────────

type UserRole struct {
	UserID uuid.UUID `db:"user_id"`
	Role   Role      `db:"role"`
}

type Profile struct {
	ID           uuid.UUID     `db:"id"`
	Email        null.String   `db:"email"`
	InstructorID uuid.NullUUID `db:"instructor_id"`
}

// ─── EMAIL LOGS ───────────────────────────────────────────────────────────────

type EmailLog struct {
	ID          uuid.UUID             `db:"id"`
	SurveyID    uuid.UUID             `db:"survey_id"`
	Recipients  pq.StringArray        `db:"recipients"`
	Status      string                `db:"status"`
	SentCount   int                   `db:"sent_count"`
	FailedCount int                   `db:"failed_count"`
	Results     pqtype.NullRawMessage `db:"results"`
	CreatedAt   time.Time             `db:"created_at"`
}

type InsertEmailLogParams struct {
	SurveyID    uuid.UUID
	Recipients  []string
	Status      string
	SentCount   int
	FailedCount int
	Results     pqtype.NullRawMessage
}

type ListEmailLogsParams struct {
	SurveyID uuid.NullUUID
	Status   null.String
	Limit    int
}

// ─── SETTINGS ─────────────────────────────────────────────────────────────────

type CronSetting struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

const SettingAutoEmailEnabled = "auto_email_enabled"

// DueSurvey is a survey that ended inside the auto-email lookback window and
// has no email_logs row yet.
type DueSurvey struct {
	ID      uuid.UUID `db:"id"`
	EndDate time.Time `db:"end_date"`
}
