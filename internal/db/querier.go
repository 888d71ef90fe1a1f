// Package db holds the row models and the Querier used by every package that
// reads the survey schema. The schema itself is owned by the dashboard; this
// service only reads it, apart from email_logs and cron_settings.
package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Querier is the single-statement query surface. *Queries implements it on
// top of sqlx; tests inject in-memory stubs.
type Querier interface {
	// Survey graph
	GetSurvey(ctx context.Context, id uuid.UUID) (Survey, error)
	ListSessionsWithInstructor(ctx context.Context, surveyID uuid.UUID) ([]SessionWithInstructor, error)
	GetInstructor(ctx context.Context, id uuid.UUID) (Instructor, error)
	ListSurveyInstructors(ctx context.Context, surveyID uuid.UUID) ([]Instructor, error)
	ListProductionResponses(ctx context.Context, surveyID uuid.UUID) ([]Response, error)
	ListAnswersByResponseIDs(ctx context.Context, responseIDs []uuid.UUID) ([]AnswerWithQuestion, error)

	// Roles and profiles
	ListRolesOfUsersHoldingAny(ctx context.Context, roles []Role) ([]UserRole, error)
	ListRolesByUserIDs(ctx context.Context, userIDs []uuid.UUID) ([]UserRole, error)
	ListProfilesByIDs(ctx context.Context, ids []uuid.UUID) ([]Profile, error)
	ListProfilesByEmails(ctx context.Context, emails []string) ([]Profile, error)
	ListInstructorEmails(ctx context.Context) ([]string, error)
	ListProfileEmailsByRoles(ctx context.Context, roles []Role) ([]string, error)

	// Email logs
	InsertEmailLog(ctx context.Context, p InsertEmailLogParams) (EmailLog, error)
	ListEmailLogs(ctx context.Context, p ListEmailLogsParams) ([]EmailLog, error)

	// Settings and scheduling
	GetCronSetting(ctx context.Context, key string) (CronSetting, error)
	InsertCronSetting(ctx context.Context, key, value string) (CronSetting, error)
	UpdateCronSetting(ctx context.Context, key, value string) (CronSetting, error)
	ListSurveysDueForAutoEmail(ctx context.Context, since time.Time) ([]DueSurvey, error)
}

var _ Querier = (*Queries)(nil)
