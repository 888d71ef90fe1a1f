package coursestats

import (
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// ─── SOURCE ROWS ──────────────────────────────────────────────────────────────

// Survey is the read model for statistics generation. Responses are preloaded
// with test responses already excluded.
type Survey struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	EducationYear        *int
	EducationRound       *int
	EducationDay         *int
	CourseName           *string
	StartDate            *time.Time
	EndDate              *time.Time
	Status               *string
	ExpectedParticipants *int
	IsTest               *bool

	Responses []Response `gorm:"foreignKey:SurveyID"`
}

func (Survey) TableName() string { return "surveys" }

type Response struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	SurveyID uuid.UUID `gorm:"type:uuid"`
	IsTest   *bool

	Answers []Answer `gorm:"foreignKey:ResponseID"`
}

func (Response) TableName() string { return "survey_responses" }

type Answer struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ResponseID  uuid.UUID `gorm:"type:uuid"`
	QuestionID  uuid.UUID `gorm:"type:uuid"`
	AnswerValue pqtype.NullRawMessage

	Question Question `gorm:"foreignKey:QuestionID"`
}

func (Answer) TableName() string { return "question_answers" }

type Question struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	QuestionType     string
	SatisfactionType *string
}

func (Question) TableName() string { return "survey_questions" }

// ─── OUTPUT ROW ───────────────────────────────────────────────────────────────

// CourseStatistic is one course_statistics row, unique on
// (year, round, course_name).
type CourseStatistic struct {
	Year       int    `gorm:"primaryKey;autoIncrement:false" json:"year"`
	Round      int    `gorm:"primaryKey;autoIncrement:false" json:"round"`
	CourseName string `gorm:"primaryKey" json:"course_name"`

	CourseStartDate *string `json:"course_start_date"`
	CourseEndDate   *string `json:"course_end_date"`
	CourseDays      int     `json:"course_days"`
	Status          string  `json:"status"`
	EnrolledCount   int     `json:"enrolled_count"`
	CumulativeCount int     `json:"cumulative_count"`
	EducationDays   *int    `json:"education_days"`
	EducationHours  *int    `json:"education_hours"`

	TotalSatisfaction      *float64 `json:"total_satisfaction"`
	CourseSatisfaction     *float64 `json:"course_satisfaction"`
	InstructorSatisfaction *float64 `json:"instructor_satisfaction"`
	OperationSatisfaction  *float64 `json:"operation_satisfaction"`
}

func (CourseStatistic) TableName() string { return "course_statistics" }
