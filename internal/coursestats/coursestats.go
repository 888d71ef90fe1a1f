// Package coursestats rolls a year's surveys up into per-course satisfaction
// rows in course_statistics.
//
// This is the only path that normalises answers: a score in (0, 5] is taken
// to be on a 5-point scale and doubled onto the 10-point scale. The email
// aggregation never does this.
package coursestats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bs-education/feedback-dispatch/internal/aggregate"
)

// Statuses whose surveys count towards statistics.
var countedStatuses = []string{"completed", "active", "public"}

var statusLabels = map[string]string{
	"completed": "완료",
	"active":    "진행 중",
	"public":    "진행 중",
}

// Generator reads surveys and writes course_statistics through gorm.
type Generator struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewGenerator(db *gorm.DB, logger *slog.Logger) *Generator {
	return &Generator{db: db, logger: logger}
}

// Generate recomputes every course row for year and upserts it. It returns
// the number of rows written.
func (g *Generator) Generate(ctx context.Context, year int) (int, error) {
	var surveys []Survey
	err := g.db.WithContext(ctx).
		Where("education_year = ?", year).
		Where("status IN ?", countedStatuses).
		Where("is_test IS NOT TRUE").
		Preload("Responses", "is_test IS NOT TRUE").
		Preload("Responses.Answers").
		Preload("Responses.Answers.Question").
		Find(&surveys).Error
	if err != nil {
		return 0, fmt.Errorf("coursestats: load surveys: %w", err)
	}

	stats := Compute(year, surveys)
	if len(stats) == 0 {
		g.logger.Info("coursestats: nothing to write", "year", year)
		return 0, nil
	}
	if err := g.Save(ctx, stats); err != nil {
		return 0, err
	}

	g.logger.Info("coursestats: generated", "year", year, "rows", len(stats))
	return len(stats), nil
}

// Save upserts stats on (year, round, course_name); existing rows take the
// new values.
func (g *Generator) Save(ctx context.Context, stats []CourseStatistic) error {
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "year"}, {Name: "round"}, {Name: "course_name"}},
			UpdateAll: true,
		}).
		Create(&stats).Error
	if err != nil {
		return fmt.Errorf("coursestats: upsert: %w", err)
	}
	return nil
}

// ─── COMPUTE ──────────────────────────────────────────────────────────────────

type group struct {
	stat   CourseStatistic
	scores map[aggregate.Category][]float64
}

// Compute groups surveys by (year, round, course name) in first-seen order.
// Scale answers of every survey in a group are pooled per satisfaction
// category; the total is the mean of the category means that exist.
func Compute(year int, surveys []Survey) []CourseStatistic {
	groups := orderedmap.New[string, *group]()

	for _, s := range surveys {
		if s.IsTest != nil && *s.IsTest {
			continue
		}
		if s.CourseName == nil || *s.CourseName == "" {
			continue
		}

		y := year
		if s.EducationYear != nil {
			y = *s.EducationYear
		}
		round := 1
		if s.EducationRound != nil && *s.EducationRound > 0 {
			round = *s.EducationRound
		}
		key := fmt.Sprintf("%d-%d-%s", y, round, *s.CourseName)

		responses := 0
		for _, r := range s.Responses {
			if r.IsTest == nil || !*r.IsTest {
				responses++
			}
		}

		g, ok := groups.Get(key)
		if !ok {
			expected := 0
			if s.ExpectedParticipants != nil {
				expected = *s.ExpectedParticipants
			}
			count := responses
			if count == 0 {
				count = expected
			}
			g = &group{
				stat: CourseStatistic{
					Year:            y,
					Round:           round,
					CourseName:      *s.CourseName,
					CourseStartDate: isoDate(s.StartDate),
					CourseEndDate:   isoDate(s.EndDate),
					CourseDays:      1,
					EnrolledCount:   count,
					CumulativeCount: count,
				},
				scores: make(map[aggregate.Category][]float64),
			}
			groups.Set(key, g)
		}

		g.stat.Status = statusLabel(s.Status)
		if s.EducationDay != nil && *s.EducationDay > 0 {
			day := *s.EducationDay
			g.stat.CourseDays = day
			g.stat.EducationDays = &day
		}
		if responses > 0 {
			g.stat.EnrolledCount = responses
			g.stat.CumulativeCount = max(g.stat.CumulativeCount, responses)
		}

		collect(g.scores, s.Responses)
	}

	out := make([]CourseStatistic, 0, groups.Len())
	for pair := groups.Oldest(); pair != nil; pair = pair.Next() {
		g := pair.Value
		g.stat.InstructorSatisfaction = mean2(g.scores[aggregate.CategoryInstructor])
		g.stat.CourseSatisfaction = mean2(g.scores[aggregate.CategoryCourse])
		g.stat.OperationSatisfaction = mean2(g.scores[aggregate.CategoryOperation])

		var avgs []float64
		for _, v := range []*float64{g.stat.InstructorSatisfaction, g.stat.CourseSatisfaction, g.stat.OperationSatisfaction} {
			if v != nil {
				avgs = append(avgs, *v)
			}
		}
		g.stat.TotalSatisfaction = mean2(avgs)
		out = append(out, g.stat)
	}
	return out
}

func collect(scores map[aggregate.Category][]float64, responses []Response) {
	for _, r := range responses {
		if r.IsTest != nil && *r.IsTest {
			continue
		}
		for _, a := range r.Answers {
			if a.Question.QuestionType != string(aggregate.TypeScale) || a.Question.SatisfactionType == nil {
				continue
			}
			cat := aggregate.Category(*a.Question.SatisfactionType)
			switch cat {
			case aggregate.CategoryInstructor, aggregate.CategoryCourse, aggregate.CategoryOperation:
			default:
				continue
			}
			if !a.AnswerValue.Valid {
				continue
			}
			v, ok := aggregate.CoerceNumeric(a.AnswerValue.RawMessage, "")
			if !ok || v == 0 {
				continue
			}
			scores[cat] = append(scores[cat], Normalize(v))
		}
	}
}

// Normalize projects a 5-point score onto the 10-point scale.
func Normalize(score float64) float64 {
	if score > 0 && score <= 5 {
		return score * 2
	}
	return score
}

func mean2(xs []float64) *float64 {
	m, ok := aggregate.Mean(xs)
	if !ok {
		return nil
	}
	r := aggregate.Round2(m)
	return &r
}

func statusLabel(s *string) string {
	if s != nil {
		if l, ok := statusLabels[*s]; ok {
			return l
		}
	}
	return statusLabels["completed"]
}

func isoDate(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}
