package aggregate

import (
	"encoding/json"
	"math"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ─── TYPES ────────────────────────────────────────────────────────────────────

// QuestionType values match survey_questions.question_type.
type QuestionType string

const (
	TypeRating         QuestionType = "rating"
	TypeScale          QuestionType = "scale"
	TypeSingleChoice   QuestionType = "single_choice"
	TypeMultipleChoice QuestionType = "multiple_choice"
	TypeText           QuestionType = "text"
	TypeTextarea       QuestionType = "textarea"
)

func (t QuestionType) IsNumeric() bool { return t == TypeRating || t == TypeScale }
func (t QuestionType) IsChoice() bool  { return t == TypeSingleChoice || t == TypeMultipleChoice }

// Category values match survey_questions.satisfaction_type. The empty category
// is a question that only counts toward the overall average.
type Category string

const (
	CategoryInstructor Category = "instructor"
	CategoryCourse     Category = "course"
	CategoryOperation  Category = "operation"
)

// Answer is one question_answers row joined to its question.
type Answer struct {
	ResponseID   uuid.UUID
	QuestionID   uuid.UUID
	QuestionText string
	QuestionType QuestionType
	Category     Category
	SessionID    uuid.NullUUID
	Text         string
	Value        json.RawMessage
}

// ResponseSet is the filter applied before aggregation: either every
// production response of a survey or one instructor's share of them.
type ResponseSet map[uuid.UUID]struct{}

func NewResponseSet(ids ...uuid.UUID) ResponseSet {
	s := make(ResponseSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s ResponseSet) Has(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

// Question accumulates every contributing answer for one question.
type Question struct {
	ID        uuid.UUID
	Text      string
	Type      QuestionType
	Category  Category
	SessionID uuid.NullUUID

	Scores   []float64
	Labels   []string
	Comments []string
}

// Stats is the per-question summary. Average and Count are nil, not zero,
// when a numeric question has no usable answers.
type Stats struct {
	Average      *float64                            `json:"average,omitempty"`
	Count        *int                                `json:"count,omitempty"`
	Distribution *orderedmap.OrderedMap[string, int] `json:"distribution,omitempty"`
}

// Stats computes the summary for q's type.
func (q *Question) Stats() Stats {
	var st Stats
	switch {
	case q.Type.IsNumeric():
		if avg, ok := mean(q.Scores); ok {
			r := Round1(avg)
			n := len(q.Scores)
			st.Average, st.Count = &r, &n
		}
	case q.Type.IsChoice():
		dist := orderedmap.New[string, int]()
		for _, label := range q.Labels {
			n, _ := dist.Get(label)
			dist.Set(label, n+1)
		}
		st.Distribution = dist
	}
	return st
}

// SessionScore is the running instructor-category average for one session.
// Count is the number of numeric answers folded in so far.
type SessionScore struct {
	Average float64 `json:"avg"`
	Count   int     `json:"count"`
}

// Fold merges another batch of answers into the running average, weighting
// each side by its answer count. The result does not depend on how the full
// answer multiset is split into batches.
func (s SessionScore) Fold(scores []float64) SessionScore {
	if len(scores) == 0 {
		return s
	}
	total := s.Count + len(scores)
	return SessionScore{
		Average: (s.Average*float64(s.Count) + sum(scores)) / float64(total),
		Count:   total,
	}
}

// Low reports whether the session is flagged as low satisfaction on the
// 10-point scale.
func (s SessionScore) Low() bool {
	return s.Average <= LowSatisfactionThreshold
}

const LowSatisfactionThreshold = 6.0

// Satisfaction holds the category averages. Nil means no contributing answers.
type Satisfaction struct {
	Instructor *float64 `json:"instructor"`
	Course     *float64 `json:"course"`
	Operation  *float64 `json:"operation"`
	Overall    *float64 `json:"overall"`
}

// Result is the output of one aggregation pass.
type Result struct {
	ResponseCount int
	Questions     *orderedmap.OrderedMap[uuid.UUID, *Question]
	Satisfaction  Satisfaction
	Sessions      *orderedmap.OrderedMap[uuid.UUID, SessionScore]
}

// ─── CORE FUNCTIONS ───────────────────────────────────────────────────────────

// Aggregate groups the answers whose response is in set by question, in the
// order questions are first seen, and derives the satisfaction figures.
func Aggregate(answers []Answer, set ResponseSet) Result {
	questions := orderedmap.New[uuid.UUID, *Question]()

	for _, a := range answers {
		if !set.Has(a.ResponseID) {
			continue
		}
		q, ok := questions.Get(a.QuestionID)
		if !ok {
			q = &Question{
				ID:        a.QuestionID,
				Text:      a.QuestionText,
				Type:      a.QuestionType,
				Category:  a.Category,
				SessionID: a.SessionID,
			}
			questions.Set(a.QuestionID, q)
		}
		accumulate(q, a)
	}

	return Result{
		ResponseCount: len(set),
		Questions:     questions,
		Satisfaction: Satisfaction{
			Instructor: CategoryAverage(questions, CategoryInstructor),
			Course:     CategoryAverage(questions, CategoryCourse),
			Operation:  CategoryAverage(questions, CategoryOperation),
			Overall:    OverallAverage(questions),
		},
		Sessions: SessionScores(questions),
	}
}

func accumulate(q *Question, a Answer) {
	switch {
	case q.Type.IsNumeric():
		if n, ok := CoerceNumeric(a.Value, a.Text); ok {
			q.Scores = append(q.Scores, n)
		}
	case q.Type.IsChoice():
		q.Labels = append(q.Labels, CoerceChoiceLabels(a.Value, a.Text)...)
	default:
		if s, ok := CoerceText(a.Text); ok {
			q.Comments = append(q.Comments, s)
		}
	}
}

// CategoryAverage flattens the scores of every numeric question in cat and
// returns their mean rounded to one decimal, or nil when there are none.
func CategoryAverage(questions *orderedmap.OrderedMap[uuid.UUID, *Question], cat Category) *float64 {
	return flatMean(questions, func(q *Question) bool { return q.Category == cat })
}

// OverallAverage is CategoryAverage without the category filter.
func OverallAverage(questions *orderedmap.OrderedMap[uuid.UUID, *Question]) *float64 {
	return flatMean(questions, func(*Question) bool { return true })
}

func flatMean(questions *orderedmap.OrderedMap[uuid.UUID, *Question], keep func(*Question) bool) *float64 {
	var all []float64
	for pair := questions.Oldest(); pair != nil; pair = pair.Next() {
		q := pair.Value
		if q.Type.IsNumeric() && keep(q) {
			all = append(all, q.Scores...)
		}
	}
	avg, ok := mean(all)
	if !ok {
		return nil
	}
	r := Round1(avg)
	return &r
}

// SessionScores folds every instructor-category numeric question into its
// session's running average. Questions with no session, or no scores, are
// ignored. This is deliberately separate from CategoryAverage.
func SessionScores(questions *orderedmap.OrderedMap[uuid.UUID, *Question]) *orderedmap.OrderedMap[uuid.UUID, SessionScore] {
	out := orderedmap.New[uuid.UUID, SessionScore]()
	for pair := questions.Oldest(); pair != nil; pair = pair.Next() {
		q := pair.Value
		if !q.Type.IsNumeric() || q.Category != CategoryInstructor || !q.SessionID.Valid || len(q.Scores) == 0 {
			continue
		}
		cur, _ := out.Get(q.SessionID.UUID)
		out.Set(q.SessionID.UUID, cur.Fold(q.Scores))
	}
	return out
}

// Round1 rounds half away from zero to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func mean(xs []float64) (float64, bool) {
	if len(xs) == 0 {
		return 0, false
	}
	return sum(xs) / float64(len(xs)), true
}

// Mean is exported for the statistics path, which applies its own rounding.
func Mean(xs []float64) (float64, bool) {
	return mean(xs)
}
