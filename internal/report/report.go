// Package report renders aggregated survey results into an email subject,
// HTML body and plain-text body. Build is pure: no I/O, no clock reads.
package report

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"math"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/google/uuid"

	"github.com/bs-education/feedback-dispatch/internal/aggregate"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var funcs = map[string]any{
	"inc": func(i int) int { return i + 1 },
}

var (
	htmlTmpl = htmltemplate.Must(htmltemplate.New("report.html.tmpl").
		Funcs(htmltemplate.FuncMap(funcs)).
		ParseFS(templateFS, "templates/report.html.tmpl"))
	textTmpl = texttemplate.Must(texttemplate.New("report.txt.tmpl").
		Funcs(texttemplate.FuncMap(funcs)).
		ParseFS(templateFS, "templates/report.txt.tmpl"))
)

// KST is the zone the generated date is printed in.
var KST = time.FixedZone("KST", 9*60*60)

const (
	defaultSessionName    = "과목 미정"
	defaultInstructorName = "강사 미정"
	noInstructors         = "미등록"

	// Header colours: normal, then low satisfaction.
	headerNormal    = "#4f46e5"
	borderNormal    = "#3730a3"
	headerLow       = "#b91c1c"
	borderLow       = "#991b1b"
	lowWarningGlyph = "⚠️ "
)

// ─── INPUT / OUTPUT ───────────────────────────────────────────────────────────

type Input struct {
	Title      string
	CourseName string
	Year       *int
	Round      *int

	InstructorNames []string
	Result          aggregate.Result

	SessionNames       map[uuid.UUID]string
	SessionInstructors map[uuid.UUID]string

	GeneratedAt  time.Time
	DashboardURL string
}

type Content struct {
	Subject string
	HTML    string
	Text    string
}

// Subject is the fixed subject line for a survey title.
func Subject(title, courseName string) string {
	name := title
	if name == "" {
		name = courseName
	}
	if name == "" {
		name = "설문"
	}
	return "📊 설문 결과 발송: " + name
}

// ─── VIEW MODEL ───────────────────────────────────────────────────────────────

type view struct {
	Title        string
	Instructors  string
	YearRound    string
	Generated    string
	Instructor   string
	Course       string
	Responses    int
	Sections     []section
	DashboardURL string
}

type section struct {
	Header    *header
	Questions []questionView
}

type header struct {
	SessionName    string
	InstructorName string
	Satisfaction   string
	Low            bool
	Warning        string
	Responses      int
	Background     htmltemplate.CSS
	Border         htmltemplate.CSS
}

type questionView struct {
	Number   int
	Text     string
	Average  string
	Count    int
	Options  []option
	Comments []string
}

type option struct {
	Label   string
	Count   int
	Percent string
	Bar     int
}

// ─── BUILD ────────────────────────────────────────────────────────────────────

// Build renders in. Questions are grouped by session in the order each session
// first appears; a session's header is emitted once, directly above its first
// question. Questions without a session form a headerless group.
func Build(in Input) (Content, error) {
	v := view{
		Title:        firstNonEmpty(in.Title, in.CourseName),
		Instructors:  noInstructors,
		YearRound:    fmt.Sprintf("%s년 (%s차)", optInt(in.Year), optInt(in.Round)),
		Generated:    koreanDate(in.GeneratedAt),
		Responses:    in.Result.ResponseCount,
		DashboardURL: in.DashboardURL,
	}
	if len(in.InstructorNames) > 0 {
		v.Instructors = strings.Join(in.InstructorNames, ", ")
	}
	if s := in.Result.Satisfaction.Instructor; s != nil {
		v.Instructor = formatScore(*s)
	}
	if s := in.Result.Satisfaction.Course; s != nil {
		v.Course = formatScore(*s)
	}
	v.Sections = sections(in)

	var html, text bytes.Buffer
	if err := htmlTmpl.Execute(&html, v); err != nil {
		return Content{}, fmt.Errorf("report: render html: %w", err)
	}
	if err := textTmpl.Execute(&text, v); err != nil {
		return Content{}, fmt.Errorf("report: render text: %w", err)
	}

	return Content{
		Subject: Subject(in.Title, in.CourseName),
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

func sections(in Input) []section {
	var (
		out   []section
		index = make(map[uuid.NullUUID]int)
	)
	if in.Result.Questions == nil {
		return nil
	}

	for pair := in.Result.Questions.Oldest(); pair != nil; pair = pair.Next() {
		q := pair.Value
		key := q.SessionID
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			sec := section{}
			if key.Valid {
				sec.Header = sessionHeader(in, key.UUID)
			}
			out = append(out, sec)
		}
		out[i].Questions = append(out[i].Questions, questionBlock(q))
	}

	n := 0
	for s := range out {
		for k := range out[s].Questions {
			n++
			out[s].Questions[k].Number = n
		}
	}
	return out
}

func sessionHeader(in Input, sessionID uuid.UUID) *header {
	h := &header{
		SessionName:    firstNonEmpty(in.SessionNames[sessionID], defaultSessionName),
		InstructorName: firstNonEmpty(in.SessionInstructors[sessionID], defaultInstructorName),
		Background:     headerNormal,
		Border:         borderNormal,
	}
	if in.Result.Sessions == nil {
		return h
	}
	score, ok := in.Result.Sessions.Get(sessionID)
	if !ok {
		return h
	}
	h.Satisfaction = strconv.FormatFloat(score.Average, 'f', 1, 64)
	h.Responses = score.Count
	if score.Low() {
		h.Low = true
		h.Warning = lowWarningGlyph
		h.Background, h.Border = headerLow, borderLow
	}
	return h
}

func questionBlock(q *aggregate.Question) questionView {
	qv := questionView{Text: q.Text}
	st := q.Stats()

	switch {
	case st.Average != nil:
		qv.Average = formatScore(*st.Average)
		qv.Count = *st.Count
	case st.Distribution != nil:
		total := 0
		for p := st.Distribution.Oldest(); p != nil; p = p.Next() {
			total += p.Value
		}
		for p := st.Distribution.Oldest(); p != nil; p = p.Next() {
			opt := option{Label: p.Key, Count: p.Value, Percent: "0.0"}
			if total > 0 {
				ratio := float64(p.Value) / float64(total) * 100
				opt.Percent = strconv.FormatFloat(ratio, 'f', 1, 64)
				opt.Bar = int(math.Round(ratio))
			}
			qv.Options = append(qv.Options, opt)
		}
	default:
		qv.Comments = q.Comments
	}
	return qv
}

// ─── FORMATTING ───────────────────────────────────────────────────────────────

// formatScore prints a rounded score without trailing zeros: 8.5, 8, 7.3.
func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func koreanDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.In(KST)
	return fmt.Sprintf("%d. %d. %d.", t.Year(), int(t.Month()), t.Day())
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
