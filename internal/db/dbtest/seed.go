package dbtest

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
	"github.com/volatiletech/null/v8"

	"github.com/bs-education/feedback-dispatch/internal/db"
)

// Seed helpers. They are not safe for use concurrently with queries.

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func (f *Fake) AddSurvey(title string) uuid.UUID {
	id := uuid.New()
	f.Surveys[id] = db.Survey{
		ID:             id,
		Title:          null.StringFrom(title),
		CourseName:     null.StringFrom(title),
		EducationYear:  null.IntFrom(2025),
		EducationRound: null.IntFrom(1),
		Status:         null.StringFrom("completed"),
	}
	return id
}

func (f *Fake) AddInstructor(name, email string) uuid.UUID {
	id := uuid.New()
	f.Instructors[id] = db.Instructor{
		ID:    id,
		Name:  null.NewString(name, name != ""),
		Email: null.NewString(email, email != ""),
	}
	return id
}

// AddSession links instructorID to a new session; pass uuid.Nil for none.
func (f *Fake) AddSession(surveyID uuid.UUID, name string, instructorID uuid.UUID) uuid.UUID {
	id := uuid.New()
	f.Sessions = append(f.Sessions, db.SessionWithInstructor{
		ID:           id,
		SurveyID:     surveyID,
		SessionName:  null.StringFrom(name),
		InstructorID: nullUUID(instructorID),
	})
	return id
}

// AddResponses creates n responses on sessionID (uuid.Nil for none).
func (f *Fake) AddResponses(surveyID, sessionID uuid.UUID, n int, isTest bool) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
		f.Responses = append(f.Responses, db.Response{
			ID:        ids[i],
			SurveyID:  surveyID,
			SessionID: nullUUID(sessionID),
			IsTest:    null.BoolFrom(isTest),
		})
	}
	return ids
}

// AddRatings answers a new rating question, one score per response.
func (f *Fake) AddRatings(text, category string, sessionID uuid.UUID, responses []uuid.UUID, scores ...float64) uuid.UUID {
	qid := uuid.New()
	for i, s := range scores {
		f.Answers = append(f.Answers, db.AnswerWithQuestion{
			ID:                uuid.New(),
			ResponseID:        responses[i],
			QuestionID:        qid,
			AnswerValue:       pqtype.NullRawMessage{RawMessage: json.RawMessage(fmt.Sprint(s)), Valid: true},
			QuestionText:      text,
			QuestionType:      "rating",
			SatisfactionType:  null.NewString(category, category != ""),
			QuestionSessionID: nullUUID(sessionID),
		})
	}
	return qid
}

// AddTextAnswers answers a new free-text question.
func (f *Fake) AddTextAnswers(text string, sessionID uuid.UUID, responses []uuid.UUID, answers ...string) uuid.UUID {
	qid := uuid.New()
	for i, a := range answers {
		f.Answers = append(f.Answers, db.AnswerWithQuestion{
			ID:                uuid.New(),
			ResponseID:        responses[i],
			QuestionID:        qid,
			AnswerText:        null.StringFrom(a),
			QuestionText:      text,
			QuestionType:      "textarea",
			QuestionSessionID: nullUUID(sessionID),
		})
	}
	return qid
}

// AddUser creates a profile holding roles, optionally linked to an instructor.
func (f *Fake) AddUser(email string, instructorID uuid.UUID, roles ...db.Role) uuid.UUID {
	id := uuid.New()
	f.Profiles = append(f.Profiles, db.Profile{
		ID:           id,
		Email:        null.StringFrom(email),
		InstructorID: nullUUID(instructorID),
	})
	for _, r := range roles {
		f.Roles = append(f.Roles, db.UserRole{UserID: id, Role: r})
	}
	return id
}
