// Package recipients expands a dispatch request's recipient list, a mix of
// literal addresses and role tokens, into concrete addresses with the role and
// instructor link that decide each one's data scope.
//
// Resolution is read-only. A failed lookup is logged and treated as "no
// matches" so one broken query never blocks the rest of the list.
package recipients

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/bs-education/feedback-dispatch/internal/db"
	"github.com/bs-education/feedback-dispatch/internal/survey"
)

// ─── TYPES ────────────────────────────────────────────────────────────────────

// Source records which part of the request produced a recipient.
type Source string

const (
	SourceRole  Source = "role"
	SourceEmail Source = "email"
)

// Recipient is one resolved address. Email is lower-cased. Role is empty when
// nothing is known about the address.
type Recipient struct {
	Email        string
	Role         db.Role
	InstructorID uuid.NullUUID
	Source       Source
}

// Resolution is the deduplicated working set plus the entries the dedup step
// absorbed, kept so the audit log can show them.
type Resolution struct {
	Recipients []Recipient
	Duplicates []Recipient
	Invalid    []string
}

// Emails lists the resolved addresses in order.
func (r Resolution) Emails() []string {
	out := make([]string, len(r.Recipients))
	for i, rc := range r.Recipients {
		out[i] = rc.Email
	}
	return out
}

// Request is one resolution input.
type Request struct {
	Recipients []string

	// Instructors is the survey's own instructor list; the instructor token
	// expands to these rather than to every instructor-role user.
	Instructors []survey.Instructor

	// TargetInstructorIDs, when non-empty, narrows the instructor token.
	TargetInstructorIDs []uuid.UUID
}

// IsRoleToken reports whether s is one of the reserved role tokens.
func IsRoleToken(s string) bool {
	switch db.Role(strings.ToLower(strings.TrimSpace(s))) {
	case db.RoleDirector, db.RoleManager, db.RoleInstructor, db.RoleAdmin:
		return true
	}
	return false
}

// Normalize lower-cases and trims an address.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ─── RESOLVER ─────────────────────────────────────────────────────────────────

type Resolver struct {
	q      db.Querier
	logger *slog.Logger
}

func NewResolver(q db.Querier, logger *slog.Logger) *Resolver {
	return &Resolver{q: q, logger: logger}
}

// profileInfo is what the lookups learned about one address.
type profileInfo struct {
	role         db.Role
	instructorID uuid.NullUUID
}

// Resolve expands req into recipients. Role-token expansions come first, in
// token order, followed by literal addresses. The first occurrence of an
// address decides its role and instructor link.
func (r *Resolver) Resolve(ctx context.Context, req Request) Resolution {
	var (
		res    Resolution
		tokens []db.Role
		raw    []string
	)

	seenToken := make(map[db.Role]bool)
	for _, in := range req.Recipients {
		s := Normalize(in)
		switch {
		case s == "":
			continue
		case IsRoleToken(s):
			if role := db.Role(s); !seenToken[role] {
				seenToken[role] = true
				tokens = append(tokens, role)
			}
		case strings.Contains(s, "@"):
			raw = append(raw, s)
		default:
			r.logger.Warn("recipients: ignoring unrecognised entry", "entry", in)
			res.Invalid = append(res.Invalid, in)
		}
	}

	var generic []db.Role
	for _, t := range tokens {
		if t != db.RoleInstructor {
			generic = append(generic, t)
		}
	}

	holders, roleProfiles := r.expandRoles(ctx, generic)
	literalProfiles := r.lookupEmails(ctx, raw)

	info := buildProfileInfo(req.Instructors, append(roleProfiles, literalProfiles...))

	working := orderedmap.New[string, Recipient]()
	push := func(email string, fallback db.Role, src Source) {
		email = Normalize(email)
		if email == "" {
			return
		}
		rc := Recipient{Email: email, Role: fallback, Source: src}
		if pi, ok := info.Get(email); ok {
			if pi.role != "" {
				rc.Role = pi.role
			}
			rc.InstructorID = pi.instructorID
		}
		if rc.Role == "" && rc.InstructorID.Valid {
			rc.Role = db.RoleInstructor
		}
		if _, dup := working.Get(email); dup {
			res.Duplicates = append(res.Duplicates, rc)
			return
		}
		working.Set(email, rc)
	}

	for _, t := range tokens {
		if t == db.RoleInstructor {
			for _, inst := range narrow(req.Instructors, req.TargetInstructorIDs) {
				push(inst.Email, db.RoleInstructor, SourceRole)
			}
			continue
		}
		for _, p := range roleProfiles {
			if holders[t][p.ID] {
				push(p.Email.String, t, SourceRole)
			}
		}
	}
	for _, e := range raw {
		push(e, "", SourceEmail)
	}

	for pair := working.Oldest(); pair != nil; pair = pair.Next() {
		res.Recipients = append(res.Recipients, pair.Value)
	}

	r.logger.Debug("recipients: resolved",
		"requested", len(req.Recipients),
		"resolved", len(res.Recipients),
		"duplicates", len(res.Duplicates),
	)
	return res
}

// expandRoles returns, per requested role, the set of user ids holding it,
// plus the profiles of those users. Every role a user holds is loaded so the
// precedence rule can see all of them.
func (r *Resolver) expandRoles(ctx context.Context, roles []db.Role) (map[db.Role]map[uuid.UUID]bool, []profileWithRoles) {
	holders := make(map[db.Role]map[uuid.UUID]bool)
	if len(roles) == 0 {
		return holders, nil
	}

	rows, err := r.q.ListRolesOfUsersHoldingAny(ctx, roles)
	if err != nil {
		r.logger.Warn("recipients: role lookup failed", "roles", roles, "error", err)
		return holders, nil
	}

	byUser := orderedmap.New[uuid.UUID, []db.Role]()
	for _, ur := range rows {
		cur, _ := byUser.Get(ur.UserID)
		byUser.Set(ur.UserID, append(cur, ur.Role))
		if holders[ur.Role] == nil {
			holders[ur.Role] = make(map[uuid.UUID]bool)
		}
		holders[ur.Role][ur.UserID] = true
	}

	ids := make([]uuid.UUID, 0, byUser.Len())
	for pair := byUser.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}

	profiles, err := r.q.ListProfilesByIDs(ctx, ids)
	if err != nil {
		r.logger.Warn("recipients: profile lookup failed", "roles", roles, "error", err)
		return holders, nil
	}

	out := make([]profileWithRoles, 0, len(profiles))
	for _, p := range profiles {
		userRoles, _ := byUser.Get(p.ID)
		out = append(out, profileWithRoles{Profile: p, roles: userRoles})
	}
	return holders, out
}

// lookupEmails loads the profiles and roles behind literal addresses.
func (r *Resolver) lookupEmails(ctx context.Context, emails []string) []profileWithRoles {
	if len(emails) == 0 {
		return nil
	}
	profiles, err := r.q.ListProfilesByEmails(ctx, emails)
	if err != nil {
		r.logger.Warn("recipients: profile lookup by email failed", "error", err)
		return nil
	}
	if len(profiles) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(profiles))
	for i, p := range profiles {
		ids[i] = p.ID
	}
	rows, err := r.q.ListRolesByUserIDs(ctx, ids)
	if err != nil {
		r.logger.Warn("recipients: role lookup by user failed", "error", err)
		rows = nil
	}
	byUser := make(map[uuid.UUID][]db.Role)
	for _, ur := range rows {
		byUser[ur.UserID] = append(byUser[ur.UserID], ur.Role)
	}

	out := make([]profileWithRoles, len(profiles))
	for i, p := range profiles {
		out[i] = profileWithRoles{Profile: p, roles: byUser[p.ID]}
	}
	return out
}

type profileWithRoles struct {
	db.Profile
	roles []db.Role
}

// buildProfileInfo merges the resolution sources in priority order:
//
//  1. the survey's own instructors (email → instructor id)
//  2. profile instructor links, only for addresses not already linked
//  3. profile roles: director, then admin, then an instructor link, then
//     whatever role is listed first
func buildProfileInfo(instructors []survey.Instructor, profiles []profileWithRoles) *orderedmap.OrderedMap[string, profileInfo] {
	info := orderedmap.New[string, profileInfo]()

	for _, inst := range instructors {
		email := Normalize(inst.Email)
		if email == "" {
			continue
		}
		if _, ok := info.Get(email); !ok {
			info.Set(email, profileInfo{instructorID: uuid.NullUUID{UUID: inst.ID, Valid: true}})
		}
	}

	for _, p := range profiles {
		email := Normalize(p.Email.String)
		if email == "" {
			continue
		}
		cur, _ := info.Get(email)
		if !cur.instructorID.Valid && p.InstructorID.Valid {
			cur.instructorID = p.InstructorID
		}
		if role := pickRole(p.roles, p.InstructorID.Valid); cur.role == "" || outranks(role, cur.role) {
			cur.role = role
		}
		info.Set(email, cur)
	}
	return info
}

// pickRole applies the multi-role precedence for one user.
func pickRole(roles []db.Role, linkedInstructor bool) db.Role {
	has := func(want db.Role) bool {
		for _, r := range roles {
			if r == want {
				return true
			}
		}
		return false
	}
	switch {
	case has(db.RoleDirector):
		return db.RoleDirector
	case has(db.RoleAdmin):
		return db.RoleAdmin
	case linkedInstructor:
		return db.RoleInstructor
	case len(roles) > 0:
		return roles[0]
	}
	return ""
}

// outranks is used when two profiles share an address.
func outranks(a, b db.Role) bool {
	rank := func(r db.Role) int {
		switch r {
		case db.RoleDirector:
			return 2
		case db.RoleAdmin:
			return 1
		}
		return 0
	}
	return rank(a) > rank(b)
}

func narrow(instructors []survey.Instructor, targets []uuid.UUID) []survey.Instructor {
	if len(targets) == 0 {
		return instructors
	}
	want := make(map[uuid.UUID]bool, len(targets))
	for _, id := range targets {
		want[id] = true
	}
	var out []survey.Instructor
	for _, inst := range instructors {
		if want[inst.ID] {
			out = append(out, inst)
		}
	}
	return out
}
