package recipients

import (
	"context"
	"fmt"
	"sort"

	"github.com/bs-education/feedback-dispatch/internal/db"
)

// allowListRoles are the profile roles whose addresses may be picked as
// literal recipients.
var allowListRoles = []db.Role{db.RoleAdmin, db.RoleOperator, db.RoleDirector, db.RoleInstructor}

// AllowList returns every address an operator may pick as a literal
// recipient: instructor emails plus profiles holding a staff role. The list
// is normalised, unique and sorted.
func AllowList(ctx context.Context, q db.Querier) ([]string, error) {
	instructors, err := q.ListInstructorEmails(ctx)
	if err != nil {
		return nil, fmt.Errorf("AllowList: instructors: %w", err)
	}
	profiles, err := q.ListProfileEmailsByRoles(ctx, allowListRoles)
	if err != nil {
		return nil, fmt.Errorf("AllowList: profiles: %w", err)
	}

	seen := make(map[string]struct{}, len(instructors)+len(profiles))
	out := make([]string, 0, len(instructors)+len(profiles))
	for _, list := range [][]string{instructors, profiles} {
		for _, e := range list {
			e = Normalize(e)
			if e == "" {
				continue
			}
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out, nil
}
