// Package membership computes membership windows, commits verified payments
// as memberships and demotes members whose window has passed.
package membership

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownPlan is returned for any plan or duration that is not an offered term.
var ErrUnknownPlan = errors.New("unknown membership plan")

// LabelDateLayout renders the end date in membership labels and status strings.
const LabelDateLayout = "02 Jan 2006"

// Term is an offered membership duration.
type Term int

const (
	TermOneYear Term = iota + 1
	TermTwoYears
	TermThreeYears
)

// TermFromYears returns the term lasting n years.
func TermFromYears(n int) (Term, error) {
	switch n {
	case 1:
		return TermOneYear, nil
	case 2:
		return TermTwoYears, nil
	case 3:
		return TermThreeYears, nil
	}
	return 0, fmt.Errorf("%w: %d years", ErrUnknownPlan, n)
}

// ParseTerm parses a plan selector such as "2-year", "2 years" or "2".
func ParseTerm(label string) (Term, error) {
	s := strings.ToLower(strings.TrimSpace(label))
	for _, suffix := range []string{"-years", "-year", " years", " year"} {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
			break
		}
	}
	switch s {
	case "1":
		return TermOneYear, nil
	case "2":
		return TermTwoYears, nil
	case "3":
		return TermThreeYears, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPlan, label)
}

// Valid reports whether t is an offered term.
func (t Term) Valid() bool {
	_, err := TermFromYears(int(t))
	return err == nil
}

// Years returns the length of the term in calendar years.
func (t Term) Years() int { return int(t) }

func (t Term) String() string {
	return fmt.Sprintf("%d-year", int(t))
}

// Window is the half-open interval [Start, End) of a membership.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether at falls inside the window.
func (w Window) Contains(at time.Time) bool {
	return !at.Before(w.Start) && at.Before(w.End)
}

// ComputeWindow returns the window of a term bought at purchase. The end is
// the same calendar day term.Years() later; a Feb 29 purchase ends on Mar 1
// when the target year has no Feb 29.
func ComputeWindow(term Term, purchase time.Time) (Window, error) {
	if !term.Valid() {
		return Window{}, fmt.Errorf("%w: %d years", ErrUnknownPlan, int(term))
	}
	return Window{
		Start: purchase,
		End:   purchase.AddDate(term.Years(), 0, 0),
	}, nil
}

// Label formats the membership type stored on the record.
func Label(term Term, end time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("%d-Year Executive Membership (Until %s)", term.Years(), end.In(loc).Format(LabelDateLayout))
}
