// Package rewrite repairs generated test and source code so it runs inside
// the sandbox. Every transform is textual: nothing here executes, evaluates
// or imports the code it rewrites.
//
// Repairs are expressed as ordered chains of rules. A rule sees an immutable
// Unit and returns a new one, so each rule can be tested on its own and a
// chain never applies a rule twice.
package rewrite

// Unit is the pair of files a rule chain transforms.
type Unit struct {
	Test   string
	Source string
}

// Rule is one best-effort repair. Applies decides whether the rule is
// relevant; Apply must return its input unchanged when it cannot make sense
// of it.
type Rule struct {
	Name    string
	Applies func(u Unit) bool
	Apply   func(u Unit) Unit
}

// Chain is an ordered list of rules.
type Chain []Rule

// Run applies every relevant rule in order and reports which ones changed
// the unit.
func (c Chain) Run(u Unit) (Unit, []string) {
	var applied []string
	for _, r := range c {
		if r.Applies != nil && !r.Applies(u) {
			continue
		}
		next := r.Apply(u)
		if next != u {
			applied = append(applied, r.Name)
		}
		u = next
	}
	return u, applied
}

// onTest lifts a test-only transform into a rule body.
func onTest(fn func(string) string) func(Unit) Unit {
	return func(u Unit) Unit {
		u.Test = fn(u.Test)
		return u
	}
}

// onSource lifts a source-only transform into a rule body.
func onSource(fn func(string) string) func(Unit) Unit {
	return func(u Unit) Unit {
		u.Source = fn(u.Source)
		return u
	}
}
