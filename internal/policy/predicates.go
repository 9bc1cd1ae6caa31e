package policy

// CookiePrefixes matches requests carrying a cookie whose name starts with
// one of Prefixes. Used for transactional flows (cart, checkout sessions).
type CookiePrefixes struct {
	Label    string
	Prefixes []string
}

func (c CookiePrefixes) Name() string { return c.Label }

func (c CookiePrefixes) Match(req Request) bool {
	for _, name := range req.Cookies {
		if hasAnyPrefix(name, c.Prefixes) {
			return true
		}
	}
	return false
}

// QueryParams matches requests carrying any of Params, regardless of value.
// Editors mark preview requests this way.
type QueryParams struct {
	Label  string
	Params []string
}

func (q QueryParams) Name() string { return q.Label }

func (q QueryParams) Match(req Request) bool {
	for _, p := range q.Params {
		if _, ok := req.Query[p]; ok {
			return true
		}
	}
	return false
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc struct {
	Label string
	Fn    func(Request) bool
}

func (f PredicateFunc) Name() string { return f.Label }

func (f PredicateFunc) Match(req Request) bool { return f.Fn(req) }
