package policy

// Logger interface for logging
type Logger interface {
	Warn(msg string, keysAndValues ...interface{})
}

// Admission applies the configured defer rule. An empty rule renders
// everything on the request.
type Admission struct {
	eval *Evaluator
	expr string
	log  Logger
}

// NewAdmission compiles expr up front so a bad rule fails at startup
func NewAdmission(expr string, log Logger) (*Admission, error) {
	eval, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	if expr != "" {
		if err := eval.Compile(expr); err != nil {
			return nil, err
		}
	}
	return &Admission{eval: eval, expr: expr, log: log}, nil
}

// Defer reports whether the request should go to the queue. Evaluation
// errors render synchronously.
func (a *Admission) Defer(in Input) bool {
	if a == nil || a.expr == "" {
		return false
	}
	ok, err := a.eval.Evaluate(a.expr, in)
	if err != nil {
		a.log.Warn("defer rule failed, rendering synchronously", "rule", a.expr, "error", err)
		return false
	}
	return ok
}
