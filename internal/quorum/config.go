package quorum

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Aggregation is the rule combining per-route verdicts of ready judges.
type Aggregation string

const (
	// Unanimous passes a route only if every ready judge passed it.
	Unanimous Aggregation = "unanimous"
	// Majority passes a route if strictly more than half of ready judges passed it.
	Majority Aggregation = "majority"
)

// DefaultJudgeTimeout bounds one judge query when none is configured.
const DefaultJudgeTimeout = 10 * time.Second

// Config is the quorum policy of a gate.
type Config struct {
	K                   int           `validate:"gt=0,ltefield=N"`
	N                   int           `validate:"gt=0"`
	FailClosedOnDegrade bool
	JudgeTimeout        time.Duration `validate:"gte=0"`
	MaxConcurrency      int           `validate:"gte=0"` // 0 = one slot per judge
	Aggregation         Aggregation   `validate:"omitempty,oneof=unanimous majority"`
}

// ConfigError is a quorum configuration problem. Gates never dispatch with
// an invalid configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("quorum config error [%s]: %s", e.Field, e.Message)
}

var validate = validator.New()

// ParseSpec parses a "k/n" quorum spec such as "2/3".
func ParseSpec(spec string) (k, n int, err error) {
	left, right, ok := strings.Cut(strings.TrimSpace(spec), "/")
	if !ok {
		return 0, 0, &ConfigError{Field: "quorum", Message: fmt.Sprintf("%q is not of the form k/n", spec)}
	}
	k, err = strconv.Atoi(strings.TrimSpace(left))
	if err != nil {
		return 0, 0, &ConfigError{Field: "quorum", Message: fmt.Sprintf("invalid k in %q", spec)}
	}
	n, err = strconv.Atoi(strings.TrimSpace(right))
	if err != nil {
		return 0, 0, &ConfigError{Field: "quorum", Message: fmt.Sprintf("invalid n in %q", spec)}
	}
	if k <= 0 || n <= 0 || k > n {
		return 0, 0, &ConfigError{Field: "quorum", Message: fmt.Sprintf("need 0 < k <= n, got %d/%d", k, n)}
	}
	return k, n, nil
}

// Spec formats the quorum as "k/n".
func (c Config) Spec() string {
	return fmt.Sprintf("%d/%d", c.K, c.N)
}

// withDefaults fills zero-valued optional fields.
func (c Config) withDefaults() Config {
	if c.JudgeTimeout == 0 {
		c.JudgeTimeout = DefaultJudgeTimeout
	}
	if c.Aggregation == "" {
		c.Aggregation = Unanimous
	}
	return c
}

// Validate checks the policy against judgeCount configured judges.
func (c Config) Validate(judgeCount int) error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{Field: strings.ToLower(fe.Field()), Message: describe(fe)}
		}
		return &ConfigError{Field: "quorum", Message: err.Error()}
	}
	if judgeCount != c.N {
		return &ConfigError{
			Field:   "judges",
			Message: fmt.Sprintf("quorum %s needs %d judges, %d configured", c.Spec(), c.N, judgeCount),
		}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return fmt.Sprintf("must be > %s, got %v", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be >= %s, got %v", fe.Param(), fe.Value())
	case "ltefield":
		return fmt.Sprintf("must be <= %s, got %v", fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}
