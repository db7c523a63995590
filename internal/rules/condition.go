// Package rules implements the condition evaluator and the first-match-wins
// rule engine that drive message routing.
package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/janhalen/azure-smartmail/internal/model"
)

// Condition is a boolean predicate over a message. Evaluation is fail-safe:
// eval may return an error for internal failures, and Evaluate collapses that
// to false so a bad condition can never abort message processing.
type Condition interface {
	eval(m *model.Message) (bool, error)
	fmt.Stringer
}

// Evaluate runs a condition against a message. Internal errors are logged and
// resolve to false; they never propagate to the rule engine.
func Evaluate(c Condition, m *model.Message) bool {
	ok, err := c.eval(m)
	if err != nil {
		slog.Warn("condition evaluation failed",
			"condition", c.String(),
			"error", err)
		return false
	}
	return ok
}

// Condition type tags accepted by ParseCondition.
const (
	TypeSubjectContains        = "SubjectContains"
	TypeBodyContains           = "BodyContains"
	TypeAttachmentTextContains = "AttachmentTextContains"
	TypeAnyTextContains        = "AnyTextContains"
	TypeSenderContains         = "SenderContains"
	TypeSenderEquals           = "SenderEquals"
	TypeSubjectRegex           = "SubjectRegex"
	TypeAttachmentTextRegex    = "AttachmentTextRegex"
	TypeAnyTextRegex           = "AnyTextRegex"
	TypeAnd                    = "And"
	TypeOr                     = "Or"
)

// ConditionSpec is the configuration form of a condition. Token applies to
// the substring variants, Pattern to the regex variants, and the two nested
// specs to And/Or.
type ConditionSpec struct {
	Condition1 *ConditionSpec `mapstructure:"condition1" yaml:"condition1"`
	Condition2 *ConditionSpec `mapstructure:"condition2" yaml:"condition2"`
	Type       string         `mapstructure:"type" yaml:"type"`
	Token      string         `mapstructure:"token" yaml:"token"`
	Pattern    string         `mapstructure:"pattern" yaml:"pattern"`
}

// ParseCondition builds a condition from its configuration form. Unknown type
// tags and invalid regex patterns fail here, at load time, not at evaluation.
func ParseCondition(spec ConditionSpec) (Condition, error) {
	switch spec.Type {
	case TypeSubjectContains:
		return NewSubjectContains(spec.Token), nil
	case TypeBodyContains:
		return NewBodyContains(spec.Token), nil
	case TypeAttachmentTextContains:
		return NewAttachmentTextContains(spec.Token), nil
	case TypeAnyTextContains:
		return NewAnyTextContains(spec.Token), nil
	case TypeSenderContains:
		return NewSenderContains(spec.Token), nil
	case TypeSenderEquals:
		return NewSenderEquals(spec.Token), nil
	case TypeSubjectRegex:
		return NewSubjectRegex(spec.Pattern)
	case TypeAttachmentTextRegex:
		return NewAttachmentTextRegex(spec.Pattern)
	case TypeAnyTextRegex:
		return NewAnyTextRegex(spec.Pattern)
	case TypeAnd, TypeOr:
		if spec.Condition1 == nil || spec.Condition2 == nil {
			return nil, fmt.Errorf("%s condition requires condition1 and condition2", spec.Type)
		}
		left, err := ParseCondition(*spec.Condition1)
		if err != nil {
			return nil, err
		}
		right, err := ParseCondition(*spec.Condition2)
		if err != nil {
			return nil, err
		}
		if spec.Type == TypeAnd {
			return NewAnd(left, right), nil
		}
		return NewOr(left, right), nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", spec.Type)
	}
}

type subjectContains struct {
	token string
}

// NewSubjectContains matches when the subject contains token, case-insensitively.
func NewSubjectContains(token string) Condition {
	return &subjectContains{token: strings.ToLower(token)}
}

func (c *subjectContains) eval(m *model.Message) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("nil message")
	}
	return strings.Contains(strings.ToLower(m.Subject), c.token), nil
}

func (c *subjectContains) String() string {
	return fmt.Sprintf("SubjectContains(%q)", c.token)
}

type bodyContains struct {
	token string
}

// NewBodyContains matches when the body contains token, case-insensitively.
func NewBodyContains(token string) Condition {
	return &bodyContains{token: strings.ToLower(token)}
}

func (c *bodyContains) eval(m *model.Message) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("nil message")
	}
	return strings.Contains(strings.ToLower(m.Body), c.token), nil
}

func (c *bodyContains) String() string {
	return fmt.Sprintf("BodyContains(%q)", c.token)
}

type attachmentTextContains struct {
	token string
}

// NewAttachmentTextContains matches when any attachment text contains token.
func NewAttachmentTextContains(token string) Condition {
	return &attachmentTextContains{token: strings.ToLower(token)}
}

func (c *attachmentTextContains) eval(m *model.Message) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("nil message")
	}
	for _, at := range m.AttachmentTexts {
		if strings.Contains(strings.ToLower(at), c.token) {
			return true, nil
		}
	}
	return false, nil
}

func (c *attachmentTextContains) String() string {
	return fmt.Sprintf("AttachmentTextContains(%q)", c.token)
}

type anyTextContains struct {
	token string
}

// NewAnyTextContains matches when the combined subject, body and attachment
// texts contain token.
func NewAnyTextContains(token string) Condition {
	return &anyTextContains{token: strings.ToLower(token)}
}

func (c *anyTextContains) eval(m *model.Message) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("nil message")
	}
	return strings.Contains(strings.ToLower(m.CombinedText()), c.token), nil
}

func (c *anyTextContains) String() string {
	return fmt.Sprintf("AnyTextContains(%q)", c.token)
}

type senderContains struct {
	token string
}

// NewSenderContains matches when the sender address contains token.
func NewSenderContains(token string) Condition {
	return &senderContains{token: strings.ToLower(token)}
}

func (c *senderContains) eval(m *model.Message) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("nil message")
	}
	return strings.Contains(strings.ToLower(m.Sender), c.token), nil
}

func (c *senderContains) String() string {
	return fmt.Sprintf("SenderContains(%q)", c.token)
}

type senderEquals struct {
	token string
}

// NewSenderEquals matches when the sender address equals token exactly,
// ignoring case.
func NewSenderEquals(token string) Condition {
	return &senderEquals{token: strings.ToLower(token)}
}

func (c *senderEquals) eval(m *model.Message) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("nil message")
	}
	return strings.ToLower(m.Sender) == c.token, nil
}

func (c *senderEquals) String() string {
	return fmt.Sprintf("SenderEquals(%q)", c.token)
}

type regexCondition struct {
	re      *regexp.Regexp
	name    string
	extract func(m *model.Message) []string
}

func (c *regexCondition) eval(m *model.Message) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("nil message")
	}
	for _, text := range c.extract(m) {
		// satisfied by one or more matches
		if c.re.MatchString(strings.ToLower(text)) {
			return true, nil
		}
	}
	return false, nil
}

func (c *regexCondition) String() string {
	return fmt.Sprintf("%s(%q)", c.name, c.re.String())
}

// NewSubjectRegex matches when the pattern matches the lower-cased subject.
func NewSubjectRegex(pattern string) (Condition, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid subject pattern %q: %w", pattern, err)
	}
	return &regexCondition{
		re:   re,
		name: TypeSubjectRegex,
		extract: func(m *model.Message) []string {
			return []string{m.Subject}
		},
	}, nil
}

// NewAttachmentTextRegex matches when the pattern matches any lower-cased
// attachment text.
func NewAttachmentTextRegex(pattern string) (Condition, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid attachment pattern %q: %w", pattern, err)
	}
	return &regexCondition{
		re:      re,
		name:    TypeAttachmentTextRegex,
		extract: func(m *model.Message) []string { return m.AttachmentTexts },
	}, nil
}

// NewAnyTextRegex matches when the pattern matches the lower-cased combined
// text of the message.
func NewAnyTextRegex(pattern string) (Condition, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid text pattern %q: %w", pattern, err)
	}
	return &regexCondition{
		re:   re,
		name: TypeAnyTextRegex,
		extract: func(m *model.Message) []string {
			return []string{m.CombinedText()}
		},
	}, nil
}

type andCondition struct {
	left, right Condition
}

// NewAnd matches when both children match; the right child is not evaluated
// when the left one fails.
func NewAnd(left, right Condition) Condition {
	return &andCondition{left: left, right: right}
}

func (c *andCondition) eval(m *model.Message) (bool, error) {
	ok, err := c.left.eval(m)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return c.right.eval(m)
}

func (c *andCondition) String() string {
	return fmt.Sprintf("And(%s, %s)", c.left, c.right)
}

type orCondition struct {
	left, right Condition
}

// NewOr matches when either child matches; the right child is not evaluated
// when the left one succeeds.
func NewOr(left, right Condition) Condition {
	return &orCondition{left: left, right: right}
}

func (c *orCondition) eval(m *model.Message) (bool, error) {
	ok, err := c.left.eval(m)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return c.right.eval(m)
}

func (c *orCondition) String() string {
	return fmt.Sprintf("Or(%s, %s)", c.left, c.right)
}
