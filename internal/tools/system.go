package tools

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
)

// MaxExpressionLength bounds calculator input to prevent abuse via
// pathologically long expressions.
const MaxExpressionLength = 1000

// CurrentTimeInput defines input for the currentTime tool (none needed).
type CurrentTimeInput struct{}

// CurrentTimeOutput is the currentTime tool result.
type CurrentTimeOutput struct {
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	ISO8601   string `json:"iso8601"`
}

// CurrentTime returns the current date and time in several formats.
func (k *Kit) CurrentTime(_ *ai.ToolContext, _ CurrentTimeInput) (CurrentTimeOutput, error) {
	now := time.Now()
	return CurrentTimeOutput{
		Time:      now.Format("2006-01-02 15:04:05"),
		Timestamp: now.Unix(),
		ISO8601:   now.Format(time.RFC3339),
	}, nil
}

// CalculatorInput defines input for the calculator tool.
type CalculatorInput struct {
	Expression string `json:"expression" jsonschema_description:"Arithmetic expression, e.g. '(2 + 3) * 4.5'"`
}

// CalculatorOutput is the calculator tool result.
type CalculatorOutput struct {
	Expression string  `json:"expression"`
	Value      float64 `json:"value"`
}

// Calculate evaluates a basic arithmetic expression.
func (k *Kit) Calculate(_ *ai.ToolContext, input CalculatorInput) (CalculatorOutput, error) {
	expr := strings.TrimSpace(input.Expression)
	if expr == "" {
		return CalculatorOutput{}, fmt.Errorf("calculator: expression is required")
	}
	if len(expr) > MaxExpressionLength {
		return CalculatorOutput{}, fmt.Errorf("calculator: expression length %d exceeds maximum %d", len(expr), MaxExpressionLength)
	}

	p := &exprParser{input: expr}
	value, err := p.parseExpr()
	if err != nil {
		return CalculatorOutput{}, fmt.Errorf("calculator: %w", err)
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return CalculatorOutput{}, fmt.Errorf("calculator: unexpected character %q at position %d", p.input[p.pos], p.pos)
	}

	k.logger.Debug("calculator evaluated", "expression", expr, "value", value)
	return CalculatorOutput{Expression: expr, Value: value}, nil
}

// exprParser is a recursive-descent evaluator for + - * / and parentheses.
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			left *= right
		} else {
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}

	if p.input[p.pos] == '(' {
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}

	if p.input[p.pos] == '-' {
		p.pos++
		v, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}
