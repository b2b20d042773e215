package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// CalculatorTool evaluates arithmetic expressions with a small
// precedence-climbing parser. Supported: + - * / % ^, parentheses,
// unary minus.
type CalculatorTool struct{}

func NewCalculatorTool() *CalculatorTool {
	return &CalculatorTool{}
}

func (t *CalculatorTool) GetName() string {
	return "calculator"
}

func (t *CalculatorTool) GetDescription() string {
	return "Evaluate an arithmetic expression. Supports + - * / % ^ and parentheses."
}

func (t *CalculatorTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{
				Name:        "expression",
				Type:        "string",
				Description: "Arithmetic expression to evaluate, e.g. \"(3 + 4) * 2\"",
				Required:    true,
			},
		},
	}
}

func (t *CalculatorTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	start := time.Now()

	expression := stringArg(args, "expression", "")
	if expression == "" {
		return errorResult(t.GetName(), "expression parameter is required", start),
			fmt.Errorf("expression parameter is required")
	}

	value, err := evaluate(expression)
	if err != nil {
		return errorResult(t.GetName(), err.Error(), start), err
	}

	return ToolResult{
		Success:       true,
		Content:       strconv.FormatFloat(value, 'g', -1, 64),
		ToolName:      t.GetName(),
		ExecutionTime: time.Since(start),
	}, nil
}

type exprParser struct {
	input []rune
	pos   int
}

func evaluate(expression string) (float64, error) {
	p := &exprParser{input: []rune(expression)}
	value, err := p.parseExpression(0)
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return 0, fmt.Errorf("expression result is not a finite number")
	}
	return value, nil
}

// binding powers, higher binds tighter. ^ is right-associative.
func precedenceOf(op rune) int {
	switch op {
	case '+', '-':
		return 1
	case '*', '/', '%':
		return 2
	case '^':
		return 3
	}
	return 0
}

func (p *exprParser) parseExpression(minPrecedence int) (float64, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return 0, err
	}

	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		precedence := precedenceOf(op)
		if precedence == 0 || precedence < minPrecedence {
			return left, nil
		}
		p.pos++

		next := precedence + 1
		if op == '^' {
			next = precedence
		}
		right, err := p.parseExpression(next)
		if err != nil {
			return 0, err
		}

		switch op {
		case '+':
			left += right
		case '-':
			left -= right
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left = math.Mod(left, right)
		case '^':
			left = math.Pow(left, right)
		}
	}
}

func (p *exprParser) parsePrimary() (float64, error) {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}

	switch c := p.input[p.pos]; {
	case c == '(':
		p.pos++
		value, err := p.parseExpression(0)
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	case c == '-':
		p.pos++
		value, err := p.parsePrimary()
		if err != nil {
			return 0, err
		}
		return -value, nil
	case c == '+':
		p.pos++
		return p.parsePrimary()
	case unicode.IsDigit(c) || c == '.':
		return p.parseNumber()
	default:
		return 0, fmt.Errorf("unexpected character %q at position %d", c, p.pos)
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	text := string(p.input[start:p.pos])
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", text)
	}
	return value, nil
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && strings.ContainsRune(" \t\n", p.input[p.pos]) {
		p.pos++
	}
}
