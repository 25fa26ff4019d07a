package engine

import (
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

// Cycle-count expressions are deliberately narrow: every `{name}` token is
// substituted with the instance data value (empty string when absent), and
// the residue is evaluated as a single expr-lang expression that must yield
// an integer. Anything else falls back to the supplied default.
var cycleTokenPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// evaluateCycleCount resolves one cycle-count expression against the
// instance data.
func evaluateCycleCount(expression string, data map[string]string, fallback int) int {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return fallback
	}

	substituted := cycleTokenPattern.ReplaceAllStringFunc(expression, func(token string) string {
		name := token[1 : len(token)-1]
		return data[name]
	})
	if strings.TrimSpace(substituted) == "" {
		return fallback
	}

	program, err := expr.Compile(substituted)
	if err != nil {
		return fallback
	}
	out, err := expr.Run(program, map[string]any{})
	if err != nil {
		return fallback
	}

	switch n := out.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

// cycleBound computes the effective cycle bound of an instruction:
// min(NumberCycles defaulting to 1, MaxNumberCycles defaulting to the
// engine maximum), clamped to [0, engine maximum].
func cycleBound(instr InstructionConfiguration, data map[string]string, maxCycles int) int {
	n := evaluateCycleCount(instr.NumberCycles, data, 1)
	max := evaluateCycleCount(instr.MaxNumberCycles, data, maxCycles)
	if n > max {
		n = max
	}
	if n > maxCycles {
		n = maxCycles
	}
	if n < 0 {
		n = 0
	}
	return n
}
