package chat

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/vnmchuo/chat-gateway/internal/provider"
	"github.com/vnmchuo/chat-gateway/pkg/logger"
)

// routingRule is a compiled Routing.Expression. The expression sees
// message, length, tokens and providers and returns the name of the
// provider to try first, or an empty string to keep priority order.
type routingRule struct {
	source  string
	program *vm.Program
}

func compileRule(source string) *routingRule {
	if source == "" {
		return nil
	}
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		logger.Warn("routing expression ignored", "expression", source, "error", err)
		return nil
	}
	return &routingRule{source: source, program: program}
}

// apply moves the provider named by the rule to the front of candidates.
// Evaluation errors and unknown names leave candidates unchanged.
func (r *routingRule) apply(candidates []provider.ID, message string, tokens int) []provider.ID {
	names := make([]string, len(candidates))
	for i, id := range candidates {
		names[i] = string(id)
	}
	env := map[string]interface{}{
		"message":   message,
		"length":    len(message),
		"tokens":    tokens,
		"providers": names,
	}

	out, err := expr.Run(r.program, env)
	if err != nil {
		logger.Debug("routing expression failed", "expression", r.source, "error", err)
		return candidates
	}
	name, ok := out.(string)
	if !ok || name == "" {
		return candidates
	}

	preferred := provider.ID(name)
	reordered := make([]provider.ID, 0, len(candidates))
	for _, id := range candidates {
		if id == preferred {
			reordered = append(reordered, id)
		}
	}
	if len(reordered) == 0 {
		return candidates
	}
	for _, id := range candidates {
		if id != preferred {
			reordered = append(reordered, id)
		}
	}
	return reordered
}
