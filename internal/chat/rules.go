package chat

import (
	"fmt"
	"strings"
	"time"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/ratelimit"
)

// commandWindow is the fixed window of Rule.MaxCallsPer10s.
const commandWindow = 10 * time.Second

// parseCommand splits an inbound message payload into alias and raw
// parameter string. Bare text is the message command.
func parseCommand(raw string) (alias, param string) {
	if !strings.HasPrefix(raw, "/") {
		return "message", raw
	}
	rest := raw[1:]
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		return strings.ToLower(rest[:i]), rest[i+1:]
	}
	return strings.ToLower(rest), ""
}

// splitParams splits the raw parameter string on single spaces. An empty
// string yields no parameters.
func splitParams(param string) []string {
	if param == "" {
		return nil
	}
	return strings.Split(param, " ")
}

// callCost picks the weight for the caller's right level: the cost of the
// highest threshold not exceeding it, defaulting to 1. The table does not
// have to be sorted.
func callCost(table [][2]int, right int) int {
	cost := 1
	best, found := 0, false
	for _, entry := range table {
		if right < entry[0] {
			continue
		}
		if !found || entry[0] > best {
			best, cost, found = entry[0], entry[1], true
		}
	}
	return cost
}

// checkRules runs steps 2-4 of the dispatch algorithm: rights, rate limits
// and parameter validation. OP callers skip rate limiting entirely.
func (s *Server) checkRules(p Plugin, alias, param string, ctx *CommandContext) error {
	isOP := ctx.Session.IsOP()

	if p.OPOnly() && !isOP {
		return commandError(skychat.ErrOPOnly)
	}
	if !isOP && ctx.Session.Right() < p.MinRight() {
		return commandError(skychat.ErrInsufficientRights)
	}

	rule, hasRule := p.Rules()[alias]

	if hasRule && !isOP {
		key := alias + ":" + ctx.Connection.IP()
		if rule.CoolDown > 0 {
			limiter := s.cooldownLimiter(alias, rule.CoolDown)
			if !limiter.Consume(key) {
				return commandError(skychat.ErrCooldownActive)
			}
		}
		if rule.MaxCallsPer10s > 0 {
			limiter := s.windowLimiter(alias, rule.MaxCallsPer10s)
			cost := callCost(rule.CallCostPerRight, ctx.Session.Right())
			if !limiter.ConsumeN(key, cost) {
				return commandError(skychat.ErrRateLimited)
			}
		}
	}

	if hasRule {
		if err := checkParams(rule, splitParams(param)); err != nil {
			return err
		}
	}

	return nil
}

func checkParams(rule Rule, params []string) error {
	max := rule.MaxParamCount
	if max == 0 {
		if len(rule.Params) > 0 {
			max = len(rule.Params)
		} else {
			max = -1 // unlimited
		}
	}

	if len(params) < rule.MinParamCount {
		return commandErrorf("expected at least %d parameter(s)", rule.MinParamCount)
	}
	if max >= 0 && len(params) > max {
		return commandErrorf("expected at most %d parameter(s)", max)
	}

	for i, spec := range rule.Params {
		if i >= len(params) {
			break
		}
		if spec.Pattern != nil && !spec.Pattern.MatchString(params[i]) {
			name := spec.Name
			if name == "" {
				name = fmt.Sprintf("parameter %d", i+1)
			}
			return commandErrorf("invalid value for %s", name)
		}
	}

	return nil
}

// cooldownLimiter returns the per-alias cooldown bucket set: capacity one
// token refilling every CoolDown, keyed by caller IP.
func (s *Server) cooldownLimiter(alias string, coolDown time.Duration) *ratelimit.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.cooldowns[alias]
	if !ok {
		l = ratelimit.New(ratelimit.Config{Points: 1, Interval: coolDown, Burst: 1})
		s.cooldowns[alias] = l
	}
	return l
}

// windowLimiter returns the per-alias ten-second window bucket set.
func (s *Server) windowLimiter(alias string, maxCalls int) *ratelimit.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.windows[alias]
	if !ok {
		l = ratelimit.New(ratelimit.Config{Points: maxCalls, Interval: commandWindow, Burst: maxCalls})
		s.windows[alias] = l
	}
	return l
}
