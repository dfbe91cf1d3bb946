package agent

// candidateScorer ranks agent candidates for a task; selectAgent picks
// the candidate with the highest score for the configured strategy.
type candidateScorer func(a *Agent, task *Task) float64

func scorerFor(strategy Strategy) candidateScorer {
	switch strategy {
	case StrategyRoundRobin:
		return func(a *Agent, _ *Task) float64 {
			// Lowest totalTasksCompleted wins; invert so max-selection
			// picks the least-used agent.
			return -float64(a.TotalTasksCompleted)
		}
	case StrategyLeastLoaded:
		return func(a *Agent, _ *Task) float64 {
			if a.MaxLoad == 0 {
				return 0
			}
			return -float64(a.Load) / float64(a.MaxLoad)
		}
	case StrategyPriorityBased:
		return func(a *Agent, _ *Task) float64 {
			return float64(a.Priority)
		}
	case StrategyCapabilityWeighted:
		return func(a *Agent, task *Task) float64 {
			matching, extra := capabilityOverlap(a.Capabilities, task.RequiredCapabilities)
			return float64(matching)*2 + float64(extra)*0.5
		}
	case StrategyDynamic:
		return dynamicScore
	default:
		return func(a *Agent, _ *Task) float64 {
			if a.MaxLoad == 0 {
				return 0
			}
			return -float64(a.Load) / float64(a.MaxLoad)
		}
	}
}

// dynamicScore implements the weighted composite rule: 0.3*(1-load/max)
// + 0.2*(priority/10) + 0.2*(1-errorRate) + 0.15*speed + 0.15*capScore/10.
func dynamicScore(a *Agent, task *Task) float64 {
	loadFactor := 1.0
	if a.MaxLoad > 0 {
		loadFactor = 1 - float64(a.Load)/float64(a.MaxLoad)
	}

	priorityFactor := float64(a.Priority) / 10.0

	errorFactor := 1 - a.ErrorRate

	speed := 1.0
	if a.AverageTaskDuration > 0 {
		speed = 1.0 / a.AverageTaskDuration
		if speed > 1 {
			speed = 1
		}
	}

	matching, extra := capabilityOverlap(a.Capabilities, task.RequiredCapabilities)
	capScore := float64(matching)*2 + float64(extra)*0.5

	return 0.3*loadFactor + 0.2*priorityFactor + 0.2*errorFactor + 0.15*speed + 0.15*capScore/10
}

// capabilityOverlap returns the count of required capabilities the
// agent holds (matching) and the count of extra capabilities beyond
// what was required.
func capabilityOverlap(agentCaps, required []string) (matching, extra int) {
	need := make(map[string]struct{}, len(required))
	for _, c := range required {
		need[c] = struct{}{}
	}
	have := make(map[string]struct{}, len(agentCaps))
	for _, c := range agentCaps {
		have[c] = struct{}{}
		if _, ok := need[c]; ok {
			matching++
		} else {
			extra++
		}
	}
	return matching, extra
}

// hasAllCapabilities reports whether agentCaps covers every entry in
// required.
func hasAllCapabilities(agentCaps, required []string) bool {
	have := make(map[string]struct{}, len(agentCaps))
	for _, c := range agentCaps {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// selectAgent picks the best candidate per strategy, or nil if none
// are eligible.
func selectAgent(candidates []*Agent, task *Task, strategy Strategy) *Agent {
	score := scorerFor(strategy)

	var best *Agent
	var bestScore float64
	for _, a := range candidates {
		s := score(a, task)
		if best == nil || s > bestScore {
			best = a
			bestScore = s
		}
	}
	return best
}
