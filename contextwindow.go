package weaver

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/text/unicode/norm"
)

// TruncationStrategy selects which history to shed when the context budget
// is exceeded.
type TruncationStrategy string

const (
	// TruncateSmart protects system messages and the latest user exchange,
	// dropping the oldest remaining history first.
	TruncateSmart TruncationStrategy = "smart"
	// TruncateFIFO drops oldest history first, protecting only system
	// messages.
	TruncateFIFO TruncationStrategy = "fifo"
	// TruncateMiddle keeps both ends of the conversation and hollows out the
	// middle.
	TruncateMiddle TruncationStrategy = "middle"
)

const (
	// per-message framing overhead and reply priming, matching the OpenAI
	// chat token accounting scheme
	tokensPerMessage = 3
	tokensReplyPrime = 3

	// rough overhead for a serialized tool call
	tokensPerToolCall = 8
)

// ContextManager counts tokens and fits message histories into a model's
// context budget without ever splitting a tool_call/tool_result pair.
type ContextManager struct {
	model    string
	budget   int
	strategy TruncationStrategy

	mu  sync.Mutex
	enc *tiktoken.Tiktoken // nil when the model has no known encoding
}

// NewContextManager creates a manager for the given model and token budget.
// Unknown models fall back to the cl100k_base encoding; if even that fails
// to load (offline, no cache) a codepoint estimator takes over.
func NewContextManager(model string, budget int, strategy TruncationStrategy) *ContextManager {
	m := &ContextManager{model: model, budget: budget, strategy: strategy}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err == nil {
		m.enc = enc
	}
	return m
}

// Budget returns the token budget.
func (m *ContextManager) Budget() int { return m.budget }

// CountText returns the token count of a string.
func (m *ContextManager) CountText(s string) int {
	if m.enc != nil {
		m.mu.Lock()
		n := len(m.enc.Encode(s, nil, nil))
		m.mu.Unlock()
		return n
	}
	return estimateTokens(s)
}

// estimateTokens approximates token count without an encoding: narrow
// (ASCII-range) text averages four characters per token, while CJK and other
// wide scripts run close to one token per codepoint.
func estimateTokens(s string) int {
	s = norm.NFC.String(s)
	narrow, wide := 0, 0
	for _, r := range s {
		if r < 0x2E80 {
			narrow++
		} else {
			wide++
		}
	}
	n := narrow/4 + wide
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// CountMessage returns the token cost of one message including framing.
func (m *ContextManager) CountMessage(msg ChatMessage) int {
	n := tokensPerMessage + m.CountText(msg.Role) + m.CountText(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += tokensPerToolCall + m.CountText(tc.Name) + m.CountText(string(tc.Args))
	}
	return n
}

// CountMessages returns the token cost of a history including reply priming.
func (m *ContextManager) CountMessages(msgs []ChatMessage) int {
	n := tokensReplyPrime
	for _, msg := range msgs {
		n += m.CountMessage(msg)
	}
	return n
}

// messageUnit is an atomic truncation unit: either a single message, or an
// assistant tool-call message together with the tool results answering it.
// Units are dropped whole so the LLM never sees an orphaned half of a pair.
type messageUnit struct {
	msgs   []ChatMessage
	tokens int
	system bool
}

func (m *ContextManager) buildUnits(msgs []ChatMessage) []messageUnit {
	var units []messageUnit
	for i := 0; i < len(msgs); {
		u := messageUnit{msgs: []ChatMessage{msgs[i]}, system: msgs[i].Role == "system"}
		if len(msgs[i].ToolCalls) > 0 {
			wanted := make(map[string]bool, len(msgs[i].ToolCalls))
			for _, tc := range msgs[i].ToolCalls {
				wanted[tc.ID] = true
			}
			j := i + 1
			for j < len(msgs) && msgs[j].Role == "tool" && wanted[msgs[j].ToolCallID] {
				u.msgs = append(u.msgs, msgs[j])
				j++
			}
			i = j
		} else {
			i++
		}
		for _, msg := range u.msgs {
			u.tokens += m.CountMessage(msg)
		}
		units = append(units, u)
	}
	return units
}

// Fit returns a history within budget. The returned warnings are non-empty
// when anything was shed; a "context_truncated" warning means even the
// latest user message had to be cut.
func (m *ContextManager) Fit(msgs []ChatMessage) ([]ChatMessage, []string) {
	if m.CountMessages(msgs) <= m.budget {
		return msgs, nil
	}
	units := m.buildUnits(msgs)
	var warnings []string

	keep := make([]bool, len(units))
	for i := range keep {
		keep[i] = true
	}

	protected := m.protectedUnits(units)
	total := tokensReplyPrime
	for _, u := range units {
		total += u.tokens
	}

	dropped := 0
	for _, idx := range m.dropOrder(units, protected) {
		if total <= m.budget {
			break
		}
		keep[idx] = false
		total -= units[idx].tokens
		dropped++
	}
	if dropped > 0 {
		warnings = append(warnings, "history_truncated")
	}

	var out []ChatMessage
	for i, u := range units {
		if keep[i] {
			out = append(out, u.msgs...)
		}
	}

	if total > m.budget {
		out, warnings = m.truncateLastUser(out, total, warnings)
	}
	return out, warnings
}

// protectedUnits marks units that are never dropped: system messages, and
// everything from the final user message onward.
func (m *ContextManager) protectedUnits(units []messageUnit) []bool {
	protected := make([]bool, len(units))
	lastUser := -1
	for i, u := range units {
		if u.system {
			protected[i] = true
		}
		for _, msg := range u.msgs {
			if msg.Role == "user" {
				lastUser = i
			}
		}
	}
	if lastUser >= 0 {
		for i := lastUser; i < len(units); i++ {
			protected[i] = true
		}
	}
	return protected
}

// dropOrder lists droppable unit indices in eviction order per strategy.
func (m *ContextManager) dropOrder(units []messageUnit, protected []bool) []int {
	var droppable []int
	for i := range units {
		if !protected[i] {
			droppable = append(droppable, i)
		}
	}
	switch m.strategy {
	case TruncateMiddle:
		// evict from the center outward so both ends of the conversation
		// survive longest
		ordered := make([]int, 0, len(droppable))
		lo, hi := 0, len(droppable)-1
		mid := len(droppable) / 2
		left, right := mid-1, mid
		for left >= lo || right <= hi {
			if right <= hi {
				ordered = append(ordered, droppable[right])
				right++
			}
			if left >= lo {
				ordered = append(ordered, droppable[left])
				left--
			}
		}
		return ordered
	default: // smart and fifo both evict oldest first
		return droppable
	}
}

// truncateLastUser cuts the final user message down so the history fits,
// slicing at a rune boundary. Last-resort path for a single oversized input.
func (m *ContextManager) truncateLastUser(msgs []ChatMessage, total int, warnings []string) ([]ChatMessage, []string) {
	idx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			idx = i
			break
		}
	}
	if idx < 0 || msgs[idx].Content == "" {
		return msgs, warnings
	}
	over := total - m.budget
	for i := 0; i < 8 && over > 0; i++ {
		content := msgs[idx].Content
		// shave a safety margin beyond the estimated excess
		cutBytes := (over + over/4 + 8) * 4
		keepBytes := len(content) - cutBytes
		if keepBytes < 0 {
			keepBytes = 0
		}
		for keepBytes > 0 && !utf8.RuneStart(content[keepBytes]) {
			keepBytes--
		}
		msgs[idx].Content = strings.TrimRight(content[:keepBytes], " \t\n")
		over = m.CountMessages(msgs) - m.budget
		if msgs[idx].Content == "" {
			break
		}
	}
	return msgs, append(warnings, "context_truncated")
}
