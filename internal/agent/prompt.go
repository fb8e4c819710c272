package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/cortex/pkg/models"
)

// basePrompt frames the agent's standing instructions. Memory blocks and
// runtime metadata are appended per turn, so edits made by the memory tools
// are visible on the very next model call.
const basePrompt = `You are a stateful agent with persistent memory.

Your core memory is shown below in labeled blocks. It is always in your
context; keep it accurate with the core_memory_append and
core_memory_replace tools. Facts that matter beyond this conversation
belong in archival memory via archival_memory_insert, and can be recalled
with archival_memory_search. Use conversation_search to recall earlier
parts of this conversation that are no longer in context.

Respond to the user directly unless a tool is needed.`

// CompileSystemPrompt renders the system prompt for one model call.
func CompileSystemPrompt(agent *models.Agent, archivalCount, messageCount int, now time.Time) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n<memory_metadata>\n")
	fmt.Fprintf(&b, "current time: %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "archival memories: %d\n", archivalCount)
	fmt.Fprintf(&b, "prior messages: %d\n", messageCount)
	b.WriteString("</memory_metadata>\n\n<memory_blocks>\n")
	for _, block := range agent.Blocks {
		fmt.Fprintf(&b, "<%s limit=%d>\n%s\n</%s>\n", block.Label, blockLimit(&block), block.Value, block.Label)
	}
	b.WriteString("</memory_blocks>")
	return b.String()
}
