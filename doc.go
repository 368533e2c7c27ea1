// Package weaver is the core orchestration engine of the Weaver AI-agent
// platform: a graph runtime over a shared conversation state, an intent
// router, a multi-epoch deep-research engine, a tool-invocation substrate
// with per-turn event streaming, and conversation checkpointing so that
// interrupted work can be resumed.
//
// The engine sees its collaborators as capabilities: the LLM behind
// [Provider], web search behind [SearchClient], persistence behind
// [Checkpointer] and [SessionStore], and tools behind [ToolHandler]
// contracts registered in a [Registry]. Everything else lives here: graph
// execution, routing, research epochs, event fan-out, context budgeting.
package weaver
