// Package memory implements hierarchical memory consolidation for AI
// agents: a background process that keeps an agent's working context
// bounded by compressing old interactions into progressively smaller,
// more abstract representations across four tiers.
//
// Tiers:
//   - Working (L1): the most recent raw interaction records
//   - Episodic (L2): compressed summaries of batches of past interactions
//   - Semantic (L3): deduplicated, contradiction-resolved facts extracted
//     from episodes
//   - Procedural (L4): learned recurring trigger-to-action patterns
//
// Architecture:
//   - Generator: injected LLM capability used for compression, extraction,
//     merging, and contradiction resolution
//   - Embedder + Index: injected vector capabilities, namespaced per agent
//   - Consolidator: the pipeline that promotes information up the tiers
//   - Manager: the single entry point for the agent-turn loop
//     (RecordInteraction, RetrieveContext, ForceConsolidate, Stats)
//
// Consolidation runs in the background and never blocks or fails the turn
// that triggered it. The crash-safety rule throughout is commit the summary
// first, then trim the buffer: a failure at any stage leaves working memory
// intact, so the next cycle retries from the same records.
//
// Local implementations:
//   - chromem.Index (embedded vector database)
//   - mock.Embedder / onnx.Embedder (deterministic hashing or
//     all-MiniLM-L6-v2, offline)
//   - anthropic.Generator (Claude)
//   - sqlite.Store archive for durability and crash recovery
package memory
