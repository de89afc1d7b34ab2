package checkpoint

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Prompts containing these fragments are rewritten prompts produced by the
// query-rewrite step, not something the user typed.
var rewriteIndicators = []string{
	"standalone question:",
	"rephrase",
	"follow up",
	"conversation so far",
}

// Wall-clock timestamps on checkpoints are unreliable, so message times are
// synthesized from checkpoint position: base + index*stride, with AI answers
// offset slightly after the user prompt from the same checkpoint. This keeps
// ordering stable and reconstruction idempotent.
const (
	syntheticBase   = 1700000000
	syntheticStride = 1000
	aiOffset        = 500
)

type Chunk struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MessageMeta is the latest derived-state bundle attached to AI messages.
// It comes from the newest checkpoint of the thread, not per-message state:
// the latest derived context is authoritative for the whole displayed thread.
type MessageMeta struct {
	QueriesAndResults [][]string `json:"queries_and_results,omitempty"`
	DatasetsUsed      []string   `json:"datasets_used,omitempty"`
	SQLQuery          string     `json:"sql_query,omitempty"`
	TopChunks         []Chunk    `json:"top_chunks,omitempty"`
	Source            string     `json:"source,omitempty"`
}

// Message is derived, never persisted; it is recomputed from checkpoints on
// every cache miss.
type Message struct {
	ID        string       `json:"id"`
	Content   string       `json:"content"`
	IsUser    bool         `json:"is_user"`
	Timestamp time.Time    `json:"timestamp"`
	Order     int          `json:"order"`
	Meta      *MessageMeta `json:"meta,omitempty"`
}

// Reconstruct turns a thread's checkpoint sequence into a deduplicated,
// chronologically ordered conversation. Zero checkpoints is an empty
// conversation, not an error. A malformed tuple is skipped; the rest of the
// sequence is still processed.
func Reconstruct(tuples []Tuple, source string) []Message {
	ordered := make([]Tuple, len(tuples))
	copy(ordered, tuples)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Config.CheckpointID < ordered[j].Config.CheckpointID
	})

	var messages []Message
	seenPrompts := make(map[string]struct{})
	seenAnswers := make(map[string]struct{})

	for idx, t := range ordered {
		if t.Checkpoint == nil {
			continue
		}

		if t.Metadata != nil && t.Metadata.Writes != nil {
			for _, step := range sortedKeys(t.Metadata.Writes) {
				prompt := strings.TrimSpace(asString(t.Metadata.Writes[step]["prompt"]))
				if prompt == "" || len(prompt) <= 5 {
					continue
				}
				if _, dup := seenPrompts[prompt]; dup {
					continue
				}
				if isRewrittenPrompt(prompt) {
					continue
				}
				seenPrompts[prompt] = struct{}{}
				messages = append(messages, Message{
					Content:   prompt,
					IsUser:    true,
					Timestamp: time.Unix(syntheticBase+int64(idx)*syntheticStride, 0).UTC(),
				})
			}
		}

		answer := strings.TrimSpace(asString(t.Checkpoint.ChannelValues["final_answer"]))
		if len(answer) > 20 {
			if _, dup := seenAnswers[answer]; !dup {
				seenAnswers[answer] = struct{}{}
				messages = append(messages, Message{
					Content:   answer,
					IsUser:    false,
					Timestamp: time.Unix(syntheticBase+int64(idx)*syntheticStride+aiOffset, 0).UTC(),
				})
			}
		}
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	meta := latestStateBundle(ordered, source)

	for i := range messages {
		messages[i].Order = i + 1
		if messages[i].IsUser {
			messages[i].ID = "user_" + strconv.Itoa(i+1)
		} else {
			messages[i].ID = "ai_" + strconv.Itoa(i+1)
			messages[i].Meta = meta
		}
	}
	return messages
}

func isRewrittenPrompt(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, indicator := range rewriteIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

// latestStateBundle reads the derived state slots from the most recent
// checkpoint that has a non-empty body.
func latestStateBundle(ordered []Tuple, source string) *MessageMeta {
	for i := len(ordered) - 1; i >= 0; i-- {
		ckpt := ordered[i].Checkpoint
		if ckpt == nil || len(ckpt.ChannelValues) == 0 {
			continue
		}

		meta := &MessageMeta{
			QueriesAndResults: asPairs(ckpt.ChannelValues["queries_and_results"]),
			DatasetsUsed:      asStrings(ckpt.ChannelValues["top_selection_codes"]),
			TopChunks:         asChunks(ckpt.ChannelValues["top_chunks"]),
			Source:            source,
		}
		if n := len(meta.QueriesAndResults); n > 0 && len(meta.QueriesAndResults[n-1]) > 0 {
			meta.SQLQuery = meta.QueriesAndResults[n-1][0]
		}
		return meta
	}
	return nil
}

func sortedKeys(m map[string]map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// asPairs normalizes queries_and_results into [query, result] pairs.
func asPairs(v any) [][]string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([][]string, 0, len(items))
	for _, it := range items {
		pair, ok := it.([]any)
		if !ok {
			continue
		}
		row := make([]string, 0, len(pair))
		for _, p := range pair {
			row = append(row, asString(p))
		}
		if len(row) > 0 {
			out = append(out, row)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func asChunks(v any) []Chunk {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Chunk, 0, len(items))
	for _, it := range items {
		switch c := it.(type) {
		case map[string]any:
			chunk := Chunk{Content: asString(c["content"])}
			if md, ok := c["metadata"].(map[string]any); ok {
				chunk.Metadata = md
			}
			out = append(out, chunk)
		case string:
			out = append(out, Chunk{Content: c})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
