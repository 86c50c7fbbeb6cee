// Package streamparse implements the Stream Parser (C2): extraction of token
// usage from upstream SSE or JSON response bodies. Grounded on the teacher's
// internal/adapter/metrics.Extractor, which pairs github.com/PaesslerAG/jsonpath
// for structured usage extraction with a puzpuzpuz/xsync map cache of compiled
// paths; this package keeps that pairing but replaces the generic per-provider
// jsonpath table with the fixed anthropic->usage->prompt/completion fallback
// chain the spec mandates.
package streamparse

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tidwall/gjson"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/util"
)

// usagePaths is tried in order against the parsed document; the first path
// that resolves to a non-error value wins (§4.2 step 3).
var usagePaths = []string{
	"$.anthropic.usage",
	"$.usage",
}

// Parser extracts token usage from an ordered sequence of response chunks.
// It is stateless and safe for concurrent use; the xsync map only caches
// compiled jsonpath expressions, never request data.
type Parser struct {
	compiled *xsync.Map[string, jsonpath.Eval]
}

// New returns a ready-to-use Parser.
func New() *Parser {
	return &Parser{compiled: xsync.NewMap[string, jsonpath.Eval]()}
}

// Parse implements §4.2: search the last chunk's SSE lines from end to start,
// then fall back to treating the whole last chunk as one JSON document. A
// single malformed line never aborts the scan. Returns nil if no usage field
// is found anywhere.
func (p *Parser) Parse(chunks [][]byte) *domain.TokenUsage {
	if len(chunks) == 0 {
		return nil
	}
	last := chunks[len(chunks)-1]

	if usage := p.scanSSELines(last); usage != nil {
		return usage
	}

	return p.scanWholeDocument(last)
}

// scanSSELines walks the final chunk's lines from the end towards the start,
// looking for a `data:` line whose JSON payload carries usage.
func (p *Parser) scanSSELines(chunk []byte) *domain.TokenUsage {
	lines := bytes.Split(chunk, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || string(payload) == "[DONE]" {
			continue
		}

		var doc interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			// malformed line - keep scanning, don't abort (§4.2)
			continue
		}
		if usage := p.extractUsage(doc); usage != nil {
			return usage
		}
	}
	return nil
}

// scanWholeDocument handles the non-streaming case: the entire last chunk is
// one JSON document.
func (p *Parser) scanWholeDocument(chunk []byte) *domain.TokenUsage {
	var doc interface{}
	if err := json.Unmarshal(chunk, &doc); err != nil {
		return nil
	}
	return p.extractUsage(doc)
}

// extractUsage walks the fixed fallback chain: nested anthropic.usage first,
// then top-level usage, reading input_tokens/output_tokens first and
// prompt_tokens/completion_tokens as fallback field names (§4.2 step 3).
func (p *Parser) extractUsage(doc interface{}) *domain.TokenUsage {
	for _, path := range usagePaths {
		eval := p.evalFor(path)
		v, err := eval(doc)
		if err != nil {
			continue
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if usage := usageFromMap(m); usage != nil {
			return usage
		}
	}
	return nil
}

func (p *Parser) evalFor(path string) jsonpath.Eval {
	if eval, ok := p.compiled.Load(path); ok {
		return eval
	}
	eval, err := jsonpath.New(path)
	if err != nil {
		// shouldn't happen: usagePaths is a fixed, valid table.
		eval = func(interface{}) (interface{}, error) { return nil, err }
	}
	actual, _ := p.compiled.LoadOrStore(path, eval)
	return actual
}

// usageFromMap reads input_tokens/output_tokens first and falls back to
// prompt_tokens/completion_tokens (§4.2 step 3). The fields are read with
// util.GetFloat64, shared with the rest of the proxy's loosely-typed JSON map handling.
func usageFromMap(m map[string]interface{}) *domain.TokenUsage {
	in, inOK := util.GetFloat64(m, "input_tokens")
	out, outOK := util.GetFloat64(m, "output_tokens")
	if inOK || outOK {
		return &domain.TokenUsage{InputTokens: int(in), OutputTokens: int(out)}
	}

	in, inOK = util.GetFloat64(m, "prompt_tokens")
	out, outOK = util.GetFloat64(m, "completion_tokens")
	if inOK || outOK {
		return &domain.TokenUsage{InputTokens: int(in), OutputTokens: int(out)}
	}

	return nil
}

// HasQuotaSignal fast-scans a raw error body for the substring "quota"
// (§4.5, §6). gjson picks out just the error.message/error.type fields
// without a full unmarshal; if the body isn't shaped that way (or isn't
// JSON at all), fall back to scanning the raw bytes directly.
func HasQuotaSignal(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return strings.Contains(string(body), "quota")
	}
	msg := gjson.GetBytes(body, "error.message")
	typ := gjson.GetBytes(body, "error.type")
	if strings.Contains(msg.String(), "quota") || strings.Contains(typ.String(), "quota") {
		return true
	}
	return strings.Contains(string(body), "quota")
}
