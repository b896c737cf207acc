package gateway

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/l0p7/ursagate/internal/metrics"
	"github.com/l0p7/ursagate/internal/nbt"
	"github.com/l0p7/ursagate/internal/rules"
)

// decodeErrorKey marks a field that carried an embedded payload the decoder
// could not make sense of. The raw value stays in place under its own name.
const decodeErrorKey = "_decodeError"

// Normalizer rewrites embedded base64 binary payloads inside upstream JSON
// into plain trees. Runs once per upstream fetch; cached entries are already
// normalized.
type Normalizer struct {
	metrics *metrics.Recorder
	logger  *slog.Logger
}

func NewNormalizer(recorder *metrics.Recorder, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		metrics: recorder,
		logger:  logger.With(slog.String("agent", "normalize")),
	}
}

// Normalize applies the rule's normalize paths to the payload. Failures are
// field-scoped: a field that cannot be decoded keeps its raw value and gains
// a marker sibling, while the rest of the document normalizes as usual. A
// payload that is not a JSON object at all passes through untouched.
func (n *Normalizer) Normalize(rule *rules.Rule, payload []byte) []byte {
	if len(rule.Normalize) == 0 {
		return payload
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		n.logger.Warn("payload is not a JSON object, skipping normalization",
			slog.String("rule", rule.Name), slog.Any("error", err))
		return payload
	}

	for _, path := range rule.Normalize {
		segments := strings.Split(path, ".")
		n.normalizeNode(rule.Name, doc, segments)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		n.logger.Warn("re-encoding normalized payload failed",
			slog.String("rule", rule.Name), slog.Any("error", err))
		return payload
	}
	return normalized
}

// normalizeNode walks one dot path through node. Arrays are transparent: the
// remaining path applies to every element, which is how inventory payloads
// nest their item slots.
func (n *Normalizer) normalizeNode(ruleName string, node any, segments []string) {
	if list, ok := node.([]any); ok {
		for _, item := range list {
			n.normalizeNode(ruleName, item, segments)
		}
		return
	}

	obj, ok := node.(map[string]any)
	if !ok || len(segments) == 0 {
		return
	}

	field := segments[0]
	child, present := obj[field]
	if !present {
		return
	}

	if len(segments) > 1 {
		n.normalizeNode(ruleName, child, segments[1:])
		return
	}

	// Terminal segment: arrays of encoded strings decode element-wise.
	if list, ok := child.([]any); ok {
		for i, item := range list {
			if encoded, ok := item.(string); ok {
				if decoded, err := nbt.DecodeBase64(encoded); err == nil {
					list[i] = decoded.Plain()
				} else {
					n.markFailure(ruleName, obj, field, err)
				}
			}
		}
		return
	}

	encoded, ok := child.(string)
	if !ok {
		return
	}
	decoded, err := nbt.DecodeBase64(encoded)
	if err != nil {
		n.markFailure(ruleName, obj, field, err)
		return
	}
	obj[field] = decoded.Plain()
}

func (n *Normalizer) markFailure(ruleName string, obj map[string]any, field string, err error) {
	n.metrics.ObserveDecodeFailure(ruleName)
	n.logger.Warn("embedded payload decode failed",
		slog.String("rule", ruleName),
		slog.String("field", field),
		slog.Any("error", err))

	failures, _ := obj[decodeErrorKey].(map[string]any)
	if failures == nil {
		failures = map[string]any{}
		obj[decodeErrorKey] = failures
	}
	failures[field] = err.Error()
}
