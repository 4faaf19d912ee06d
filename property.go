// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Precedence is a property document value's priority: how firmly the
// caller (or the policy manager) insists on it.
type Precedence int

const (
	// PrecedenceOptional is a value the caller would like but can live
	// without.
	PrecedenceOptional Precedence = 0

	// PrecedenceRequested is a value the caller wants honored when
	// possible.
	PrecedenceRequested Precedence = 1

	// PrecedenceImmutable is a value the caller requires; at most one
	// transport entry may carry this precedence.
	PrecedenceImmutable Precedence = 2

	// minPrecedence and maxPrecedence bound the valid integer range;
	// entries outside this range are skipped, not fatal.
	minPrecedence = PrecedenceOptional
	maxPrecedence = PrecedenceImmutable
)

// transportEntry is one element of the property document's "transport"
// list: a stack name tagged with a precedence.
type transportEntry struct {
	Value      string `json:"value"`
	Precedence *int   `json:"precedence"`
}

// PropertyDocument is a parsed property JSON tree. Unknown
// top-level keys are preserved verbatim across [*PropertyDocument.Serialize]
// and [*PropertyDocument.Merge] so a PM round-trip does not lose fields the
// core does not itself interpret.
type PropertyDocument struct {
	fields map[string]json.RawMessage
}

// ParsePropertyDocument parses a property document. A syntactically
// invalid document is reported as [ErrInvalidProperty].
func ParsePropertyDocument(data []byte) (*PropertyDocument, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProperty, err)
	}
	return &PropertyDocument{fields: fields}, nil
}

// NewPropertyDocument returns an empty document, ready to have fields
// merged into it.
func NewPropertyDocument() *PropertyDocument {
	return &PropertyDocument{fields: make(map[string]json.RawMessage)}
}

// Serialize renders the document back to JSON, for the PM wire format or
// for round-trip testing.
func (d *PropertyDocument) Serialize() ([]byte, error) {
	return json.Marshal(d.fields)
}

// Merge overlays reply's fields onto d, replacing any field present in
// both by reply's value. This implements the PM reply merge-back: the PM
// may refine properties the core sent it, and unknown keys the core never
// looked at still make the round trip.
func (d *PropertyDocument) Merge(reply *PropertyDocument) {
	if d.fields == nil {
		d.fields = make(map[string]json.RawMessage)
	}
	for k, v := range reply.fields {
		d.fields[k] = v
	}
}

// transportList returns the raw "transport" list, or nil if the document
// has none.
func (d *PropertyDocument) transportList() ([]transportEntry, error) {
	raw, ok := d.fields["transport"]
	if !ok {
		return nil, nil
	}
	var entries []transportEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: transport: %w", ErrInvalidProperty, err)
	}
	return entries, nil
}

// EnabledTransports implements the property engine's core operation: it
// collects the transport list in three passes — all immutable
// (precedence 2) entries first, then requested (1), then optional (0) —
// deduplicating stacks already collected in an earlier pass, and caps the
// result at maxNumProto. Entries with a missing or out-of-range precedence
// are logged and skipped; a precedence that is not a JSON integer makes the
// whole transport list fail to parse, reported as [ErrInvalidProperty].
// More than one immutable
// entry is an [ErrInvalidProperty]. A document with no "transport" key at
// all enables every known stack, in [allTransportStacks]'s order, capped at
// maxNumProto.
func EnabledTransports(d *PropertyDocument, maxNumProto int, logger SLogger) ([]TransportStack, error) {
	entries, err := d.transportList()
	if err != nil {
		return nil, err
	}

	if entries == nil {
		n := len(allTransportStacks)
		if n > maxNumProto {
			n = maxNumProto
		}
		result := make([]TransportStack, n)
		copy(result, allTransportStacks)
		return result, nil
	}

	byPrecedence := map[Precedence][]TransportStack{}
	immutableCount := 0

	for _, e := range entries {
		if e.Precedence == nil {
			logger.Info("propertyEntrySkipped", slog.String("value", e.Value), slog.String("reason", "missing precedence"))
			continue
		}
		p := Precedence(*e.Precedence)
		if p < minPrecedence || p > maxPrecedence {
			logger.Info("propertyEntrySkipped", slog.String("value", e.Value), slog.Int("precedence", *e.Precedence), slog.String("reason", "out of range"))
			continue
		}
		stack, ok := parseTransportStack(e.Value)
		if !ok {
			logger.Info("propertyEntrySkipped", slog.String("value", e.Value), slog.String("reason", "unknown stack"))
			continue
		}
		if p == PrecedenceImmutable {
			immutableCount++
		}
		byPrecedence[p] = append(byPrecedence[p], stack)
	}

	if immutableCount > 1 {
		return nil, fmt.Errorf("%w: more than one transport at immutable precedence", ErrInvalidProperty)
	}

	var result []TransportStack
	seen := make(map[TransportStack]bool)
	for _, p := range []Precedence{PrecedenceImmutable, PrecedenceRequested, PrecedenceOptional} {
		for _, stack := range byPrecedence[p] {
			if seen[stack] || len(result) >= maxNumProto {
				continue
			}
			seen[stack] = true
			result = append(result, stack)
		}
	}
	if len(result) > maxNumProto {
		result = result[:maxNumProto]
	}
	return result, nil
}
