package records

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Decision is the outcome of comparing an incoming edit with the stored row.
type Decision string

const (
	DecisionApply  Decision = "apply"
	DecisionReject Decision = "reject"
)

const (
	reasonFirstWrite       = "first_write"
	reasonNewerEdit        = "newer_edit"
	reasonStaleEdit        = "stale_edit"
	reasonAuthorTieBreak   = "author_tie_break"
	reasonContentTieBreak  = "content_tie_break"
	reasonIdenticalContent = "identical_content"
)

// Verdict carries the decision and the rule that produced it.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Applied reports whether the incoming row wins.
func (v Verdict) Applied() bool {
	return v.Decision == DecisionApply
}

// Decide orders two edits of the same entity by lastEdit. Equal timestamps fall
// back to the author id, then to the content digest, so any two edits have one
// fixed winner regardless of arrival order. stored is nil for unseen ids.
func Decide(stored Entity, incoming Entity) Verdict {
	if stored == nil {
		return Verdict{Decision: DecisionApply, Reason: reasonFirstWrite}
	}
	current := stored.Meta()
	next := incoming.Meta()

	switch {
	case next.LastEdit > current.LastEdit:
		return Verdict{Decision: DecisionApply, Reason: reasonNewerEdit}
	case next.LastEdit < current.LastEdit:
		return Verdict{Decision: DecisionReject, Reason: reasonStaleEdit}
	case next.LastEditorID > current.LastEditorID:
		return Verdict{Decision: DecisionApply, Reason: reasonAuthorTieBreak}
	case next.LastEditorID < current.LastEditorID:
		return Verdict{Decision: DecisionReject, Reason: reasonAuthorTieBreak}
	}

	incomingDigest := contentDigest(incoming)
	storedDigest := contentDigest(stored)
	switch {
	case incomingDigest > storedDigest:
		return Verdict{Decision: DecisionApply, Reason: reasonContentTieBreak}
	case incomingDigest < storedDigest:
		return Verdict{Decision: DecisionReject, Reason: reasonContentTieBreak}
	}
	return Verdict{Decision: DecisionReject, Reason: reasonIdenticalContent}
}

// contentDigest hashes the row without server-assigned envelope fields.
// encoding/json sorts map keys, so the digest is stable.
func contentDigest(entity Entity) string {
	raw, err := json.Marshal(entity)
	if err != nil {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	delete(fields, "arrivalAtServer")
	delete(fields, "lastEditorId")
	canonical, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
