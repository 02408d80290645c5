package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
)

// ErrInvalidFrame is returned by PeekType when a frame is not a JSON object
// with a "type" string field.
var ErrInvalidFrame = errors.New("protocol: invalid frame")

// PeekType reads just the "type" discriminant from a raw inbound frame
// without committing to a specific payload struct.
func PeekType(raw []byte) (string, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", ErrInvalidFrame
	}
	if f.Type == "" {
		return "", ErrInvalidFrame
	}
	return f.Type, nil
}

// Encode marshals an outbound frame, returning the bytes to write to the
// connection. The caller is responsible for stamping TS before encoding.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// NowMS returns the current time in milliseconds since epoch, the unit
// frames use for their "ts" and "server_time" fields.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// --- name validation ---

// ValidAgentName reports whether name is a legal IDENTIFY display name:
// 1-24 printable characters, no whitespace, and no leading '#' or '@'.
func ValidAgentName(name string) bool {
	if len(name) == 0 || len(name) > 24 {
		return false
	}
	if strings.HasPrefix(name, "#") || strings.HasPrefix(name, "@") {
		return false
	}
	return allPrintableNoSpace(name)
}

// ValidChannelName reports whether name is a legal channel name: 1-32
// printable characters, first character '#'.
func ValidChannelName(name string) bool {
	if len(name) < 1 || len(name) > 32 {
		return false
	}
	if !strings.HasPrefix(name, "#") {
		return false
	}
	return allPrintableNoSpace(name)
}

// ValidAgentID reports whether target looks like a well-formed "@agentid"
// reference (not whether the agent actually exists).
func ValidAgentID(target string) bool {
	if !strings.HasPrefix(target, "@") {
		return false
	}
	rest := target[1:]
	if len(rest) < 1 || len(rest) > 24 {
		return false
	}
	return allPrintableNoSpace(rest)
}

func allPrintableNoSpace(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// --- canonical signing strings ---
//
// Each builder produces the exact byte string a signer and verifier must
// agree on. Any mutation to an argument, or to the resulting string,
// invalidates the signature.

func BuildAuthSigningString(nonce, challengeID string, serverTime int64) string {
	return fmt.Sprintf("AUTH|%s|%s|%d", nonce, challengeID, serverTime)
}

func BuildProposalSigningString(id, from, to, task string, amount float64, currency, capability string) string {
	return fmt.Sprintf("PROPOSAL|%s|%s|%s|%s|%s|%s|%s", id, from, to, task, formatAmount(amount), currency, capability)
}

func BuildAcceptSigningString(proposalID, paymentCode string) string {
	return fmt.Sprintf("ACCEPT|%s|%s", proposalID, paymentCode)
}

func BuildRejectSigningString(proposalID, reason string) string {
	return fmt.Sprintf("REJECT|%s|%s", proposalID, reason)
}

func BuildCompleteSigningString(proposalID, proof string) string {
	return fmt.Sprintf("COMPLETE|%s|%s", proposalID, proof)
}

func BuildDisputeSigningString(proposalID, reason string) string {
	return fmt.Sprintf("DISPUTE|%s|%s", proposalID, reason)
}

// BuildRegisterSkillsSigningString canonicalizes the skills list as
// sorted, comma-joined entries so the signer and verifier never disagree
// over JSON key ordering.
func BuildRegisterSkillsSigningString(agent string, skills []string) string {
	sorted := make([]string, len(skills))
	copy(sorted, skills)
	sort.Strings(sorted)
	return fmt.Sprintf("REGISTER_SKILLS|%s|%s", agent, canonicalJoin(sorted))
}

func BuildDisputeIntentSigningString(proposalID, reason, commitment string) string {
	return fmt.Sprintf("DISPUTE_INTENT|%s|%s|%s", proposalID, reason, commitment)
}

func BuildDisputeRevealSigningString(disputeID, nonce string) string {
	return fmt.Sprintf("DISPUTE_REVEAL|%s|%s", disputeID, nonce)
}

func BuildEvidenceSigningString(disputeID, statement string, items []EvidenceItem) string {
	return fmt.Sprintf("EVIDENCE|%s|%s|%s", disputeID, statement, canonicalEvidenceItems(items))
}

func BuildArbiterAcceptSigningString(disputeID string) string {
	return fmt.Sprintf("ARBITER_ACCEPT|%s", disputeID)
}

func BuildArbiterDeclineSigningString(disputeID, reason string) string {
	return fmt.Sprintf("ARBITER_DECLINE|%s|%s", disputeID, reason)
}

func BuildArbiterVoteSigningString(disputeID, verdict, reasoning string) string {
	return fmt.Sprintf("ARBITER_VOTE|%s|%s|%s", disputeID, verdict, reasoning)
}

func canonicalJoin(sorted []string) string {
	return strings.Join(sorted, ",")
}

// canonicalEvidenceItems serializes items as "{kind:K,content:C}" joined by
// ";", in the items' own order, for the evidence signing string.
func canonicalEvidenceItems(items []EvidenceItem) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = fmt.Sprintf("{kind:%s,content:%s}", it.Kind, it.Content)
	}
	return strings.Join(parts, ";")
}

func formatAmount(amount float64) string {
	if amount == 0 {
		return "0"
	}
	return fmt.Sprintf("%g", amount)
}

// SortedKeyJSON marshals v after round-tripping it through a generic map so
// keys are emitted in sorted order, matching the spec's "sorted-key JSON"
// integrity hash requirement for evidence items.
func SortedKeyJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			b.Write(ib)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(val)
	}
}
