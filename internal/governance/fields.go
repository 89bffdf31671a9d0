// Package governance materializes the vote-request projection: one row per
// created proposal-root contract, finalized exclusively by consuming
// exercises observed on the DSO rules template.
package governance

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/payload"
)

// Template suffixes this projection cares about.
const (
	ProposalTemplate    = "VoteRequest"
	ConsumptionTemplate = "DsoRules"
)

// proposalFieldOrder is the positional layout of the proposal payload.
var proposalFieldOrder = []string{
	"dso", "requester", "action", "reason", "voteBefore", "votes", "trackingCid",
}

// ProposalFields is the normalized proposal payload, shape-independent.
type ProposalFields struct {
	DSO         string
	Requester   string
	ActionTag   string
	ActionBody  json.RawMessage
	Reason      string
	ReasonURL   string
	VoteBefore  *time.Time
	Votes       []Vote
	TrackingCID string
	Shape       payload.Shape
}

// Vote is one recorded SV vote.
type Vote struct {
	SV     string `json:"sv"`
	Accept bool   `json:"accept"`
	Reason string `json:"reason,omitempty"`
}

// ExtractProposalFields probes the payload shape and projects it onto the
// named form. It never fails: absent attributes stay zero.
func ExtractProposalFields(raw json.RawMessage) ProposalFields {
	fields, shape := payload.Fields(raw, proposalFieldOrder)
	pf := ProposalFields{Shape: shape}
	if fields == nil {
		return pf
	}
	pf.DSO = payload.ExtractParty(fields["dso"])
	pf.Requester = payload.ExtractParty(fields["requester"])
	pf.ActionTag, pf.ActionBody = parseAction(fields["action"])
	pf.Reason, pf.ReasonURL = parseReason(fields["reason"])
	if t, ok := payload.ExtractTime(fields["voteBefore"]); ok {
		pf.VoteBefore = &t
	} else if t, ok := payload.ExtractTime(fields["vote_before"]); ok {
		pf.VoteBefore = &t
	}
	pf.Votes = parseVotes(fields["votes"])
	pf.TrackingCID = payload.ExtractText(fields["trackingCid"])
	if pf.TrackingCID == "" {
		pf.TrackingCID = payload.ExtractText(fields["tracking_cid"])
	}
	return pf
}

// parseAction unwraps the tagged action variant down to its innermost tag
// and value. Both {"tag": t, "value": v} and the single-key {t: v} encodings
// occur in the wild.
func parseAction(raw json.RawMessage) (string, json.RawMessage) {
	tag, body := "", raw
	for depth := 0; depth < 4; depth++ {
		var tagged struct {
			Tag   string          `json:"tag"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(body, &tagged); err == nil && tagged.Tag != "" {
			tag, body = tagged.Tag, tagged.Value
			continue
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(body, &m); err == nil && len(m) == 1 {
			for k, v := range m {
				// Inner wrappers like dsoAction/amuletRulesAction carry no tag
				// of their own; descend without overwriting the current one.
				if k == "dsoAction" || k == "amuletRulesAction" {
					body = v
				} else if looksLikeActionTag(k) {
					tag, body = k, v
				} else {
					return tag, body
				}
			}
			continue
		}
		break
	}
	return tag, body
}

func looksLikeActionTag(k string) bool {
	return strings.HasPrefix(k, "ARC_") ||
		strings.HasPrefix(k, "SRARC_") ||
		strings.HasPrefix(k, "CRARC_")
}

func parseReason(raw json.RawMessage) (body, reasonURL string) {
	if len(raw) == 0 {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", ""
	}
	return payload.ExtractText(m["body"]), payload.ExtractText(m["url"])
}

// parseVotes accepts both the entry-object form and the [key, value] pair
// form the ledger uses for maps.
func parseVotes(raw json.RawMessage) []Vote {
	if len(raw) == 0 {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	var out []Vote
	for _, entry := range entries {
		// Pair form: ["svName", {vote}]
		var pair []json.RawMessage
		if err := json.Unmarshal(entry, &pair); err == nil && len(pair) == 2 {
			v := parseVote(pair[1])
			if v.SV == "" {
				v.SV = payload.ExtractText(pair[0])
			}
			out = append(out, v)
			continue
		}
		out = append(out, parseVote(entry))
	}
	return out
}

func parseVote(raw json.RawMessage) Vote {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Vote{}
	}
	v := Vote{SV: payload.ExtractParty(m["sv"])}
	for _, k := range []string{"accept", "isAccepted"} {
		if b, ok := m[k]; ok {
			json.Unmarshal(b, &v.Accept)
			break
		}
	}
	v.Reason, _ = parseReason(m["reason"])
	return v
}

// subjectKeys is the fixed priority table for deriving the semantic subject
// of an action.
var subjectKeys = []string{
	"provider", "rightCid", "svParty", "beneficiary", "validator",
	"memberParty", "participantId", "sv",
}

// configKeys mark config-blob payloads whose stable hash becomes the subject.
var configKeys = []string{"newConfig", "amuletRulesConfig", "newSchedule", "baseConfig"}

// ActionSubject derives the canonical subject of an action body. Falls back
// to requester identity, then to the bare tag.
func ActionSubject(tag string, body json.RawMessage, requester string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err == nil {
		for _, k := range subjectKeys {
			if v, ok := m[k]; ok {
				if s := payload.ExtractParty(v); s != "" {
					return s
				}
			}
		}
		for _, k := range configKeys {
			if v, ok := m[k]; ok {
				return "config:" + payload.StableHash(v)
			}
		}
	}
	if requester != "" {
		return "requester:" + requester
	}
	return tag
}

// SemanticKey groups logically identical proposals across resubmissions.
func SemanticKey(tag, subject string) string {
	return tag + "::" + subject
}

// configMaintenanceTags is the closed set of action tags considered
// automated config upkeep rather than human governance.
var configMaintenanceTags = map[string]bool{
	"CRARC_AddFutureAmuletConfigSchedule":    true,
	"CRARC_RemoveFutureAmuletConfigSchedule": true,
	"CRARC_UpdateFutureAmuletConfigSchedule": true,
	"CRARC_SetConfig":                        true,
	"SRARC_SetConfig":                        true,
	"SRARC_UpdateSvRewardWeight":             true,
}

// narrativeHosts are the mailing-list hosts whose presence in a reason URL
// marks the proposal as discussed by humans.
var narrativeHosts = map[string]bool{
	"lists.sync.global": true,
	"groups.google.com": true,
}

// IsHuman classifies a proposal: not config maintenance, and either carrying
// a narrative (reason text or recognized discussion link) or actual votes.
func IsHuman(pf ProposalFields) bool {
	if configMaintenanceTags[pf.ActionTag] {
		return false
	}
	hasNarrative := strings.TrimSpace(pf.Reason) != "" || recognizedHost(pf.ReasonURL)
	hasVotes := len(pf.Votes) > 0
	return hasNarrative || hasVotes
}

func recognizedHost(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return narrativeHosts[strings.ToLower(u.Hostname())]
}

// TerminalExercise is one consuming exercise that finalized a proposal root.
type TerminalExercise struct {
	Choice      string
	OutcomeTag  string
	EffectiveAt time.Time
	EventID     string
}

// OutcomeStatus maps a terminal exercise to the proposal status, preferring
// the explicit outcome tag over the choice name. Unknown tags default to
// executed and are counted by the caller.
func OutcomeStatus(term TerminalExercise) (status string, known bool) {
	for _, probe := range []string{term.OutcomeTag, term.Choice} {
		s := strings.ToLower(probe)
		switch {
		case s == "":
			continue
		case strings.Contains(s, "accept"):
			return models.StatusExecuted, true
		case strings.Contains(s, "reject"):
			return models.StatusRejected, true
		case strings.Contains(s, "expire"):
			return models.StatusExpired, true
		}
	}
	return models.StatusExecuted, false
}

// DeriveStatus resolves the final status of a proposal row. Only the
// terminal map finalizes; vote tallies never influence the result.
func DeriveStatus(term *TerminalExercise, voteBefore *time.Time, now time.Time) (status string, closed, knownOutcome bool) {
	if term != nil {
		status, known := OutcomeStatus(*term)
		return status, true, known
	}
	if voteBefore != nil && voteBefore.Before(now) {
		return models.StatusExpired, false, true
	}
	return models.StatusInProgress, false, true
}

// proposalRootPaths are the argument paths tried, in order, to find the
// proposal-root contract id inside a terminal exercise argument.
var proposalRootPaths = []string{"voteRequestCid", "requestCid", "voteRequest", "cid"}

// ProposalRootCID extracts the proposal-root reference from a terminal
// exercise argument, or "" when no candidate path matches.
func ProposalRootCID(arg json.RawMessage) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(arg, &m); err != nil {
		return ""
	}
	for _, k := range proposalRootPaths {
		if v, ok := m[k]; ok {
			if s := payload.ExtractText(v); s != "" {
				return s
			}
		}
	}
	// One level of "value" wrapping occurs on some protocol versions.
	if inner, ok := m["value"]; ok {
		return ProposalRootCID(inner)
	}
	return ""
}
