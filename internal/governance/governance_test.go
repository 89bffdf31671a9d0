package governance

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/decoder"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/models"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/store"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/templateindex"
	"github.com/bstolman1/amulet-scan-port-sub011/internal/warehouse"
)

func TestParseAction(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		wantTag string
	}{
		{
			"tagged variant",
			`{"tag":"ARC_AmuletRules","value":{"amuletRulesAction":{"tag":"CRARC_AddFutureAmuletConfigSchedule","value":{"newScheduleItem":{}}}}}`,
			"CRARC_AddFutureAmuletConfigSchedule",
		},
		{
			"single-key variant",
			`{"SRARC_OffboardSv":{"sv":"sv-x::99"}}`,
			"SRARC_OffboardSv",
		},
		{
			"nested dso action",
			`{"tag":"ARC_DsoRules","value":{"dsoAction":{"tag":"SRARC_GrantFeaturedAppRight","value":{"provider":"app-1::f00"}}}}`,
			"SRARC_GrantFeaturedAppRight",
		},
		{"non-object", `"noop"`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tag, _ := parseAction(json.RawMessage(tc.raw))
			if tag != tc.wantTag {
				t.Fatalf("tag = %q, want %q", tag, tc.wantTag)
			}
		})
	}
}

func TestActionSubject(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		tag  string
		body string
		want string
	}{
		{"provider wins", "SRARC_GrantFeaturedAppRight", `{"provider":"app::1","beneficiary":"other::2"}`, "app::1"},
		{"sv party", "SRARC_OffboardSv", `{"svParty":"sv::9"}`, "sv::9"},
		{"wrapped party", "SRARC_OffboardSv", `{"sv":{"party":"sv::9"}}`, "sv::9"},
		{"requester fallback", "ARC_Other", `{"unrelated":1}`, "requester:req::1"},
		{"tag fallback", "ARC_Other", `{"unrelated":1}`, "ARC_Other"},
	}
	for _, tc := range cases {
		requester := ""
		if tc.name == "requester fallback" {
			requester = "req::1"
		}
		if got := ActionSubject(tc.tag, json.RawMessage(tc.body), requester); got != tc.want {
			t.Fatalf("%s: subject = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestActionSubjectConfigHashIsStable(t *testing.T) {
	t.Parallel()

	a := ActionSubject("CRARC_SetConfig", json.RawMessage(`{"newConfig":{"a":1,"b":2}}`), "")
	b := ActionSubject("CRARC_SetConfig", json.RawMessage(`{"newConfig":{"b":2,"a":1}}`), "")
	if a != b {
		t.Fatalf("hash differs for reordered keys: %q vs %q", a, b)
	}
	c := ActionSubject("CRARC_SetConfig", json.RawMessage(`{"newConfig":{"a":1,"b":3}}`), "")
	if a == c {
		t.Fatal("hash identical for different configs")
	}
}

func TestIsHuman(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		pf   ProposalFields
		want bool
	}{
		{"config maintenance", ProposalFields{ActionTag: "CRARC_SetConfig", Reason: "discussed"}, false},
		{"narrative reason", ProposalFields{ActionTag: "SRARC_OffboardSv", Reason: "misbehaving"}, true},
		{"discussion link", ProposalFields{ActionTag: "SRARC_OffboardSv", ReasonURL: "https://lists.sync.global/g/cip/topic/1"}, true},
		{"unknown link only", ProposalFields{ActionTag: "SRARC_OffboardSv", ReasonURL: "https://example.com/x"}, false},
		{"votes only", ProposalFields{ActionTag: "SRARC_OffboardSv", Votes: []Vote{{SV: "a", Accept: true}}}, true},
		{"bare", ProposalFields{ActionTag: "SRARC_OffboardSv"}, false},
	}
	for _, tc := range cases {
		if got := IsHuman(tc.pf); got != tc.want {
			t.Fatalf("%s: IsHuman = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestOutcomeStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		term      TerminalExercise
		want      string
		wantKnown bool
	}{
		{TerminalExercise{OutcomeTag: "VRO_Accepted"}, models.StatusExecuted, true},
		{TerminalExercise{OutcomeTag: "VRO_Rejected"}, models.StatusRejected, true},
		{TerminalExercise{OutcomeTag: "VRO_Expired"}, models.StatusExpired, true},
		{TerminalExercise{Choice: "DsoRules_CloseVoteRequest", OutcomeTag: "VRO_Mystery"}, models.StatusExecuted, false},
		{TerminalExercise{Choice: "DsoRules_RejectVoteRequest"}, models.StatusRejected, true},
	}
	for _, tc := range cases {
		got, known := OutcomeStatus(tc.term)
		if got != tc.want || known != tc.wantKnown {
			t.Fatalf("OutcomeStatus(%+v) = %q %v, want %q %v", tc.term, got, known, tc.want, tc.wantKnown)
		}
	}
}

func TestDeriveStatus(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	// Only a terminal exercise closes a row.
	status, closed, _ := DeriveStatus(&TerminalExercise{OutcomeTag: "VRO_Accepted"}, &past, now)
	if status != models.StatusExecuted || !closed {
		t.Fatalf("terminal: %q closed=%v", status, closed)
	}
	// A past deadline without a terminal marks expired but stays open.
	status, closed, _ = DeriveStatus(nil, &past, now)
	if status != models.StatusExpired || closed {
		t.Fatalf("past deadline: %q closed=%v", status, closed)
	}
	status, closed, _ = DeriveStatus(nil, &future, now)
	if status != models.StatusInProgress || closed {
		t.Fatalf("open: %q closed=%v", status, closed)
	}
	status, _, _ = DeriveStatus(nil, nil, now)
	if status != models.StatusInProgress {
		t.Fatalf("no deadline: %q", status)
	}
}

func TestProposalRootCID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want string
	}{
		{`{"voteRequestCid":"cid-1"}`, "cid-1"},
		{`{"requestCid":"cid-2","other":true}`, "cid-2"},
		{`{"voteRequest":{"value":"cid-3"}}`, "cid-3"},
		{`{"value":{"cid":"cid-4"}}`, "cid-4"},
		{`{"amount":"1.0"}`, ""},
		{`[]`, ""},
	}
	for _, tc := range cases {
		if got := ProposalRootCID(json.RawMessage(tc.raw)); got != tc.want {
			t.Fatalf("ProposalRootCID(%s) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestExtractProposalFieldsPositional(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"fields":[
		{"value":{"party":"dso::1"}},
		{"value":{"party":"req::1"}},
		{"value":{"SRARC_OffboardSv":{"sv":"sv::9"}}},
		{"value":{"url":"","body":"bye"}},
		{"value":"2024-05-03T00:00:00Z"},
		{"value":[]},
		{"value":"track-9"}
	]}`)
	pf := ExtractProposalFields(raw)
	if pf.Shape.String() != "positional" {
		t.Fatalf("shape = %v", pf.Shape)
	}
	if pf.Requester != "req::1" || pf.ActionTag != "SRARC_OffboardSv" {
		t.Fatalf("fields = %+v", pf)
	}
	if pf.Reason != "bye" || pf.TrackingCID != "track-9" {
		t.Fatalf("reason/tracking = %q %q", pf.Reason, pf.TrackingCID)
	}
	if pf.VoteBefore == nil || !pf.VoteBefore.Equal(time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("voteBefore = %v", pf.VoteBefore)
	}
}

func newTestIndexer(t *testing.T) (*Indexer, *warehouse.Warehouse, *templateindex.Builder, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.duckdb"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	rawDir := filepath.Join(dir, "raw")
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		t.Fatal(err)
	}
	wh := warehouse.New(st, zap.NewNop(), rawDir)
	tix := templateindex.NewBuilder(st, zap.NewNop(), dir, 2, 2)
	ix := New(st, tix, filepath.Join(dir, ".locks"), zap.NewNop())
	return ix, wh, tix, rawDir
}

func seed(t *testing.T, rawDir, name string, recs []models.Record) {
	t.Helper()
	path := filepath.Join(rawDir, name)
	if err := decoder.WriteFile(path, [][]models.Record{recs}); err != nil {
		t.Fatal(err)
	}
}

func proposalPayload(requester, subject, reason, tracking string, voteBefore time.Time, votes string) json.RawMessage {
	p := map[string]any{
		"dso":       map[string]any{"party": "dso::1"},
		"requester": map[string]any{"party": requester},
		"action": map[string]any{
			"tag": "ARC_DsoRules",
			"value": map[string]any{
				"dsoAction": map[string]any{
					"tag":   "SRARC_OffboardSv",
					"value": map[string]any{"sv": subject},
				},
			},
		},
		"reason":     map[string]any{"url": "", "body": reason},
		"voteBefore": voteBefore.Format(time.RFC3339),
	}
	if tracking != "" {
		p["trackingCid"] = tracking
	}
	if votes != "" {
		p["votes"] = json.RawMessage(votes)
	}
	b, _ := json.Marshal(p)
	return b
}

func TestBuildProjectsAndFinalizes(t *testing.T) {
	ix, wh, tix, rawDir := newTestIndexer(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	// Far enough out that the open proposal stays in progress when the build
	// derives statuses against the wall clock.
	deadline := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)

	votes := `[["sv-a",{"sv":"sv-a::1","accept":true}],["sv-b",{"sv":"sv-b::2","accept":true}],["sv-c",{"sv":"sv-c::3","accept":false}]]`

	seed(t, rawDir, "events-0001.bin", []models.Record{
		{
			EventID: "ev-1", ContractID: "c-1",
			TemplateID:  "Splice.DsoRules:VoteRequest",
			EventType:   models.EventCreated,
			EffectiveAt: base, RecordedAt: base,
			Payload: proposalPayload("req::1", "sv-x::9", "misbehaving", "track-1", deadline, votes),
		},
		// Resubmission sharing the tracking cid.
		{
			EventID: "ev-2", ContractID: "c-2",
			TemplateID:  "Splice.DsoRules:VoteRequest",
			EventType:   models.EventCreated,
			EffectiveAt: base.Add(time.Hour), RecordedAt: base.Add(time.Hour),
			Payload: proposalPayload("req::1", "sv-x::9", "misbehaving, resubmitted", "track-1", deadline, votes),
		},
		// Never finalized, deadline long past.
		{
			EventID: "ev-3", ContractID: "c-3",
			TemplateID:  "Splice.DsoRules:VoteRequest",
			EventType:   models.EventCreated,
			EffectiveAt: base, RecordedAt: base,
			Payload: proposalPayload("req::2", "sv-y::8", "stale", "", base.Add(time.Minute), ""),
		},
	})
	seed(t, rawDir, "events-0002.bin", []models.Record{
		{
			EventID: "ev-t1", ContractID: "d-1",
			TemplateID: "Splice.DsoRules:DsoRules",
			EventType:  models.EventExercised, Consuming: true,
			EffectiveAt: base.Add(24 * time.Hour), RecordedAt: base.Add(24 * time.Hour),
			Choice:      "DsoRules_CloseVoteRequest",
			ExerciseArg: json.RawMessage(`{"voteRequestCid":"c-2"}`),
			ExerciseRes: json.RawMessage(`{"tag":"VRO_Accepted","value":{}}`),
		},
	})

	if _, err := wh.ScanAndIndex(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := tix.Build(ctx, false); err != nil {
		t.Fatal(err)
	}

	res, err := ix.Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.CreatesSeen != 3 || res.RowsWritten != 3 {
		t.Fatalf("result = %+v, want 3 creates", res)
	}
	if res.TerminalsSeen != 1 {
		t.Fatalf("terminals = %d, want 1", res.TerminalsSeen)
	}
	if res.ShapeCounts["named"] != 3 {
		t.Fatalf("shape counts = %v", res.ShapeCounts)
	}

	rows, err := ix.ListVoteRequests(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	byEvent := map[string]models.VoteRequestRow{}
	for _, r := range rows {
		byEvent[r.EventID] = r
	}
	if len(byEvent) != 3 {
		t.Fatalf("rows = %d, want 3", len(byEvent))
	}

	// The terminal exercise closed the resubmission only.
	r2 := byEvent["ev-2"]
	if r2.Status != models.StatusExecuted || !r2.IsClosed {
		t.Fatalf("ev-2 = %+v, want executed closed", r2)
	}
	if r2.AcceptCount != 2 || r2.RejectCount != 1 {
		t.Fatalf("ev-2 tallies = %d/%d", r2.AcceptCount, r2.RejectCount)
	}
	r1 := byEvent["ev-1"]
	if r1.IsClosed {
		t.Fatalf("ev-1 closed without a terminal exercise")
	}
	if r1.ProposalID != "track-1" || r2.ProposalID != "track-1" {
		t.Fatalf("tracking cid should join resubmissions: %q %q", r1.ProposalID, r2.ProposalID)
	}
	// Past deadline without a terminal: expired but open.
	r3 := byEvent["ev-3"]
	if r3.Status != models.StatusExpired || r3.IsClosed {
		t.Fatalf("ev-3 = %+v, want expired open", r3)
	}
	if r3.ProposalID != "c-3" {
		t.Fatalf("ev-3 proposal id = %q, want contract id fallback", r3.ProposalID)
	}
	if !r1.IsHuman || !r3.IsHuman {
		t.Fatal("narrative proposals should be human")
	}
	// Identity fallback: contract id when present, never a payload digest,
	// so equal payloads on distinct contracts keep distinct stable ids.
	if r1.StableID != "c-1" || r2.StableID != "c-2" {
		t.Fatalf("stable ids = %q %q, want contract ids", r1.StableID, r2.StableID)
	}
	if r1.SemanticKey != r2.SemanticKey {
		t.Fatalf("semantic keys differ: %q %q", r1.SemanticKey, r2.SemanticKey)
	}

	// Canonical view collapses the resubmission chain to its latest row.
	canon, err := ix.QueryCanonicalProposals(ctx, "", false, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(canon) != 2 {
		t.Fatalf("canonical rows = %d, want 2", len(canon))
	}
	var track1 *models.CanonicalProposal
	for i := range canon {
		if canon[i].ProposalID == "track-1" {
			track1 = &canon[i]
		}
	}
	if track1 == nil {
		t.Fatal("missing canonical row for track-1")
	}
	if track1.EventID != "ev-2" || track1.RelatedCount != 2 {
		t.Fatalf("canonical = %+v, want latest create with 2 related", track1)
	}
	if !track1.FirstSeen.Equal(base) || !track1.LastSeen.Equal(base.Add(time.Hour)) {
		t.Fatalf("bounds = %v..%v", track1.FirstSeen, track1.LastSeen)
	}

	executed, err := ix.QueryCanonicalProposals(ctx, models.StatusExecuted, false, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(executed) != 1 || executed[0].ProposalID != "track-1" {
		t.Fatalf("status filter = %+v, want only the executed chain", executed)
	}

	timeline, err := ix.QueryProposalTimeline(ctx, r1.SemanticKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(timeline) != 2 || timeline[0].EventID != "ev-1" || timeline[1].EventID != "ev-2" {
		t.Fatalf("timeline = %+v", timeline)
	}

	// Rebuilds are idempotent upserts.
	res2, err := ix.Build(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res2.RowsWritten != 3 {
		t.Fatalf("rebuild wrote %d rows", res2.RowsWritten)
	}
	counts, err := ix.StatusCounts(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.StatusExecuted] != 1 || counts[models.StatusExpired] != 1 || counts[models.StatusInProgress] != 1 {
		t.Fatalf("status counts = %v", counts)
	}

	build, err := ix.LatestBuild(ctx)
	if err != nil || build == nil {
		t.Fatalf("LatestBuild: %v %v", build, err)
	}
}
