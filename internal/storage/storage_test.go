package storage

import (
	"context"
	"testing"

	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

func testDB(t *testing.T) (*DB, models.Actor) {
	t.Helper()
	db, err := Open(Config{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	actor, err := db.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return db, actor
}

func TestBootstrapIdempotent(t *testing.T) {
	db, actor := testDB(t)
	again, err := db.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if again != actor {
		t.Errorf("bootstrap not idempotent: %+v vs %+v", again, actor)
	}
}

func TestAgentCRUD(t *testing.T) {
	db, actor := testDB(t)
	ctx := context.Background()

	agent := &models.Agent{
		Name: "support",
		Blocks: []models.MemoryBlock{
			{Label: "human", Value: "Name: Ada", Limit: 2000},
			{Label: "persona", Value: "Helpful assistant", Limit: 2000},
		},
		LLMConfig:    models.LLMConfig{Provider: "openai", Model: "gpt-4o"},
		EmbeddingCfg: models.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dim: 3},
		TopK:         5,
	}
	created, err := db.CreateAgent(ctx, agent, actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.OrganizationID != actor.OrganizationID {
		t.Fatalf("bad created agent: %+v", created)
	}

	got, err := db.GetAgent(ctx, created.ID, actor)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(got.Blocks))
	}
	if got.Block("human") == nil || got.Block("human").Value != "Name: Ada" {
		t.Errorf("human block not round-tripped: %+v", got.Blocks)
	}
	if got.LLMConfig.Model != "gpt-4o" || got.EmbeddingCfg.Dim != 3 {
		t.Errorf("configs not round-tripped: %+v %+v", got.LLMConfig, got.EmbeddingCfg)
	}

	got.Name = "support-v2"
	if _, err := db.UpdateAgent(ctx, got, actor); err != nil {
		t.Fatalf("update: %v", err)
	}
	got2, err := db.GetAgent(ctx, created.ID, actor)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got2.Name != "support-v2" {
		t.Errorf("name = %q, want support-v2", got2.Name)
	}

	if err := db.UpdateBlockValue(ctx, created.ID, "human", "Name: Grace", actor); err != nil {
		t.Fatalf("update block: %v", err)
	}
	if err := db.UpdateBlockValue(ctx, created.ID, "missing", "x", actor); !errs.IsNotFound(err) {
		t.Errorf("update missing block: want not_found, got %v", err)
	}

	if _, err := db.DeleteAgent(ctx, created.ID, actor); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetAgent(ctx, created.ID, actor); !errs.IsNotFound(err) {
		t.Errorf("get after delete: want not_found, got %v", err)
	}
}

func TestCrossOrgReadsAreNotFound(t *testing.T) {
	db, actor := testDB(t)
	ctx := context.Background()

	agent, err := db.CreateAgent(ctx, &models.Agent{Name: "mine"}, actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stranger := models.Actor{UserID: "user-x", OrganizationID: "org-other"}
	if _, err := db.GetAgent(ctx, agent.ID, stranger); !errs.IsNotFound(err) {
		t.Errorf("cross-org get: want not_found, got %v", err)
	}
}

func TestMessagesPreserveInsertionOrder(t *testing.T) {
	db, actor := testDB(t)
	ctx := context.Background()

	agent, err := db.CreateAgent(ctx, &models.Agent{Name: "a"}, actor)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	batch := []*models.Message{
		{AgentID: agent.ID, Role: models.RoleUser, Content: "first"},
		{AgentID: agent.ID, Role: models.RoleAssistant, Content: "second"},
		{AgentID: agent.ID, Role: models.RoleUser, Content: "third"},
	}
	if err := db.CreateMessages(ctx, batch, actor); err != nil {
		t.Fatalf("create messages: %v", err)
	}

	got, err := db.ListMessages(ctx, actor, MessageFilter{AgentID: agent.ID}, Page{Limit: 10, Ascending: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Content != want {
			t.Errorf("message %d = %q, want %q", i, got[i].Content, want)
		}
	}

	// Page after the first message.
	page2, err := db.ListMessages(ctx, actor, MessageFilter{AgentID: agent.ID},
		Page{Limit: 10, Ascending: true, After: got[0].ID})
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(page2) != 2 || page2[0].Content != "second" {
		t.Errorf("after cursor: got %d messages, first %q", len(page2), page2[0].Content)
	}

	// Unknown cursor fails NotFound.
	if _, err := db.ListMessages(ctx, actor, MessageFilter{AgentID: agent.ID},
		Page{Limit: 10, After: "message-missing"}); !errs.IsNotFound(err) {
		t.Errorf("unknown cursor: want not_found, got %v", err)
	}

	n, err := db.SizeMessages(ctx, actor, agent.ID)
	if err != nil || n != 3 {
		t.Errorf("size = %d, %v; want 3", n, err)
	}
}

func TestDescendingCursorFollowsIterationOrder(t *testing.T) {
	db, actor := testDB(t)
	ctx := context.Background()

	agent, err := db.CreateAgent(ctx, &models.Agent{Name: "a"}, actor)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	batch := []*models.Message{
		{AgentID: agent.ID, Role: models.RoleUser, Content: "first"},
		{AgentID: agent.ID, Role: models.RoleAssistant, Content: "second"},
		{AgentID: agent.ID, Role: models.RoleUser, Content: "third"},
	}
	if err := db.CreateMessages(ctx, batch, actor); err != nil {
		t.Fatalf("create messages: %v", err)
	}

	newest, err := db.ListMessages(ctx, actor, MessageFilter{AgentID: agent.ID}, Page{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(newest) != 3 || newest[0].Content != "third" {
		t.Fatalf("descending order: got %d, first %q", len(newest), newest[0].Content)
	}

	// After the newest message, descending, the older two follow.
	rest, err := db.ListMessages(ctx, actor, MessageFilter{AgentID: agent.ID},
		Page{Limit: 10, After: newest[0].ID})
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(rest) != 2 || rest[0].Content != "second" || rest[1].Content != "first" {
		t.Fatalf("descending after cursor: %+v", rest)
	}

	// Before the oldest message, descending, the newer two precede it.
	prior, err := db.ListMessages(ctx, actor, MessageFilter{AgentID: agent.ID},
		Page{Limit: 10, Before: rest[1].ID})
	if err != nil {
		t.Fatalf("list before: %v", err)
	}
	if len(prior) != 2 || prior[0].Content != "third" || prior[1].Content != "second" {
		t.Fatalf("descending before cursor: %+v", prior)
	}
}

func TestInvalidRoleRejected(t *testing.T) {
	db, actor := testDB(t)
	err := db.CreateMessages(context.Background(), []*models.Message{
		{AgentID: "agent-x", Role: "narrator", Content: "hi"},
	}, actor)
	if !errs.IsInvalidArgument(err) {
		t.Fatalf("want invalid_argument, got %v", err)
	}
}

func TestPassageRoundTrip(t *testing.T) {
	db, actor := testDB(t)
	ctx := context.Background()
	cfg := models.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dim: 3}

	ap := models.NewAgentPassage("agent-1", "remember the milk", []float32{0.1, 0.2, 0.3}, cfg)
	sp := models.NewSourcePassage("source-1", "file-1", "notes.md", "chunk one", []float32{1, 0, 0}, cfg)
	if err := db.CreatePassages(ctx, []*models.Passage{ap, sp}, actor); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := db.GetPassage(ctx, models.PassageTagAgent, ap.ID, actor)
	if err != nil {
		t.Fatalf("get agent passage: %v", err)
	}
	if got.Text != "remember the milk" || len(got.Embedding) != 3 {
		t.Errorf("round trip: %+v", got)
	}
	if got.Embedding[1] != 0.2 {
		t.Errorf("embedding[1] = %v, want 0.2", got.Embedding[1])
	}

	byFile, err := db.ListPassagesByFileID(ctx, "file-1", actor)
	if err != nil || len(byFile) != 1 {
		t.Fatalf("by file: %d, %v", len(byFile), err)
	}
	if byFile[0].FileName != "notes.md" {
		t.Errorf("file name = %q", byFile[0].FileName)
	}

	hits, err := db.ListAgentPassages(ctx, "agent-1", "milk", actor, Page{Limit: 10})
	if err != nil || len(hits) != 1 {
		t.Fatalf("search: %d hits, %v", len(hits), err)
	}
	none, err := db.ListAgentPassages(ctx, "agent-1", "absent", actor, Page{Limit: 10})
	if err != nil || len(none) != 0 {
		t.Fatalf("search miss: %d hits, %v", len(none), err)
	}

	n, err := db.SizeAgentPassages(ctx, "agent-1", actor)
	if err != nil || n != 1 {
		t.Errorf("agent size = %d, %v", n, err)
	}

	ids, err := db.DeletePassagesByFileID(ctx, "file-1", actor)
	if err != nil || len(ids) != 1 {
		t.Fatalf("delete by file: %v, %v", ids, err)
	}
	if _, err := db.GetPassage(ctx, models.PassageTagSource, sp.ID, actor); !errs.IsNotFound(err) {
		t.Errorf("get deleted: want not_found, got %v", err)
	}
}

func TestPassageValidationAtWrite(t *testing.T) {
	db, actor := testDB(t)
	bad := &models.Passage{
		Tag:      models.PassageTagAgent,
		AgentID:  "agent-1",
		SourceID: "source-1",
		Text:     "x",
	}
	err := db.CreatePassages(context.Background(), []*models.Passage{bad}, actor)
	if !errs.IsInvalidArgument(err) {
		t.Fatalf("want invalid_argument, got %v", err)
	}
}

func TestDuplicateSourceNameConflicts(t *testing.T) {
	db, actor := testDB(t)
	ctx := context.Background()
	if _, err := db.CreateSource(ctx, &models.Source{Name: "docs"}, actor); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := db.CreateSource(ctx, &models.Source{Name: "docs"}, actor)
	if !errs.IsConflict(err) {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestJobLifecycleRows(t *testing.T) {
	db, actor := testDB(t)
	ctx := context.Background()

	job, err := db.CreateJob(ctx, &models.Job{
		Metadata:    map[string]any{"source_id": "source-1"},
		CallbackURL: "http://example.test/hook",
	}, actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != models.JobStatusCreated || job.Type != models.JobTypeJob {
		t.Fatalf("defaults: %+v", job)
	}

	// created -> running is allowed from created/pending.
	status, applied, err := db.UpdateJobStatusTx(ctx, job.ID, models.JobStatusRunning,
		[]models.JobStatus{models.JobStatusCreated, models.JobStatusPending}, actor)
	if err != nil || !applied || status != models.JobStatusRunning {
		t.Fatalf("to running: %v %v %v", status, applied, err)
	}

	// A second transition from created is skipped, not an error.
	status, applied, err = db.UpdateJobStatusTx(ctx, job.ID, models.JobStatusPending,
		[]models.JobStatus{models.JobStatusCreated}, actor)
	if err != nil || applied || status != models.JobStatusRunning {
		t.Fatalf("skipped transition: %v %v %v", status, applied, err)
	}

	// Terminal transition stamps completed_at.
	_, applied, err = db.UpdateJobStatusTx(ctx, job.ID, models.JobStatusCompleted,
		[]models.JobStatus{models.JobStatusRunning}, actor)
	if err != nil || !applied {
		t.Fatalf("to completed: %v %v", applied, err)
	}
	got, err := db.GetJob(ctx, job.ID, actor)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
	if got.Metadata["source_id"] != "source-1" {
		t.Errorf("metadata: %+v", got.Metadata)
	}

	// Metadata filter on ListJobs.
	jobs, err := db.ListJobs(ctx, actor, JobFilter{SourceID: "source-1"}, Page{Limit: 10})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list by source: %d, %v", len(jobs), err)
	}
	jobs, err = db.ListJobs(ctx, actor, JobFilter{Statuses: []models.JobStatus{models.JobStatusRunning}}, Page{Limit: 10})
	if err != nil || len(jobs) != 0 {
		t.Fatalf("list running: %d, %v", len(jobs), err)
	}
}

func TestJobMessagesAndUsage(t *testing.T) {
	db, actor := testDB(t)
	ctx := context.Background()

	job, err := db.CreateJob(ctx, &models.Job{Type: models.JobTypeRun}, actor)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	msgs := []*models.Message{
		{AgentID: "agent-1", Role: models.RoleUser, Content: "q"},
		{AgentID: "agent-1", Role: models.RoleAssistant, Content: "a"},
	}
	if err := db.CreateMessages(ctx, msgs, actor); err != nil {
		t.Fatalf("create messages: %v", err)
	}
	if err := db.AddJobMessages(ctx, job.ID, []string{msgs[0].ID, msgs[1].ID}); err != nil {
		t.Fatalf("link: %v", err)
	}
	// Re-linking the same message violates uniqueness.
	if err := db.AddJobMessages(ctx, job.ID, []string{msgs[0].ID}); !errs.IsConflict(err) {
		t.Errorf("relink: want conflict, got %v", err)
	}

	linked, err := db.GetJobMessages(ctx, job.ID, "", actor, Page{Limit: 10, Ascending: true})
	if err != nil || len(linked) != 2 {
		t.Fatalf("job messages: %d, %v", len(linked), err)
	}
	if linked[0].Content != "q" {
		t.Errorf("order: first = %q", linked[0].Content)
	}
	assistants, err := db.GetJobMessages(ctx, job.ID, models.RoleAssistant, actor, Page{Limit: 10, Ascending: true})
	if err != nil || len(assistants) != 1 {
		t.Fatalf("role filter: %d, %v", len(assistants), err)
	}

	for _, tokens := range [][3]int{{10, 5, 15}, {20, 10, 30}} {
		if _, err := db.CreateStep(ctx, &models.Step{
			JobID: job.ID, AgentID: "agent-1",
			PromptTokens: tokens[0], CompletionTokens: tokens[1], TotalTokens: tokens[2],
		}, actor); err != nil {
			t.Fatalf("create step: %v", err)
		}
	}
	usage, err := db.GetJobUsage(ctx, job.ID, actor)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	want := models.UsageStatistics{PromptTokens: 30, CompletionTokens: 15, TotalTokens: 45, StepCount: 2}
	if usage != want {
		t.Errorf("usage = %+v, want %+v", usage, want)
	}

	steps, err := db.GetJobSteps(ctx, job.ID, actor)
	if err != nil || len(steps) != 2 {
		t.Fatalf("steps: %d, %v", len(steps), err)
	}
}

func TestToolRegistryRows(t *testing.T) {
	db, actor := testDB(t)
	ctx := context.Background()

	tool, err := db.CreateTool(ctx, &models.Tool{
		Name:        "archival_memory_search",
		Description: "Search archival memory",
		Schema:      []byte(`{"type":"object"}`),
	}, actor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.CreateTool(ctx, &models.Tool{Name: "archival_memory_search"}, actor); !errs.IsConflict(err) {
		t.Errorf("duplicate name: want conflict, got %v", err)
	}

	byName, err := db.GetToolByName(ctx, "archival_memory_search", actor)
	if err != nil || byName.ID != tool.ID {
		t.Fatalf("by name: %v, %v", byName, err)
	}

	agent, err := db.CreateAgent(ctx, &models.Agent{Name: "a"}, actor)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := db.AttachToolToAgent(ctx, agent.ID, tool.ID, actor); err != nil {
		t.Fatalf("attach: %v", err)
	}
	attached, err := db.ListAgentTools(ctx, agent.ID, actor)
	if err != nil || len(attached) != 1 || attached[0].Name != "archival_memory_search" {
		t.Fatalf("agent tools: %+v, %v", attached, err)
	}
}

func TestRebindPostgres(t *testing.T) {
	d := postgresDialect{}
	got := d.Rebind(`SELECT * FROM t WHERE a = ? AND b = ?`)
	want := `SELECT * FROM t WHERE a = $1 AND b = $2`
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
}

func TestVectorCodecs(t *testing.T) {
	vec := []float32{0.5, -1.25, 3}
	for _, d := range []Dialect{postgresDialect{}, sqliteDialect{}} {
		t.Run(d.Name(), func(t *testing.T) {
			enc := d.EncodeVector(vec)
			var raw []byte
			switch v := enc.(type) {
			case string:
				raw = []byte(v)
			case []byte:
				raw = v
			default:
				t.Fatalf("unexpected encoding type %T", enc)
			}
			dec := d.DecodeVector(raw)
			if len(dec) != len(vec) {
				t.Fatalf("decoded %d values, want %d", len(dec), len(vec))
			}
			for i := range vec {
				if dec[i] != vec[i] {
					t.Errorf("[%d] = %v, want %v", i, dec[i], vec[i])
				}
			}
		})
	}
}
