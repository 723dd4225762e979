//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/bcrypt"

	"github.com/docker/go-connections/nat"

	"github.com/waflowhq/triggerd/internal/repository"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "triggerd_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/triggerd_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/triggerd_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	migrationsDir, err := findMigrationsDir()
	if err != nil {
		log.Printf("find migrations: %v", err)
		return 1
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

// findMigrationsDir walks up from the working directory until it finds a
// migrations/ directory (the repository root contains it).
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations directory not found")
		}
		dir = parent
	}
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func TestTriggerSetCRUD(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("upsert and get", func(t *testing.T) {
		flowID := "flow-" + randID()
		doc := json.RawMessage(`[{"id":"tg-1","conditions":[{"variable":"message","operator":"contains","value":"hi"}]}]`)

		saved, err := repo.UpsertTriggerSet(ctx, flowID, doc)
		if err != nil {
			t.Fatalf("UpsertTriggerSet: %v", err)
		}
		if saved.FlowID != flowID {
			t.Errorf("FlowID = %q, want %q", saved.FlowID, flowID)
		}
		if saved.Version != 1 {
			t.Errorf("Version = %d, want 1", saved.Version)
		}
		if saved.CreatedAt.IsZero() {
			t.Error("CreatedAt is zero")
		}

		got, err := repo.GetTriggerSet(ctx, flowID)
		if err != nil {
			t.Fatalf("GetTriggerSet: %v", err)
		}

		var groups []map[string]any
		if err := json.Unmarshal(got.Document, &groups); err != nil {
			t.Fatalf("unmarshal document: %v (raw: %s)", err, string(got.Document))
		}
		if len(groups) != 1 || groups[0]["id"] != "tg-1" {
			t.Errorf("Document = %s, want one group tg-1", string(got.Document))
		}
	})

	t.Run("replace bumps version", func(t *testing.T) {
		flowID := "flow-" + randID()

		if _, err := repo.UpsertTriggerSet(ctx, flowID, json.RawMessage(`[]`)); err != nil {
			t.Fatalf("UpsertTriggerSet: %v", err)
		}
		replaced, err := repo.UpsertTriggerSet(ctx, flowID, json.RawMessage(`[{"id":"tg-2","conditions":[]}]`))
		if err != nil {
			t.Fatalf("UpsertTriggerSet (replace): %v", err)
		}
		if replaced.Version != 2 {
			t.Errorf("Version = %d, want 2", replaced.Version)
		}
	})

	t.Run("get missing returns no rows", func(t *testing.T) {
		_, err := repo.GetTriggerSet(ctx, "flow-missing-"+randID())
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		flowID := "flow-" + randID()
		if _, err := repo.UpsertTriggerSet(ctx, flowID, json.RawMessage(`[]`)); err != nil {
			t.Fatalf("UpsertTriggerSet: %v", err)
		}
		if err := repo.DeleteTriggerSet(ctx, flowID); err != nil {
			t.Fatalf("DeleteTriggerSet: %v", err)
		}
		if err := repo.DeleteTriggerSet(ctx, flowID); !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("second delete error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})
}

func TestFiringHistoryClaims(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("once per user admits a single firing", func(t *testing.T) {
		groupID := "tg-" + randID()
		contactID := "contact-" + randID()
		now := time.Now().UTC()

		won, err := repo.RecordFiring(ctx, groupID, contactID, now, true, 0)
		if err != nil {
			t.Fatalf("RecordFiring: %v", err)
		}
		if !won {
			t.Fatal("first claim lost with no contention")
		}

		won, err = repo.RecordFiring(ctx, groupID, contactID, now.Add(time.Hour), true, 0)
		if err != nil {
			t.Fatalf("RecordFiring (second): %v", err)
		}
		if won {
			t.Fatal("second once-per-user claim won")
		}

		record, err := repo.Get(ctx, groupID, contactID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if record.FireCount != 1 {
			t.Errorf("FireCount = %d, want 1", record.FireCount)
		}
	})

	t.Run("cooldown blocks until the window passes", func(t *testing.T) {
		groupID := "tg-" + randID()
		contactID := "contact-" + randID()
		base := time.Now().UTC()

		if won, err := repo.RecordFiring(ctx, groupID, contactID, base, false, time.Hour); err != nil || !won {
			t.Fatalf("RecordFiring = (%t, %v), want (true, nil)", won, err)
		}
		if won, err := repo.RecordFiring(ctx, groupID, contactID, base.Add(30*time.Minute), false, time.Hour); err != nil || won {
			t.Fatalf("RecordFiring inside cooldown = (%t, %v), want (false, nil)", won, err)
		}
		if won, err := repo.RecordFiring(ctx, groupID, contactID, base.Add(2*time.Hour), false, time.Hour); err != nil || !won {
			t.Fatalf("RecordFiring after cooldown = (%t, %v), want (true, nil)", won, err)
		}

		record, err := repo.Get(ctx, groupID, contactID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if record.FireCount != 2 {
			t.Errorf("FireCount = %d, want 2", record.FireCount)
		}
	})

	t.Run("never fired pair returns zero record", func(t *testing.T) {
		record, err := repo.Get(ctx, "tg-"+randID(), "contact-"+randID())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if record.HasFired() {
			t.Fatalf("Get = %+v, want zero record", record)
		}
	})
}

func TestContactInbound(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	contactID := "contact-" + randID()

	at, err := repo.LastInboundAt(ctx, contactID)
	if err != nil {
		t.Fatalf("LastInboundAt: %v", err)
	}
	if !at.IsZero() {
		t.Fatalf("LastInboundAt = %v, want zero for unseen contact", at)
	}

	newest := time.Now().UTC().Truncate(time.Microsecond)
	if err := repo.TouchInbound(ctx, contactID, newest); err != nil {
		t.Fatalf("TouchInbound: %v", err)
	}
	// Out-of-order older touch must not move the timestamp backwards.
	if err := repo.TouchInbound(ctx, contactID, newest.Add(-time.Hour)); err != nil {
		t.Fatalf("TouchInbound (stale): %v", err)
	}

	at, err = repo.LastInboundAt(ctx, contactID)
	if err != nil {
		t.Fatalf("LastInboundAt: %v", err)
	}
	if !at.Equal(newest) {
		t.Fatalf("LastInboundAt = %v, want %v", at, newest)
	}
}

func TestTriggerEvents(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	flowID := "flow-" + randID()

	created, err := repo.PublishTriggerEvent(ctx, repository.TriggerEvent{
		FlowID:    flowID,
		EventType: "replaced",
		Payload:   json.RawMessage(`{"version":1}`),
	})
	if err != nil {
		t.Fatalf("PublishTriggerEvent: %v", err)
	}
	if created.EventID == 0 {
		t.Fatal("EventID = 0, want server-assigned ID")
	}

	events, err := repo.ListEventsSince(ctx, flowID, created.EventID-1)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(events) != 1 || events[0].EventID != created.EventID {
		t.Fatalf("ListEventsSince = %+v, want the published event", events)
	}

	events, err = repo.ListEventsSince(ctx, flowID, created.EventID)
	if err != nil {
		t.Fatalf("ListEventsSince (caught up): %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("ListEventsSince past the head = %+v, want empty", events)
	}
}

func TestInvalidationSubscription(t *testing.T) {
	repo := newRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	invalidations, err := repo.SubscribeInvalidation(ctx)
	if err != nil {
		t.Fatalf("SubscribeInvalidation: %v", err)
	}

	// Give the listener a moment to issue LISTEN before publishing.
	time.Sleep(500 * time.Millisecond)

	if _, err := repo.PublishTriggerEvent(ctx, repository.TriggerEvent{
		FlowID:    "flow-" + randID(),
		EventType: "replaced",
	}); err != nil {
		t.Fatalf("PublishTriggerEvent: %v", err)
	}

	select {
	case <-invalidations:
	case <-time.After(5 * time.Second):
		t.Fatal("no invalidation signal within 5s of publishing")
	}
}

func TestAPIKeys(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	keyID, secret, err := repo.CreateAPIKey(ctx, "integration")
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	hash, err := repo.ValidateAPIKey(ctx, keyID)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		t.Fatalf("stored hash does not match returned secret: %v", err)
	}

	keys, err := repo.ListAPIKeys(ctx)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	found := false
	for _, k := range keys {
		if k.ID == keyID {
			found = true
		}
	}
	if !found {
		t.Fatalf("ListAPIKeys does not contain %s", keyID)
	}

	if err := repo.RevokeAPIKey(ctx, keyID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	if _, err := repo.ValidateAPIKey(ctx, keyID); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("ValidateAPIKey after revoke = %v, want wrapping pgx.ErrNoRows", err)
	}
	if err := repo.RevokeAPIKey(ctx, keyID); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("second RevokeAPIKey = %v, want wrapping pgx.ErrNoRows", err)
	}
}

func TestDecisionLog(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	flowID := "flow-" + randID()

	entries := []repository.DecisionLogEntry{
		{FlowID: flowID, ContactID: "contact-1", TriggerGroupID: "tg-1", Fired: true, Reason: "fired"},
		{FlowID: flowID, ContactID: "contact-2", Fired: false, Reason: "conditions_not_met"},
	}
	for _, entry := range entries {
		if err := repo.InsertDecisionLog(ctx, entry); err != nil {
			t.Fatalf("InsertDecisionLog: %v", err)
		}
	}

	listed, err := repo.ListDecisionLog(ctx, flowID, 10, 0)
	if err != nil {
		t.Fatalf("ListDecisionLog: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("len(ListDecisionLog) = %d, want 2", len(listed))
	}
	// Newest first.
	if listed[0].ContactID != "contact-2" || listed[1].ContactID != "contact-1" {
		t.Fatalf("ListDecisionLog order = [%s, %s], want newest first", listed[0].ContactID, listed[1].ContactID)
	}
}
