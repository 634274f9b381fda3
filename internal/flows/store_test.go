package flows_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpataki/relay/internal/connector"
	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/flows"
	"github.com/mpataki/relay/internal/models"
	"github.com/mpataki/relay/internal/spec"
	"github.com/mpataki/relay/internal/storage"
)

func noop(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func newStore(t *testing.T) *flows.Store {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := connector.NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register(connector.NewMux("file").Handle(
		connector.ActionSpec{
			Name:   "read_file",
			Params: []connector.ParamSpec{connector.Required("path", connector.TypeString)},
		}, noop,
	)))
	require.NoError(t, reg.Register(connector.NewMux("email").Handle(
		connector.ActionSpec{
			Name: "send_email",
			Params: []connector.ParamSpec{
				connector.Required("to", connector.TypeString),
				connector.Required("subject", connector.TypeString),
				connector.Required("body", connector.TypeString),
			},
		}, noop,
	)))
	return flows.NewStore(db, reg, zap.NewNop())
}

func readStep(id string) models.Step {
	return models.Step{
		ID: id, Connector: "file", Action: "read_file",
		Params: map[string]models.Binding{"path": models.Literal("a.txt")},
	}
}

func mailStep(id, from string) models.Step {
	return models.Step{
		ID: id, Connector: "email", Action: "send_email",
		Params: map[string]models.Binding{
			"to":      models.Literal("ops@example.com"),
			"subject": models.Literal("hi"),
			"body":    models.Ref(from, "content"),
		},
	}
}

func TestCreateFlowRequiresName(t *testing.T) {
	s := newStore(t)
	_, err := s.CreateFlow(context.Background(), "", "desc")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestPublishRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	flow, err := s.CreateFlow(ctx, "intake", "")
	require.NoError(t, err)

	steps := []models.Step{readStep("read"), mailStep("mail", "read")}
	v, err := s.Publish(ctx, flow.ID, steps, "")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, flows.DefaultAuthor, v.Author)

	got, err := s.GetVersion(ctx, flow.ID, v.Version)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	for i := range steps {
		assert.True(t, steps[i].Equal(&got.Steps[i]))
	}

	latest, err := s.GetVersion(ctx, flow.ID, models.LatestVersion)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
}

func TestPublishKeepsLiteralTypes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	flow, err := s.CreateFlow(ctx, "typed", "")
	require.NoError(t, err)

	var fromJSON models.Step
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "read", "connector": "file", "action": "read_file",
		"params": {"path": "a.txt", "n": 5, "f": 2.0, "s": "007",
			"row": {"price": 3.0, "qty": [1, 2.5]}}
	}`), &fromJSON))
	native := readStep("native")
	native.Params["count"] = models.Literal(3)
	native.Params["ratio"] = models.Literal(1.0)
	native.Params["zip"] = models.Literal("02134")

	steps := []models.Step{fromJSON, native}
	published, err := s.Publish(ctx, flow.ID, steps, "")
	require.NoError(t, err)

	got, err := s.GetVersion(ctx, flow.ID, published.Version)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	for i := range steps {
		assert.True(t, published.Steps[i].Equal(&got.Steps[i]), "step %d", i)
	}

	read := got.Steps[0].Params
	assert.Equal(t, float64(2), read["f"].Literal)
	assert.Equal(t, float64(5), read["n"].Literal)
	assert.Equal(t, "007", read["s"].Literal)
	assert.Equal(t, map[string]any{
		"price": float64(3), "qty": []any{float64(1), 2.5},
	}, read["row"].Literal)

	own := got.Steps[1].Params
	assert.Equal(t, 3, own["count"].Literal)
	assert.Equal(t, 1.0, own["ratio"].Literal)
	assert.Equal(t, "02134", own["zip"].Literal)
}

func TestPublishValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	flow, err := s.CreateFlow(ctx, "intake", "")
	require.NoError(t, err)

	bad := []models.Step{
		readStep("read"),
		{ID: "x", Connector: "ftp", Action: "put"},
		{ID: "y", Connector: "file", Action: "read_file"},
	}
	_, err = s.Publish(ctx, flow.ID, bad, "")
	require.ErrorIs(t, err, errs.ErrValidation)
	details := errs.As(err).Details
	require.Len(t, details, 2)
	assert.Contains(t, details[0], "step 2 (x)")
	assert.Contains(t, details[1], "step 3 (y)")

	_, err = s.GetVersion(ctx, flow.ID, models.LatestVersion)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.Publish(ctx, "ghost", []models.Step{readStep("a")}, "")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPublishRejectsForwardReference(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	flow, err := s.CreateFlow(ctx, "intake", "")
	require.NoError(t, err)

	_, err = s.Publish(ctx, flow.ID,
		[]models.Step{mailStep("mail", "read"), readStep("read")}, "")
	assert.Equal(t, errs.CodeInvalidSteps, errs.CodeOf(err))
}

func TestConcurrentPublish(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	flow, err := s.CreateFlow(ctx, "intake", "")
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Publish(ctx, flow.ID, []models.Step{readStep("r")}, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := s.ListVersions(ctx, flow.ID)
	require.NoError(t, err)
	require.Len(t, versions, n)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version)
	}
}

func TestCreateFromDocument(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	doc, err := spec.Parse([]byte(`
name: nightly
author: ops
steps:
  - {id: read, connector: file, action: read_file, params: {path: a.txt}}
`))
	require.NoError(t, err)

	flow, v, err := s.CreateFromDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, flow.LatestVersion)
	assert.Equal(t, "ops", v.Author)

	bad, err := spec.Parse([]byte(`
name: broken
steps:
  - {id: read, connector: file, action: read_file}
`))
	require.NoError(t, err)
	_, _, err = s.CreateFromDocument(ctx, bad)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = s.GetFlowByName(ctx, "broken")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRetiredFlow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	flow, err := s.CreateFlow(ctx, "intake", "")
	require.NoError(t, err)
	_, err = s.Publish(ctx, flow.ID, []models.Step{readStep("r")}, "")
	require.NoError(t, err)

	require.NoError(t, s.RetireFlow(ctx, flow.ID))

	_, err = s.Publish(ctx, flow.ID, []models.Step{readStep("r")}, "")
	assert.Equal(t, errs.CodeFlowRetired, errs.CodeOf(err))

	v, err := s.GetVersion(ctx, flow.ID, 1)
	require.NoError(t, err)
	assert.Len(t, v.Steps, 1)

	active, err := s.ListFlows(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStepEdits(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	flow, err := s.CreateFlow(ctx, "intake", "")
	require.NoError(t, err)

	v, err := s.InsertStep(ctx, flow.ID, "", spec.After, readStep("read"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)

	v, err = s.InsertStep(ctx, flow.ID, "read", spec.After,
		mailStep("mail", "read"), "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)
	assert.Equal(t, "bob", v.Author)

	renamed := readStep("read")
	renamed.Name = "Read input"
	v, err = s.UpdateStep(ctx, flow.ID, "read", renamed, "")
	require.NoError(t, err)
	assert.Equal(t, "Read input", v.Steps[0].Name)

	// deleting the referenced step leaves a dangling reference
	_, err = s.DeleteStep(ctx, flow.ID, "read", "")
	assert.Equal(t, errs.CodeInvalidSteps, errs.CodeOf(err))

	v, err = s.DeleteStep(ctx, flow.ID, "mail", "")
	require.NoError(t, err)
	assert.Equal(t, 4, v.Version)
	assert.Len(t, v.Steps, 1)

	_, err = s.DeleteStep(ctx, flow.ID, "ghost", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// earlier versions are untouched
	v1, err := s.GetVersion(ctx, flow.ID, 1)
	require.NoError(t, err)
	assert.Len(t, v1.Steps, 1)
	v2, err := s.GetVersion(ctx, flow.ID, 2)
	require.NoError(t, err)
	assert.Len(t, v2.Steps, 2)
}

func TestResolveByName(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	flow, err := s.CreateFlow(ctx, "intake", "")
	require.NoError(t, err)

	got, err := s.Resolve(ctx, "intake")
	require.NoError(t, err)
	assert.Equal(t, flow.ID, got.ID)

	got, err = s.Resolve(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "intake", got.Name)

	_, err = s.Resolve(ctx, "nothing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
