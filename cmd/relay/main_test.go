package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/relay/internal/models"
)

const helloDoc = `
name: hello
description: write a greeting and read it back
steps:
  - id: write
    connector: file
    action: write_file
    params: {path: greeting.txt, content: hi there}
  - id: read
    connector: file
    action: read_file
    params:
      path: {from_step: write, field: path}
`

type cli struct {
	t      *testing.T
	dir    string
	config string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(
		"data_dir: "+filepath.Join(dir, "data")+"\nlog:\n  level: error\n",
	), 0644))
	return &cli{t: t, dir: dir, config: cfg}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", c.config))
	err := cmd.Execute()
	return out.String(), err
}

func (c *cli) write(name, content string) string {
	c.t.Helper()
	path := filepath.Join(c.dir, name)
	require.NoError(c.t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFlowAndRunCommands(t *testing.T) {
	c := newCLI(t)

	out, err := c.run("flow", "create", c.write("hello.yaml", helloDoc))
	require.NoError(t, err, out)
	assert.Contains(t, out, "Created flow hello")

	out, err = c.run("flow", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")

	out, err = c.run("flow", "show", "hello", "--yaml")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "name: hello"), out)

	out, err = c.run("run", "start", "hello", "-i", "write.content=override")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Status: succeeded")
	assert.Contains(t, out, "2. read")

	data, err := os.ReadFile(filepath.Join(c.dir, "data", "files", "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "override", string(data))

	out, err = c.run("run", "list", "--flow", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")
}

func TestStepEditCommands(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("flow", "create", c.write("hello.yaml", helloDoc))
	require.NoError(t, err)

	step := c.write("check.yaml", `
id: check
connector: file
action: file_exists
params: {path: greeting.txt}
`)
	out, err := c.run("flow", "insert-step", "hello", step, "--before", "read")
	require.NoError(t, err, out)
	assert.Contains(t, out, "version 2")

	out, err = c.run("flow", "delete-step", "hello", "check")
	require.NoError(t, err, out)
	assert.Contains(t, out, "version 3")

	out, err = c.run("flow", "versions", "hello")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, " steps "))

	_, err = c.run("flow", "delete-step", "hello", "ghost")
	assert.Error(t, err)
}

func TestPendingRunLifecycle(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("flow", "create", c.write("hello.yaml", helloDoc))
	require.NoError(t, err)

	out, err := c.run("run", "start", "hello", "--no-exec")
	require.NoError(t, err, out)
	fields := strings.Fields(out)
	require.GreaterOrEqual(t, len(fields), 4)
	runID := fields[3]

	out, err = c.run("run", "status", runID)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: pending")

	out, err = c.run("run", "cancel", runID)
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled run")

	out, err = c.run("run", "delete", runID)
	require.NoError(t, err, out)

	_, err = c.run("run", "status", runID)
	assert.Error(t, err)
}

func TestConnectorsCommands(t *testing.T) {
	c := newCLI(t)

	out, err := c.run("connectors", "list")
	require.NoError(t, err)
	for _, name := range []string{"email", "file", "http", "script", "sql"} {
		assert.Contains(t, out, name+"\n")
	}
	assert.Contains(t, out, "aliases: read")

	out, err = c.run("connectors", "test", "sql")
	require.NoError(t, err)
	assert.Contains(t, out, "sql is healthy")

	_, err = c.run("connectors", "test", "ftp")
	assert.Error(t, err)
}

func TestLoadFlowsSkipsExisting(t *testing.T) {
	c := newCLI(t)
	flowsDir := filepath.Join(c.dir, "flows")
	require.NoError(t, os.MkdirAll(flowsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(flowsDir, "hello.yaml"), []byte(helloDoc), 0644))

	out, err := c.run("flow", "load", flowsDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Created 1 flows")

	out, err = c.run("flow", "load", flowsDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Created 0 flows")
}

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs([]string{
		"read.path=orders.json", "store.limit=5", "notify.urgent=true",
	})
	require.NoError(t, err)
	assert.Equal(t, "orders.json", inputs["read.path"])
	assert.Equal(t, 5, inputs["store.limit"])
	assert.Equal(t, true, inputs["notify.urgent"])

	_, err = parseInputs([]string{"novalue"})
	assert.Error(t, err)

	inputs, err = parseInputs(nil)
	assert.NoError(t, err)
	assert.Nil(t, inputs)
}

func TestPrintRun(t *testing.T) {
	var out bytes.Buffer
	printRun(&out, &models.Run{
		ID:     "r1",
		FlowID: "f1",
		Status: models.RunStatusFailed,
		Error:  &models.StepError{Kind: "connector", Code: "database", Message: "locked"},
		Steps: []*models.RunStep{{
			Seq: 1, StepID: "store", Connector: "sql", Action: "insert_row",
			Status: models.StepStatusFailed, Attempts: 3,
			Error: &models.StepError{Kind: "connector", Code: "database", Message: "locked"},
		}},
	})
	assert.Contains(t, out.String(), "Status: failed")
	assert.Contains(t, out.String(), "connector(database): locked")
	assert.Contains(t, out.String(), "after 3 attempts")
}
