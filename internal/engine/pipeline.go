package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	genbaErrors "github.com/harunnryd/genba/internal/errors"
	"github.com/harunnryd/genba/internal/notify"
	"github.com/harunnryd/genba/internal/planner/contract"
	"github.com/harunnryd/genba/internal/retry"
	"github.com/harunnryd/genba/internal/task"
)

const planSystemPrompt = `You are a code-change planner for a remote file tree.
Produce a short numbered plan for the requested change.
For every existing file you need to see before generating code, add a line:
READ: <relative/path>
Only use READ lines for files, one path per line.`

const generateSystemPrompt = `You generate complete file contents for a planned code change.
Respond with a single JSON object and nothing else:
{"files": {"relative/path": "full new file content", ...}}
Include every file the change touches, with its complete new content.`

// pipelineState carries in-memory artifacts between steps of one
// execution. Rebuilt from the store when an execution resumes mid-way.
type pipelineState struct {
	readFiles map[string]string
}

// runPipeline drives the active task through its status pipeline until
// it needs external input, reaches a terminal status, or fails. Caller
// holds the session lock.
func (e *Engine) runPipeline(ctx context.Context, taskID string) error {
	state := &pipelineState{}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t, err := e.store.FindByTaskID(taskID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() || t.Awaiting {
			return nil
		}

		switch t.Status {
		case task.StatusPlanning:
			err = e.stepPlan(ctx, t)
		case task.StatusReadingFiles:
			err = e.stepReadFiles(ctx, t, state)
		case task.StatusGeneratingCode:
			err = e.stepGenerate(ctx, t, state)
		case task.StatusDiffReady:
			// not awaiting yet means approval handling is mid-flight
			return nil
		case task.StatusWritingFiles:
			err = e.stepWrite(ctx, t)
		default:
			return genbaErrors.Internal("unexpected pipeline status " + string(t.Status))
		}
		if err != nil {
			return err
		}
	}
}

func (e *Engine) stepPlan(ctx context.Context, t *task.Task) error {
	slog.Info("Planning change", "task", t.ID)

	out, err := e.generate(ctx, contract.Request{
		Model:      e.defaultModel,
		Complexity: contract.ComplexityMedium,
		Messages: []contract.Message{
			{Role: "system", Content: planSystemPrompt},
			{Role: "user", Content: t.UserInput},
		},
	})
	if err != nil {
		return genbaErrors.Wrap(err, "plan generation")
	}

	return e.store.UpdateStatus(t.ID, task.StatusReadingFiles, func(t *task.Task) {
		t.Plan = out
	})
}

func (e *Engine) stepReadFiles(ctx context.Context, t *task.Task, state *pipelineState) error {
	paths := parseReadPaths(t.Plan)
	slog.Info("Reading files", "task", t.ID, "count", len(paths))

	state.readFiles = make(map[string]string, len(paths))
	for _, path := range paths {
		var content string
		err := e.breakers.Call("remote:"+e.remoteKey, func() error {
			return retry.Do(ctx, "remote read", e.retryCfg, func(ctx context.Context) error {
				var rerr error
				content, rerr = e.files.Read(ctx, path)
				if genbaErrors.IsCategory(rerr, genbaErrors.ErrNotFound) {
					// a plan may name a file that does not exist yet
					content = ""
					return nil
				}
				return rerr
			})
		})
		if err != nil {
			return genbaErrors.Wrap(err, "read "+path)
		}
		state.readFiles[path] = content
	}

	return e.store.UpdateStatus(t.ID, task.StatusGeneratingCode, nil)
}

func (e *Engine) stepGenerate(ctx context.Context, t *task.Task, state *pipelineState) error {
	if state.readFiles == nil {
		// resumed execution; re-gather the plan's files
		if err := e.rereadFiles(ctx, t, state); err != nil {
			return err
		}
	}

	var sb strings.Builder
	sb.WriteString("Request: " + t.UserInput + "\n\nPlan:\n" + t.Plan + "\n")
	for path, content := range state.readFiles {
		sb.WriteString("\n--- " + path + " ---\n" + content + "\n")
	}

	req := contract.Request{
		Model:      e.defaultModel,
		Complexity: contract.ComplexityHigh,
		Messages: []contract.Message{
			{Role: "system", Content: generateSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
	}

	var newContents map[string]string
	for {
		out, err := e.generate(ctx, req)
		if err == nil {
			newContents, err = parseGeneratedFiles(out)
			if err == nil {
				break
			}
		}

		fresh, ferr := e.store.FindByTaskID(t.ID)
		if ferr != nil {
			return ferr
		}
		if fresh.RetryCount >= e.generationRetries {
			return genbaErrors.Wrap(err, fmt.Sprintf("generation failed after %d retries", fresh.RetryCount))
		}

		slog.Warn("Generation attempt failed, retrying",
			"task", t.ID, "retry", fresh.RetryCount+1, "error", err)
		if uerr := e.store.UpdateStatus(t.ID, task.StatusGeneratingCode, func(t *task.Task) {
			t.RetryCount++
			t.AppendError("generation: " + err.Error())
		}); uerr != nil {
			return uerr
		}
	}

	diffs := make(map[string]string, len(newContents))
	for path, content := range newContents {
		old := state.readFiles[path]
		diffs[path] = unifiedDiff(path, old, content)
	}

	if t.DryRun {
		// dry run never asks for approval and never writes
		if err := e.store.UpdateStatus(t.ID, task.StatusDiffReady, func(t *task.Task) {
			t.Diffs = diffs
			t.NewContents = newContents
		}); err != nil {
			return err
		}
		if _, err := e.store.MarkCompleted(t.ID, task.StatusCompleted); err != nil {
			return err
		}
		e.notifier.Notify(ctx, t.WebhookURL, notify.Event{
			TaskID: t.ID,
			Status: "completed",
			Result: fmt.Sprintf("dry run: %d file diffs generated", len(diffs)),
		})
		return nil
	}

	return e.store.UpdateStatus(t.ID, task.StatusDiffReady, func(t *task.Task) {
		t.Diffs = diffs
		t.NewContents = newContents
		t.SetAwaiting(task.AwaitingApproval)
	})
}

func (e *Engine) rereadFiles(ctx context.Context, t *task.Task, state *pipelineState) error {
	paths := parseReadPaths(t.Plan)
	state.readFiles = make(map[string]string, len(paths))
	for _, path := range paths {
		content, err := e.files.Read(ctx, path)
		if err != nil && !genbaErrors.IsCategory(err, genbaErrors.ErrNotFound) {
			return err
		}
		state.readFiles[path] = content
	}
	return nil
}

func (e *Engine) stepWrite(ctx context.Context, t *task.Task) error {
	slog.Info("Writing files", "task", t.ID, "count", len(t.NewContents))

	for path, content := range t.NewContents {
		if _, done := t.WrittenFiles[path]; done {
			// resumed execution; this file already went out
			continue
		}

		var backupRef string
		err := e.breakers.Call("remote:"+e.remoteKey, func() error {
			return retry.Do(ctx, "remote write", e.retryCfg, func(ctx context.Context) error {
				var werr error
				backupRef, werr = e.files.Write(ctx, path, content)
				return werr
			})
		})
		if err != nil {
			return genbaErrors.Wrap(err, "write "+path)
		}

		p, ref := path, backupRef
		if err := e.store.UpdateStatus(t.ID, task.StatusWritingFiles, func(t *task.Task) {
			if t.WrittenFiles == nil {
				t.WrittenFiles = make(map[string]string)
			}
			t.WrittenFiles[p] = ref
		}); err != nil {
			return err
		}
	}

	fresh, err := e.store.FindByTaskID(t.ID)
	if err != nil {
		return err
	}

	if e.verifier != nil && e.verifier.Enabled() {
		return e.verifyDeployment(ctx, fresh)
	}

	return e.complete(ctx, fresh)
}

// verifyDeployment runs the self-healing check after a write. Unhealthy
// targets are rolled back without asking anyone; healthy ones go on to
// human deploy confirmation.
func (e *Engine) verifyDeployment(ctx context.Context, t *task.Task) error {
	outcome, err := e.verifier.Verify(ctx, t)
	if err != nil {
		return genbaErrors.Wrap(err, "deployment verification")
	}

	if !outcome.Healthy {
		if err := e.store.UpdateStatus(t.ID, task.StatusRolledBack, func(t *task.Task) {
			t.AppendError("deployment unhealthy: " + outcome.Probe.Err)
			t.SetAwaiting(task.AwaitingNone)
		}); err != nil {
			return err
		}
		_, err := e.store.MarkCompleted(t.ID, task.StatusRolledBack)
		return err
	}

	return e.store.UpdateStatus(t.ID, task.StatusWritingFiles, func(t *task.Task) {
		t.SetAwaiting(task.AwaitingDeployApproval)
	})
}

func (e *Engine) complete(ctx context.Context, t *task.Task) error {
	if _, err := e.store.MarkCompleted(t.ID, task.StatusCompleted); err != nil {
		return err
	}

	e.notifier.Notify(ctx, t.WebhookURL, notify.Event{
		TaskID: t.ID,
		Status: "completed",
		Result: fmt.Sprintf("%d files written", len(t.WrittenFiles)),
	})
	return nil
}

// generate is one call to the planning/generation collaborator with the
// retry budget applied.
func (e *Engine) generate(ctx context.Context, req contract.Request) (string, error) {
	var out string
	err := retry.Do(ctx, "generate", e.retryCfg, func(ctx context.Context) error {
		var gerr error
		out, gerr = e.generator.Generate(ctx, req)
		if gerr != nil && !genbaErrors.IsRetryable(gerr) {
			// hand non-retryable failures straight back
			return gerr
		}
		return gerr
	})
	return out, err
}

// parseReadPaths extracts "READ: path" lines from a plan.
func parseReadPaths(plan string) []string {
	var paths []string
	seen := make(map[string]bool)

	for _, line := range strings.Split(plan, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "READ:") {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, "READ:"))
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, path)
	}
	return paths
}

// parseGeneratedFiles decodes the generation response. Anything that is
// not the agreed JSON shape is invalid model output, which the caller
// may retry.
func parseGeneratedFiles(out string) (map[string]string, error) {
	cleaned := strings.TrimSpace(out)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var payload struct {
		Files map[string]string `json:"files"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, genbaErrors.InvalidModelOutput("malformed json: " + err.Error())
	}
	if len(payload.Files) == 0 {
		return nil, genbaErrors.InvalidModelOutput("no files in response")
	}
	return payload.Files, nil
}

// unifiedDiff renders a minimal line diff: the common prefix and suffix
// are dropped, the changed middle is shown as removals then additions.
func unifiedDiff(path, old, updated string) string {
	if old == updated {
		return ""
	}

	oldLines := strings.Split(old, "\n")
	newLines := strings.Split(updated, "\n")
	if old == "" {
		oldLines = nil
	}

	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	var sb strings.Builder
	if old == "" {
		sb.WriteString("--- /dev/null\n")
	} else {
		sb.WriteString("--- a/" + path + "\n")
	}
	sb.WriteString("+++ b/" + path + "\n")

	for _, line := range oldLines[prefix : len(oldLines)-suffix] {
		sb.WriteString("-" + line + "\n")
	}
	for _, line := range newLines[prefix : len(newLines)-suffix] {
		sb.WriteString("+" + line + "\n")
	}
	return sb.String()
}
