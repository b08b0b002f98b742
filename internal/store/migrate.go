package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/genba/internal/task"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// The pre-rewrite bot kept everything in a single YAML document. The
// store reads it exactly once, splits it into per-session JSON files,
// and renames the original so the migration never runs twice. No other
// component sees the legacy format.

type legacyFile struct {
	Sessions map[string]legacySession `yaml:"sessions"`
}

type legacySession struct {
	ChatID       string                `yaml:"chat_id"`
	Source       string                `yaml:"source"`
	ActiveTaskID string                `yaml:"active_task_id"`
	TaskQueue    []string              `yaml:"task_queue"`
	Tasks        map[string]legacyTask `yaml:"tasks"`
}

type legacyTask struct {
	Status     string            `yaml:"status"`
	UserInput  string            `yaml:"user_input"`
	DryRun     bool              `yaml:"dry_run"`
	TestMode   bool              `yaml:"test_mode"`
	WebhookURL string            `yaml:"webhook_url"`
	Plan       string            `yaml:"plan"`
	Diffs      map[string]string `yaml:"diffs"`
	Written    map[string]string `yaml:"written_files"`
	RetryCount int               `yaml:"retry_count"`
}

func migrateLegacy(legacyPath, dataPath string) error {
	if strings.TrimSpace(legacyPath) == "" {
		return nil
	}

	data, err := os.ReadFile(legacyPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var legacy legacyFile
	if err := yaml.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("parse legacy store %s: %w", legacyPath, err)
	}

	migrated := 0
	for id, ls := range legacy.Sessions {
		sess := convertLegacySession(id, ls)

		out, err := json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return err
		}
		path := filepath.Join(dataPath, sessionFileName(sess.Key))
		if _, err := os.Stat(path); err == nil {
			// Never overwrite a session already in the new format.
			continue
		}
		if err := atomic.WriteFile(path, bytes.NewReader(out)); err != nil {
			return err
		}
		migrated++
	}

	if err := os.Rename(legacyPath, legacyPath+".migrated"); err != nil {
		return fmt.Errorf("retire legacy store: %w", err)
	}

	slog.Info("Legacy store migrated", "sessions", migrated, "source", legacyPath)
	return nil
}

func convertLegacySession(id string, ls legacySession) *task.Session {
	chatID := ls.ChatID
	source := ls.Source
	if chatID == "" || source == "" {
		if key, err := task.ParseSessionKey(id); err == nil {
			source, chatID = key.Source, key.ChatID
		} else {
			source, chatID = "legacy", id
		}
	}

	sess := task.NewSession(task.NewSessionKey(chatID, source))
	sess.ActiveTaskID = ls.ActiveTaskID
	sess.TaskQueue = ls.TaskQueue

	for taskID, lt := range ls.Tasks {
		status := task.Status(lt.Status)
		if !status.Valid() {
			status = task.StatusFailed
		}
		t := task.New(lt.UserInput, lt.DryRun, lt.TestMode, lt.WebhookURL)
		t.ID = taskID
		t.Status = status
		t.Plan = lt.Plan
		t.Diffs = lt.Diffs
		t.WrittenFiles = lt.Written
		t.RetryCount = lt.RetryCount
		sess.Tasks[taskID] = t
	}

	// Legacy writers crashed mid-save often enough that ghosts exist.
	sess.CheckInvariants()
	return sess
}
