package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"resume-ranker/internal/storage"
	"resume-ranker/internal/storage/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	docs map[string][]models.ResumeDocument
	err  error
}

func (f *fakeLister) ListResumeDocuments(_ context.Context, status string, limit, offset int) ([]models.ResumeDocument, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	all := f.docs[status]
	if offset >= len(all) {
		return nil, int64(len(all)), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], int64(len(all)), nil
}

type fakePublisher struct {
	mu    sync.Mutex
	tasks []storage.IngestTask
	err   error
}

func (f *fakePublisher) PublishJSON(_ context.Context, _, _ string, data interface{}, _ bool) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, data.(storage.IngestTask))
	return nil
}

func (f *fakePublisher) PublishMessage(_ context.Context, _, _ string, _ []byte, _ bool) error {
	return f.err
}

func docs(status string, ids ...string) []models.ResumeDocument {
	out := make([]models.ResumeDocument, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.ResumeDocument{
			ResumeID:      id,
			Status:        status,
			ParsedTextKey: "parsed/" + id + ".txt",
		})
	}
	return out
}

func TestRepairer_PublishMode(t *testing.T) {
	lister := &fakeLister{docs: map[string][]models.ResumeDocument{
		models.StatusFailed:     docs(models.StatusFailed, "r1", "r2", "r3"),
		models.StatusStaleIndex: append(docs(models.StatusStaleIndex, "r4"), models.ResumeDocument{ResumeID: "r5", Status: models.StatusStaleIndex}),
	}}
	pub := &fakePublisher{}
	r := &Repairer{
		Lister:      lister,
		Publisher:   pub,
		Exchange:    "resume.events",
		RoutingKey:  "resume.ingest",
		BatchSize:   2,
		Concurrency: 2,
		Logger:      zerolog.Nop(),
	}

	summary, err := r.Run(context.Background(), []string{models.StatusFailed, " " + models.StatusStaleIndex, ""})
	require.NoError(t, err)
	assert.Equal(t, Summary{Found: 5, Repaired: 4, Skipped: 1}, summary)

	ids := make([]string, 0, len(pub.tasks))
	for _, task := range pub.tasks {
		ids = append(ids, task.ResumeID)
		assert.Equal(t, "parsed/"+task.ResumeID+".txt", task.ParsedTextKey)
		assert.Contains(t, task.RequestID, "repair-")
	}
	assert.ElementsMatch(t, []string{"r1", "r2", "r3", "r4"}, ids)
}

func TestRepairer_DirectMode(t *testing.T) {
	lister := &fakeLister{docs: map[string][]models.ResumeDocument{
		models.StatusFailed: docs(models.StatusFailed, "ok", "retry"),
	}}
	var mu sync.Mutex
	var handled []string
	r := &Repairer{
		Lister: lister,
		Handler: func(_ context.Context, body []byte) bool {
			var task storage.IngestTask
			if err := json.Unmarshal(body, &task); err != nil {
				return true
			}
			mu.Lock()
			handled = append(handled, task.ResumeID)
			mu.Unlock()
			return task.ResumeID != "retry"
		},
		Logger: zerolog.Nop(),
	}

	summary, err := r.Run(context.Background(), []string{models.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, Summary{Found: 2, Repaired: 1, Failed: 1}, summary)
	assert.ElementsMatch(t, []string{"ok", "retry"}, handled)
}

func TestRepairer_DryRunPublishesNothing(t *testing.T) {
	pub := &fakePublisher{}
	r := &Repairer{
		Lister:    &fakeLister{docs: map[string][]models.ResumeDocument{models.StatusFailed: docs(models.StatusFailed, "a", "b")}},
		Publisher: pub,
		DryRun:    true,
		Logger:    zerolog.Nop(),
	}

	summary, err := r.Run(context.Background(), []string{models.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)
	assert.Empty(t, pub.tasks)
}

func TestRepairer_Errors(t *testing.T) {
	_, err := (&Repairer{Lister: &fakeLister{}, Logger: zerolog.Nop()}).Run(context.Background(), []string{models.StatusFailed})
	assert.Error(t, err, "未配置投递方式时应报错")

	listErr := errors.New("db down")
	_, err = (&Repairer{Lister: &fakeLister{err: listErr}, Publisher: &fakePublisher{}, Logger: zerolog.Nop()}).
		Run(context.Background(), []string{models.StatusFailed})
	assert.ErrorIs(t, err, listErr)

	r := &Repairer{
		Lister:    &fakeLister{docs: map[string][]models.ResumeDocument{models.StatusFailed: docs(models.StatusFailed, "a")}},
		Publisher: &fakePublisher{err: errors.New("channel closed")},
		Logger:    zerolog.Nop(),
	}
	summary, err := r.Run(context.Background(), []string{models.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
}
