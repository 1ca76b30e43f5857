package mysql

import (
	"context"
	"testing"
	"time"
)

func TestFileReportRepositoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewFileReportRepository(dir)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}

	now := time.Now().Unix()
	records := []ReportRecord{
		{AgentID: "a1", TaskID: "t1", Kind: ReportProgress, Status: "in_progress", Percent: 30, Message: "halfway there", CreatedAt: now},
		{AgentID: "a1", TaskID: "t1", Kind: ReportBlocker, Status: "blocked", Message: "missing credentials", CreatedAt: now + 1},
		{AgentID: "a2", TaskID: "t2", Kind: ReportProgress, Status: "done", Percent: 100, CreatedAt: now + 2},
	}
	for _, record := range records {
		if err := repo.Save(ctx, record); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	latest, err := repo.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("list latest: %v", err)
	}
	if len(latest) != 2 || latest[0].TaskID != "t2" {
		t.Fatalf("unexpected latest records: %+v", latest)
	}

	byTask, err := repo.ListByTask(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("list by task: %v", err)
	}
	if len(byTask) != 2 || byTask[0].Kind != ReportBlocker {
		t.Fatalf("unexpected task records: %+v", byTask)
	}

	// 重新打开仓库时应当从磁盘恢复记录。
	reopened, err := NewFileReportRepository(dir)
	if err != nil {
		t.Fatalf("reopen repository: %v", err)
	}
	restored, err := reopened.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list restored: %v", err)
	}
	if len(restored) != len(records) {
		t.Fatalf("expected %d restored records, got %d", len(records), len(restored))
	}
}
